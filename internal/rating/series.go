package rating

import (
	"strconv"
	"strings"
)

// maxSubscriberDigits keeps aligned bounds within int64.
const maxSubscriberDigits = 18

// alignBounds stretches a series range to the digit count of a subscriber
// number. Bounds of unequal length are equalized first, left-padding initial
// with zeros or right-padding final with nines; both are then right-padded
// (zeros for initial, nines for final) up to digits. Ranges wider than the
// subscriber number cannot contain it.
func alignBounds(initial, final int64, digits int) (lo, hi int64, ok bool) {
	if digits <= 0 || digits > maxSubscriberDigits {
		return 0, 0, false
	}

	i := strconv.FormatInt(initial, 10)
	f := strconv.FormatInt(final, 10)
	switch {
	case len(i) < len(f):
		i = strings.Repeat("0", len(f)-len(i)) + i
	case len(f) < len(i):
		f += strings.Repeat("9", len(i)-len(f))
	}

	if len(i) > digits {
		return 0, 0, false
	}
	if pad := digits - len(i); pad > 0 {
		i += strings.Repeat("0", pad)
		f += strings.Repeat("9", pad)
	}

	lo, errLo := strconv.ParseInt(i, 10, 64)
	hi, errHi := strconv.ParseInt(f, 10, 64)
	if errLo != nil || errHi != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

// seriesContains reports whether subscriber falls inside the aligned range of
// a series, and the width of that range.
func seriesContains(initial, final int64, subscriber string) (span int64, ok bool) {
	lo, hi, ok := alignBounds(initial, final, len(subscriber))
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(subscriber, 10, 64)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return hi - lo, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
