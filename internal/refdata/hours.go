package refdata

import (
	"fmt"
	"strconv"
	"strings"
)

// HourMask is a set of hours of the day, bit h set for hour h.
type HourMask uint32

// AllDay contains every hour.
const AllDay HourMask = 1<<24 - 1

// ParseHours parses an hour specification: a comma separated list of hours
// ("14") and inclusive ranges ("8-12"). A range whose start is after its end
// wraps past midnight ("22-5"). An empty specification means all day.
func ParseHours(spec string) (HourMask, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return AllDay, nil
	}

	var mask HourMask
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		from, to, isRange := strings.Cut(part, "-")
		start, err := parseHour(from)
		if err != nil {
			return 0, fmt.Errorf("hour spec %q: %w", spec, err)
		}
		end := start
		if isRange {
			if end, err = parseHour(to); err != nil {
				return 0, fmt.Errorf("hour spec %q: %w", spec, err)
			}
		}

		for h := start; ; h = (h + 1) % 24 {
			mask |= 1 << h
			if h == end {
				break
			}
		}
	}

	if mask == 0 {
		return 0, fmt.Errorf("hour spec %q: no hours", spec)
	}
	return mask, nil
}

func parseHour(s string) (int, error) {
	h, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid hour %q", s)
	}
	if h < 0 || h > 23 {
		return 0, fmt.Errorf("hour %d out of range", h)
	}
	return h, nil
}

// Contains reports whether hour h is in the mask.
func (m HourMask) Contains(h int) bool {
	if h < 0 || h > 23 {
		return false
	}
	return m&(1<<h) != 0
}
