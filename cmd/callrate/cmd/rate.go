package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/spf13/cobra"
)

var (
	rateTenant       string
	rateFile         string
	rateDialed       string
	rateCountry      int64
	rateOrigin       int64
	rateDuration     int
	rateTrunk        string
	rateStartedAt    string
	rateExitStripped bool
)

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Rate calls from flags or a JSON file",
	Long: `Rate one call described by flags, or every call of a JSON array read from
--file ("-" reads stdin). Rated calls are stored in the ledger and printed as
JSON.`,
	Args: cobra.NoArgs,
	RunE: runRate,
}

func init() {
	rootCmd.AddCommand(rateCmd)

	rateCmd.Flags().StringVarP(&rateTenant, "tenant", "t", "default", "tenant the calls belong to")
	rateCmd.Flags().StringVarP(&rateFile, "file", "f", "", "JSON array of calls, - for stdin")
	rateCmd.Flags().StringVar(&rateDialed, "dialed", "", "dialed number")
	rateCmd.Flags().Int64Var(&rateCountry, "country", 0, "origin country ID")
	rateCmd.Flags().Int64Var(&rateOrigin, "origin", 0, "origin indicator ID")
	rateCmd.Flags().IntVar(&rateDuration, "duration", 0, "duration in seconds")
	rateCmd.Flags().StringVar(&rateTrunk, "trunk", "", "outbound trunk name")
	rateCmd.Flags().StringVar(&rateStartedAt, "started-at", "", "call start, RFC 3339 (default now)")
	rateCmd.Flags().BoolVar(&rateExitStripped, "exit-stripped", false, "exit codes were stripped from the dialed number")
}

func runRate(cmd *cobra.Command, args []string) error {
	var (
		reqs []domain.CallRequest
		err  error
	)
	if rateFile != "" {
		reqs, err = readCalls(cmd.InOrStdin(), rateFile)
	} else {
		reqs, err = callFromFlags()
	}
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	calls := make([]domain.Call, len(reqs))
	for i := range reqs {
		calls[i] = reqs[i].ToCall(rateTenant)
	}

	traceID := uuid.New().String()
	items := a.rater.RateBatch(ctx, rateTenant, traceID, calls)

	out := make([]any, len(items))
	failed := 0
	for i, item := range items {
		if item.Err != nil {
			failed++
			out[i] = map[string]string{"error": item.Err.Error()}
			continue
		}
		out[i] = item.RatedCall
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d calls failed", failed, len(items))
	}
	return nil
}

func callFromFlags() ([]domain.CallRequest, error) {
	if rateCountry <= 0 || rateOrigin <= 0 {
		return nil, fmt.Errorf("--country and --origin are required without --file")
	}
	req := domain.CallRequest{
		Dialed:            rateDialed,
		CountryID:         rateCountry,
		OriginIndicatorID: rateOrigin,
		DurationSec:       rateDuration,
		Trunk:             rateTrunk,
		ExitStripped:      rateExitStripped,
	}
	if rateStartedAt != "" {
		t, err := time.Parse(time.RFC3339, rateStartedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid --started-at: %w", err)
		}
		req.StartedAt = t
	}
	return []domain.CallRequest{req}, nil
}

// readCalls decodes a JSON array of calls from path, or from stdin for "-".
func readCalls(stdin io.Reader, path string) ([]domain.CallRequest, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var reqs []domain.CallRequest
	if err := json.NewDecoder(r).Decode(&reqs); err != nil {
		return nil, fmt.Errorf("failed to decode calls: %w", err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no calls to rate")
	}
	return reqs, nil
}
