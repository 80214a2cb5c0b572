// Benchmark tool for replaying call detail records against callrate.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/calls.csv -url http://localhost:8080
//
// This tool:
//  1. Reads call detail records, optionally labelled with the expected telephony type
//  2. Sends each call to POST /rate
//  3. Compares the telephony type callrate assigned with the label
//  4. Reports throughput, latency, the ledger status mix and the type distribution
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/callrate/internal/api"
	"github.com/opensource-finance/callrate/internal/domain"
)

// Record is a row of the replayed CSV.
//
// Columns, matched case-insensitively by header: dialed, country_id,
// origin_indicator_id, started_at (RFC 3339), duration_sec, trunk and
// expected_type. trunk and expected_type are optional.
type Record struct {
	Line         int
	Call         domain.CallRequest
	ExpectedType string
}

// Metrics tracks benchmark results.
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64
	Labelled       int64
	Matched        int64

	ProcessingTimeMs int64

	mu       sync.Mutex
	byType   map[string]int64
	byStatus map[string]int64
	billed   map[string]float64
}

func newMetrics() *Metrics {
	return &Metrics{
		byType:   make(map[string]int64),
		byStatus: make(map[string]int64),
		billed:   make(map[string]float64),
	}
}

// record tallies one rated call against its label.
func (m *Metrics) record(rec Record, resp *api.RateResponse) {
	atomic.AddInt64(&m.TotalProcessed, 1)

	typ := resp.Rating.TelephonyType
	if typ == "" {
		typ = "(none)"
	}
	billed, _ := resp.Rating.Billed.Float64()

	m.mu.Lock()
	m.byType[typ]++
	m.byStatus[resp.Status]++
	m.billed[typ] += billed
	m.mu.Unlock()

	if rec.ExpectedType != "" {
		atomic.AddInt64(&m.Labelled, 1)
		if strings.EqualFold(rec.ExpectedType, resp.Rating.TelephonyType) {
			atomic.AddInt64(&m.Matched, 1)
		}
	}
}

func main() {
	csvPath := flag.String("csv", "", "Path to the call CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "callrate base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum calls to replay (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each call result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/calls.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("CALLRATE BENCHMARK - call detail record replay")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("URL:         %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: callrate not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure callrate is running:")
		fmt.Println("  go run ./cmd/callrate serve")
		os.Exit(1)
	}
	fmt.Println("callrate is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	records, skipped, err := readCalls(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d calls (%d malformed rows skipped)\n", len(records), skipped)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(records, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(os.Stdout, metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCalls parses up to limit records. Rows that do not parse are counted
// and skipped.
func readCalls(r io.Reader, limit int) ([]Record, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"dialed", "country_id", "origin_indicator_id", "duration_sec"} {
		if _, ok := colIndex[required]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []Record
	skipped := 0
	line := 1

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			skipped++
			continue
		}

		country, err1 := strconv.ParseInt(field(row, "country_id"), 10, 64)
		origin, err2 := strconv.ParseInt(field(row, "origin_indicator_id"), 10, 64)
		duration, err3 := strconv.Atoi(field(row, "duration_sec"))
		if err1 != nil || err2 != nil || err3 != nil {
			skipped++
			continue
		}

		var startedAt time.Time
		if s := field(row, "started_at"); s != "" {
			if startedAt, err = time.Parse(time.RFC3339, s); err != nil {
				skipped++
				continue
			}
		}

		records = append(records, Record{
			Line: line,
			Call: domain.CallRequest{
				Dialed:            field(row, "dialed"),
				CountryID:         country,
				OriginIndicatorID: origin,
				StartedAt:         startedAt,
				DurationSec:       duration,
				Trunk:             field(row, "trunk"),
			},
			ExpectedType: field(row, "expected_type"),
		})

		if limit > 0 && len(records) >= limit {
			break
		}
	}

	return records, skipped, nil
}

func runBenchmark(records []Record, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := newMetrics()

	work := make(chan Record, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for rec := range work {
				start := time.Now()
				result, err := rateCall(client, baseURL, tenantID, rec.Call)
				atomic.AddInt64(&metrics.ProcessingTimeMs, time.Since(start).Milliseconds())

				if err != nil {
					atomic.AddInt64(&metrics.TotalProcessed, 1)
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: line %d %s -> %v\n", rec.Line, rec.Call.Dialed, err)
					}
					continue
				}

				metrics.record(rec, result)

				if verbose {
					mark := " "
					if rec.ExpectedType != "" && !strings.EqualFold(rec.ExpectedType, result.Rating.TelephonyType) {
						mark = "x"
					}
					fmt.Printf("%s %-16s | %-16s | %-6s | %12s\n",
						mark,
						rec.Call.Dialed,
						result.Rating.TelephonyType,
						result.Status,
						result.Rating.Billed.StringFixed(4),
					)
				}
			}
		}()
	}

	for _, rec := range records {
		work <- rec
	}
	close(work)

	wg.Wait()

	return metrics
}

func rateCall(client *http.Client, baseURL, tenantID string, call domain.CallRequest) (*api.RateResponse, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/rate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result api.RateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(w io.Writer, m *Metrics, duration time.Duration) {
	fmt.Fprintln(w, "\nBENCHMARK RESULTS")

	fmt.Fprintf(w, "\nDATASET\n")
	fmt.Fprintf(w, "   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Fprintf(w, "   Errors:           %d\n", m.TotalErrors)

	fmt.Fprintf(w, "\nLEDGER STATUS\n")
	for _, status := range sortedKeys(m.byStatus) {
		fmt.Fprintf(w, "   %-8s %d\n", status, m.byStatus[status])
	}

	fmt.Fprintf(w, "\nTELEPHONY TYPES\n")
	for _, typ := range sortedKeys(m.byType) {
		fmt.Fprintf(w, "   %-20s %8d calls %14.4f billed\n", typ, m.byType[typ], m.billed[typ])
	}

	if m.Labelled > 0 {
		fmt.Fprintf(w, "\nCLASSIFICATION\n")
		fmt.Fprintf(w, "   Matched label:    %d / %d (%.2f%%)\n",
			m.Matched, m.Labelled, 100*float64(m.Matched)/float64(m.Labelled))
	}

	fmt.Fprintf(w, "\nPERFORMANCE\n")
	fmt.Fprintf(w, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		fmt.Fprintf(w, "   Avg Latency:      %.2f ms\n", avgMs)
		if duration > 0 {
			fmt.Fprintf(w, "   Throughput:       %.2f calls/sec\n", float64(m.TotalProcessed)/duration.Seconds())
		}
	}
	fmt.Fprintln(w)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
