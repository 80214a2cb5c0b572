package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opensource-finance/callrate/internal/api"
	"github.com/opensource-finance/callrate/internal/domain"
	"github.com/shopspring/decimal"
)

const sampleCSV = `dialed,country_id,origin_indicator_id,started_at,duration_sec,trunk,expected_type
0312345678,1,200,2026-03-02T10:00:00Z,90,,Cellular
6012345,1,200,2026-03-02T10:05:00Z,30,,Local
bad,x,200,,30,,
447911123456,1,200,,120,TRK-MOBILE,International
`

func TestReadCalls(t *testing.T) {
	t.Run("Parse", func(t *testing.T) {
		records, skipped, err := readCalls(strings.NewReader(sampleCSV), 0)
		if err != nil {
			t.Fatalf("readCalls failed: %v", err)
		}
		if len(records) != 3 || skipped != 1 {
			t.Fatalf("expected 3 records and 1 skipped, got %d/%d", len(records), skipped)
		}

		first := records[0]
		if first.Call.Dialed != "0312345678" || first.Call.OriginIndicatorID != 200 || first.Call.DurationSec != 90 {
			t.Errorf("unexpected call %+v", first.Call)
		}
		if first.Call.StartedAt.IsZero() || first.ExpectedType != "Cellular" {
			t.Errorf("unexpected record %+v", first)
		}
		if records[2].Call.Trunk != "TRK-MOBILE" || records[2].Line != 5 {
			t.Errorf("unexpected last record %+v", records[2])
		}
	})

	t.Run("Limit", func(t *testing.T) {
		records, _, err := readCalls(strings.NewReader(sampleCSV), 2)
		if err != nil {
			t.Fatalf("readCalls failed: %v", err)
		}
		if len(records) != 2 {
			t.Errorf("expected 2 records, got %d", len(records))
		}
	})

	t.Run("MissingColumn", func(t *testing.T) {
		if _, _, err := readCalls(strings.NewReader("dialed,duration_sec\n123,4\n"), 0); err == nil {
			t.Error("expected missing column error")
		}
	})
}

func TestRunBenchmark(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Tenant-ID") != "bench" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var req domain.CallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Trunk != "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		typ := "Cellular"
		if !strings.HasPrefix(req.Dialed, "03") {
			typ = "National"
		}
		json.NewEncoder(w).Encode(api.RateResponse{
			Status: domain.StatusRated,
			Rating: domain.Rating{
				TelephonyType: typ,
				Billed:        decimal.NewFromInt(10),
			},
		})
	}))
	defer server.Close()

	records, _, err := readCalls(strings.NewReader(sampleCSV), 0)
	if err != nil {
		t.Fatal(err)
	}

	m := runBenchmark(records, server.URL, "bench", 2, false)

	if m.TotalProcessed != 3 || m.TotalErrors != 1 {
		t.Errorf("expected 3 processed with 1 error, got %d/%d", m.TotalProcessed, m.TotalErrors)
	}
	if m.Labelled != 2 || m.Matched != 1 {
		t.Errorf("expected 1 of 2 labels matched, got %d/%d", m.Matched, m.Labelled)
	}
	if m.byType["Cellular"] != 1 || m.byType["National"] != 1 {
		t.Errorf("unexpected type distribution %v", m.byType)
	}

	var out bytes.Buffer
	printResults(&out, m, 0)
	for _, want := range []string{"RATED", "Cellular", "Matched label:    1 / 2"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in results:\n%s", want, out.String())
		}
	}
}
