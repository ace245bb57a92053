package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const sampleCSV = `transaction_hash,wallet,market,side,value_usd,timestamp
0x1,0xAAA,election,BUY,8500,2025-01-15T10:00:00Z
0x2,0xBBB,election,SELL,120.5,1736935200
0x3,0xCCC,election,BUY,not-a-number,2025-01-15T10:00:00Z
0x4,0xDDD,election,BUY,50,
`

func TestReadTrades(t *testing.T) {
	trades, err := readTrades(strings.NewReader(sampleCSV), 0)
	if err != nil {
		t.Fatalf("readTrades failed: %v", err)
	}
	if len(trades) != 3 {
		t.Fatalf("expected 3 trades (bad value skipped), got %d", len(trades))
	}
	if trades[0].Wallet != "0xAAA" || trades[0].ValueUSD != 8500 {
		t.Errorf("unexpected first trade: %+v", trades[0])
	}
	if !trades[1].Timestamp.Equal(time.Unix(1736935200, 0)) {
		t.Errorf("expected unix timestamp to parse, got %v", trades[1].Timestamp)
	}
	if !trades[2].Timestamp.IsZero() {
		t.Errorf("expected empty timestamp to stay zero, got %v", trades[2].Timestamp)
	}

	limited, err := readTrades(strings.NewReader(sampleCSV), 1)
	if err != nil {
		t.Fatalf("readTrades failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}

	if _, err := readTrades(strings.NewReader("wallet,market\n0x1,m\n"), 0); err == nil {
		t.Error("expected missing columns to fail")
	}
}

func TestPercentile(t *testing.T) {
	var sorted []time.Duration
	for i := 1; i <= 100; i++ {
		sorted = append(sorted, time.Duration(i)*time.Millisecond)
	}

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{50, 50 * time.Millisecond},
		{95, 95 * time.Millisecond},
		{99, 99 * time.Millisecond},
		{100, 100 * time.Millisecond},
		{0, 1 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); got != tt.want {
			t.Errorf("percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("expected 0 for empty input, got %v", got)
	}
}

func TestShardStable(t *testing.T) {
	if shard("0xAbC", 8) != shard("0xabc", 8) {
		t.Error("expected shard to ignore address case")
	}
	if got := shard("0xabc", 1); got != 0 {
		t.Errorf("expected single worker shard 0, got %d", got)
	}
}

func TestReplay(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trades" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)

		var req struct {
			TransactionHash string  `json:"transactionHash"`
			ValueUSD        float64 `json:"valueUsd"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		eval := domain.Evaluation{TradeID: req.TransactionHash}
		if req.ValueUSD > 1000 {
			eval.Alerts = []domain.Alert{{Type: domain.AlertFreshWallet, Severity: domain.SeverityCritical}}
		}
		if req.TransactionHash == "0x4" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(eval)
	}))
	defer srv.Close()

	trades, err := readTrades(strings.NewReader(sampleCSV), 0)
	if err != nil {
		t.Fatalf("readTrades failed: %v", err)
	}

	results := replay(context.Background(), trades, srv.URL, 2, false)

	if calls.Load() != 3 || results.Sent != 3 {
		t.Errorf("expected 3 trades sent, got %d (server saw %d)", results.Sent, calls.Load())
	}
	if results.Errors != 1 {
		t.Errorf("expected 1 error, got %d", results.Errors)
	}
	if results.ByType[domain.AlertFreshWallet] != 1 || results.BySeverity[domain.SeverityCritical] != 1 {
		t.Errorf("unexpected alert tallies: %v %v", results.ByType, results.BySeverity)
	}
	if len(results.Latencies) != 3 {
		t.Errorf("expected 3 latency samples, got %d", len(results.Latencies))
	}
}
