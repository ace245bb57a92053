// Kestrel - Real-time informed-trading detection for prediction markets.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Replay tool for driving Kestrel with historical trades.
//
// Usage:
//
//	go run ./cmd/replay -csv trades.csv -url http://localhost:8080
//
// The CSV needs a header row naming at least transaction_hash, wallet,
// market and value_usd. Optional columns are side, outcome, size, price and
// timestamp (RFC 3339 or unix seconds). Trades from one wallet are always
// sent by the same worker so structuring windows see them in file order.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
	"golang.org/x/sync/errgroup"
)

var requiredColumns = []string{"transaction_hash", "wallet", "market", "value_usd"}

// Results aggregates replay outcomes.
type Results struct {
	mu         sync.Mutex
	Sent       int
	Duplicates int
	Errors     int
	ByType     map[domain.AlertType]int
	BySeverity map[domain.Severity]int
	Latencies  []time.Duration
}

func newResults() *Results {
	return &Results{
		ByType:     make(map[domain.AlertType]int),
		BySeverity: make(map[domain.Severity]int),
	}
}

func (r *Results) record(eval *domain.Evaluation, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Sent++
	r.Latencies = append(r.Latencies, elapsed)
	if err != nil {
		r.Errors++
		return
	}
	if eval.Duplicate {
		r.Duplicates++
	}
	for _, a := range eval.Alerts {
		r.ByType[a.Type]++
		r.BySeverity[a.Severity]++
	}
}

func main() {
	csvPath := flag.String("csv", "", "Path to trades CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 0, "Maximum trades to send (0 = all)")
	workers := flag.Int("workers", 8, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print every alert raised")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv trades.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *workers < 1 {
		*workers = 1
	}

	fmt.Println("KESTREL REPLAY")
	fmt.Printf("\nCSV File:     %s\n", *csvPath)
	fmt.Printf("Kestrel URL:  %s\n", *baseURL)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Printf("Limit:        %d\n", *limit)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	trades, err := readTrades(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d trades\n", len(trades))

	start := time.Now()
	results := replay(context.Background(), trades, *baseURL, *workers, *verbose)
	printResults(results, time.Since(start))
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

// readTrades parses trades from r. Malformed rows are skipped.
func readTrades(r io.Reader, limit int) ([]api.TradeRequest, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	number := func(record []string, name string) float64 {
		v, _ := strconv.ParseFloat(field(record, name), 64)
		return v
	}

	var trades []api.TradeRequest
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}

		value, err := strconv.ParseFloat(field(record, "value_usd"), 64)
		if err != nil {
			continue
		}
		ts, err := parseTimestamp(field(record, "timestamp"))
		if err != nil {
			continue
		}

		trades = append(trades, api.TradeRequest{
			TransactionHash: field(record, "transaction_hash"),
			Wallet:          field(record, "wallet"),
			Market:          field(record, "market"),
			Side:            field(record, "side"),
			Outcome:         field(record, "outcome"),
			Size:            number(record, "size"),
			Price:           number(record, "price"),
			ValueUSD:        value,
			Timestamp:       ts,
		})
		if limit > 0 && len(trades) >= limit {
			break
		}
	}
	return trades, nil
}

// parseTimestamp accepts RFC 3339 or unix seconds. Empty means "now" on the
// server side.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

// shard pins a wallet to one worker.
func shard(wallet string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(wallet)))
	return int(h.Sum32() % uint32(n))
}

func replay(ctx context.Context, trades []api.TradeRequest, baseURL string, workers int, verbose bool) *Results {
	results := newResults()

	queues := make([]chan api.TradeRequest, workers)
	for i := range queues {
		queues[i] = make(chan api.TradeRequest, 64)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, queue := range queues {
		g.Go(func() error {
			client := &http.Client{Timeout: 10 * time.Second}
			for req := range queue {
				start := time.Now()
				eval, err := submit(ctx, client, baseURL, req)
				results.record(eval, time.Since(start), err)

				if err != nil && verbose {
					fmt.Printf("ERROR: %s -> %v\n", req.TransactionHash, err)
				}
				if err == nil && verbose {
					for _, a := range eval.Alerts {
						fmt.Printf("%-8s %-14s %.2f %s\n", a.Severity, a.Type, a.Confidence, a.Title)
					}
				}
			}
			return nil
		})
	}

	for _, req := range trades {
		queues[shard(req.Wallet, workers)] <- req
	}
	for _, queue := range queues {
		close(queue)
	}
	g.Wait()

	return results
}

func submit(ctx context.Context, client *http.Client, baseURL string, req api.TradeRequest) (*domain.Evaluation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/trades", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var eval domain.Evaluation
	if err := json.NewDecoder(resp.Body).Decode(&eval); err != nil {
		return nil, err
	}
	return &eval, nil
}

// percentile returns the p-th percentile of sorted using nearest rank.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func printResults(r *Results, duration time.Duration) {
	fmt.Println("\nREPLAY RESULTS")

	fmt.Printf("\nTRADES\n")
	fmt.Printf("   Sent:        %d\n", r.Sent)
	fmt.Printf("   Duplicates:  %d\n", r.Duplicates)
	fmt.Printf("   Errors:      %d\n", r.Errors)

	fmt.Printf("\nALERTS BY SEVERITY\n")
	for _, sev := range []domain.Severity{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow} {
		fmt.Printf("   %-10s %d\n", sev, r.BySeverity[sev])
	}

	fmt.Printf("\nALERTS BY TYPE\n")
	types := make([]string, 0, len(r.ByType))
	for t := range r.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("   %-16s %d\n", t, r.ByType[domain.AlertType(t)])
	}

	latencies := append([]time.Duration(nil), r.Latencies...)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Printf("\nLATENCY\n")
	fmt.Printf("   p50:  %v\n", percentile(latencies, 50))
	fmt.Printf("   p95:  %v\n", percentile(latencies, 95))
	fmt.Printf("   p99:  %v\n", percentile(latencies, 99))
	fmt.Printf("   max:  %v\n", percentile(latencies, 100))

	fmt.Printf("\nTHROUGHPUT\n")
	fmt.Printf("   Duration:    %v\n", duration.Round(time.Millisecond))
	if duration > 0 {
		fmt.Printf("   Trades/sec:  %.1f\n", float64(r.Sent)/duration.Seconds())
	}
}
