// Benchmark tool for measuring Harrier identity resolution against labelled data.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/accounts.csv -url http://localhost:8080
//
// The CSV needs a header with the columns person, platform and handle, and
// may carry name, email and phone. person is the ground-truth label: rows
// with the same person belong to one real identity.
//
// The tool ingests the accounts in batches, runs a full build, reads back
// the identity partition and reports pairwise precision and recall of the
// merges together with ingest and build latency.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// LabelledAccount is one CSV row.
type LabelledAccount struct {
	Person  string
	Account domain.RawAccount
}

// Stats tracks benchmark results.
type Stats struct {
	Batches  int64
	Accepted int64
	Skipped  int64
	Errors   int64

	IngestTimeMs int64
	BuildTimeMs  int64

	// pairwise merge confusion matrix
	TruePositives  int64
	FalsePositives int64
	FalseNegatives int64
}

type ingestSummary struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

func main() {
	csvPath := flag.String("csv", "", "Path to labelled accounts CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	caseID := flag.String("case", "benchmark", "Case ID for the run")
	limit := flag.Int("limit", 10000, "Maximum accounts to load (0 = all)")
	batchSize := flag.Int("batch", 200, "Accounts per ingest request")
	workers := flag.Int("workers", 4, "Number of concurrent ingest workers")
	verbose := flag.Bool("verbose", false, "Print every wrong merge decision")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/accounts.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("HARRIER BENCHMARK - identity resolution")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Harrier URL: %s\n", *baseURL)
	fmt.Printf("Case ID:     %s\n", *caseID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Batch Size:  %d\n", *batchSize)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Harrier is running:")
		fmt.Println("  go run ./cmd/harrier")
		os.Exit(1)
	}
	fmt.Println("Harrier is healthy")

	accounts, err := readAccountsCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d accounts\n", len(accounts))

	client := &http.Client{Timeout: 60 * time.Second}
	stats := &Stats{}

	start := time.Now()
	ingest(client, *baseURL, *caseID, accounts, *batchSize, *workers, stats)
	stats.IngestTimeMs = time.Since(start).Milliseconds()

	start = time.Now()
	part, err := build(client, *baseURL, *caseID)
	stats.BuildTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		fmt.Printf("ERROR: build failed: %v\n", err)
		os.Exit(1)
	}

	score(accounts, part, stats, *verbose)
	printResults(stats, len(accounts), part)
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

func readAccountsCSV(path string, limit int) ([]LabelledAccount, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"person", "platform", "handle"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	col := func(rec []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []LabelledAccount
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // skip malformed rows
		}
		la := LabelledAccount{
			Person: col(rec, "person"),
			Account: domain.RawAccount{
				Platform: col(rec, "platform"),
				Handle:   col(rec, "handle"),
				Name:     col(rec, "name"),
				Email:    col(rec, "email"),
				Phone:    col(rec, "phone"),
			},
		}
		// accounts without a handle get a server-assigned key and cannot be scored
		if la.Person == "" || la.Account.Platform == "" || la.Account.Handle == "" {
			continue
		}
		out = append(out, la)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func ingest(client *http.Client, baseURL, caseID string, accounts []LabelledAccount, batchSize, numWorkers int, stats *Stats) {
	if batchSize <= 0 {
		batchSize = 200
	}
	work := make(chan []*domain.RawAccount, numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range work {
				var summary ingestSummary
				err := post(client, baseURL+"/cases/"+caseID+"/records",
					map[string]any{"accounts": batch}, &summary)
				atomic.AddInt64(&stats.Batches, 1)
				if err != nil {
					atomic.AddInt64(&stats.Errors, 1)
					fmt.Printf("ERROR: batch of %d: %v\n", len(batch), err)
					continue
				}
				atomic.AddInt64(&stats.Accepted, int64(summary.Accepted))
				atomic.AddInt64(&stats.Skipped, int64(summary.Skipped))
			}
		}()
	}

	for i := 0; i < len(accounts); i += batchSize {
		end := min(i+batchSize, len(accounts))
		batch := make([]*domain.RawAccount, 0, end-i)
		for j := i; j < end; j++ {
			acc := accounts[j].Account
			batch = append(batch, &acc)
		}
		work <- batch
	}
	close(work)
	wg.Wait()
}

func build(client *http.Client, baseURL, caseID string) (*domain.Partition, error) {
	var res domain.BuildResult
	if err := post(client, baseURL+"/cases/"+caseID+"/build", domain.BuildRequest{}, &res); err != nil {
		return nil, err
	}
	resp, err := client.Get(baseURL + "/cases/" + caseID + "/identities")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identities: status %d", resp.StatusCode)
	}
	var part domain.Partition
	if err := json.NewDecoder(resp.Body).Decode(&part); err != nil {
		return nil, err
	}
	return &part, nil
}

func post(client *http.Client, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// accountKey mirrors the key the server derives from a handle.
func accountKey(platform, handle string) string {
	return strings.ToLower(strings.TrimSpace(platform)) + "/" +
		strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// score compares every pair of labelled accounts: a pair is positive when
// both sit in the same identity.
func score(accounts []LabelledAccount, part *domain.Partition, stats *Stats, verbose bool) {
	predicted := make(map[string]string)
	for _, id := range part.Identities {
		for _, m := range id.Members {
			predicted[accountKey(m.Platform, m.Handle)] = id.ID
		}
	}

	// duplicate rows collapse into one account server-side
	seen := make(map[string]bool)
	var keys, persons []string
	for _, la := range accounts {
		k := accountKey(la.Account.Platform, la.Account.Handle)
		if seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
		persons = append(persons, la.Person)
	}

	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			a, aok := predicted[keys[i]]
			b, bok := predicted[keys[j]]
			merged := aok && bok && a == b
			actual := persons[i] == persons[j]
			switch {
			case merged && actual:
				stats.TruePositives++
			case merged && !actual:
				stats.FalsePositives++
				if verbose {
					fmt.Printf("false merge: %s (%s) ~ %s (%s)\n", keys[i], persons[i], keys[j], persons[j])
				}
			case !merged && actual:
				stats.FalseNegatives++
				if verbose {
					fmt.Printf("missed merge: %s ~ %s (%s)\n", keys[i], keys[j], persons[i])
				}
			}
		}
	}
}

func printResults(s *Stats, loaded int, part *domain.Partition) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Accounts Loaded:  %d\n", loaded)
	fmt.Printf("   Accepted:         %d\n", s.Accepted)
	fmt.Printf("   Skipped:          %d\n", s.Skipped)
	fmt.Printf("   Batch Errors:     %d / %d\n", s.Errors, s.Batches)
	fmt.Printf("   Identities:       %d\n", len(part.Identities))
	fmt.Printf("   Alias Edges:      %d\n", len(part.Edges))

	precision := float64(0)
	if s.TruePositives+s.FalsePositives > 0 {
		precision = float64(s.TruePositives) / float64(s.TruePositives+s.FalsePositives)
	}
	recall := float64(0)
	if s.TruePositives+s.FalseNegatives > 0 {
		recall = float64(s.TruePositives) / float64(s.TruePositives+s.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\nPAIRWISE MERGES\n")
	fmt.Printf("   True Merges:      %d\n", s.TruePositives)
	fmt.Printf("   False Merges:     %d\n", s.FalsePositives)
	fmt.Printf("   Missed Merges:    %d\n", s.FalseNegatives)
	fmt.Printf("   Precision:        %.4f\n", precision)
	fmt.Printf("   Recall:           %.4f\n", recall)
	fmt.Printf("   F1-Score:         %.4f\n", f1)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Ingest:           %d ms\n", s.IngestTimeMs)
	fmt.Printf("   Build:            %d ms\n", s.BuildTimeMs)
	if s.IngestTimeMs > 0 {
		fmt.Printf("   Ingest Rate:      %.2f accounts/sec\n", float64(s.Accepted)/(float64(s.IngestTimeMs)/1000))
	}
	fmt.Println()
}
