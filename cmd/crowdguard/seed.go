// CrowdGuard - Crowd-sourced fraud intelligence and protection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/crowdguard/internal/domain"
	"github.com/opensource-finance/crowdguard/internal/report"
)

var (
	seedCSV     string
	seedURL     string
	seedWorkers int
	seedLimit   int
	seedVerbose bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "File fraud reports from a CSV export against a running server",
	Long: `Reads a CSV with the columns target_entity, entity_type, category,
description, amount_lost and incident_date (RFC 3339 or 2006-01-02) and
submits each row to POST /reports.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedCSV == "" {
			return errors.New("--csv is required")
		}
		if err := checkHealth(seedURL); err != nil {
			return fmt.Errorf("crowdguard not reachable at %s: %w", seedURL, err)
		}

		reports, err := readReportsCSV(seedCSV, seedLimit)
		if err != nil {
			return fmt.Errorf("failed to read CSV: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d reports from %s\n", len(reports), seedCSV)

		start := time.Now()
		stats := submitReports(reports, seedURL, seedWorkers, seedVerbose)
		printSeedResults(cmd.OutOrStdout(), stats, time.Since(start))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedCSV, "csv", "", "Path to the reports CSV")
	seedCmd.Flags().StringVar(&seedURL, "url", "http://localhost:8080", "CrowdGuard base URL")
	seedCmd.Flags().IntVar(&seedWorkers, "workers", 10, "Number of concurrent workers")
	seedCmd.Flags().IntVar(&seedLimit, "limit", 0, "Maximum rows to submit (0 = all)")
	seedCmd.Flags().BoolVar(&seedVerbose, "verbose", false, "Print each failed row")
}

// SeedStats tracks submission results.
type SeedStats struct {
	Submitted        int64
	Rejected         int64
	Errors           int64
	ProcessingTimeMs int64
	Categories       sync.Map // domain.Category -> *atomic.Int64
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

func readReportsCSV(path string, limit int) ([]report.SubmitRequest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"target_entity", "category", "description"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var reports []report.SubmitRequest
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		req := report.SubmitRequest{
			TargetEntity: field(record, "target_entity"),
			EntityType:   domain.EntityType(field(record, "entity_type")),
			Category:     domain.Category(field(record, "category")),
			Description:  field(record, "description"),
		}
		if raw := field(record, "amount_lost"); raw != "" {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				continue
			}
			req.AmountLost = amount
		}
		if raw := field(record, "incident_date"); raw != "" {
			if t, ok := parseDate(raw); ok {
				req.IncidentDate = &t
			}
		}

		reports = append(reports, req)
		if limit > 0 && len(reports) >= limit {
			break
		}
	}

	return reports, nil
}

func parseDate(raw string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func submitReports(reports []report.SubmitRequest, baseURL string, numWorkers int, verbose bool) *SeedStats {
	stats := &SeedStats{}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	// Create work channel
	work := make(chan report.SubmitRequest, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for req := range work {
				start := time.Now()
				status, err := submitReport(client, baseURL, req)
				atomic.AddInt64(&stats.ProcessingTimeMs, time.Since(start).Milliseconds())

				switch {
				case err != nil:
					atomic.AddInt64(&stats.Errors, 1)
				case status == http.StatusCreated:
					atomic.AddInt64(&stats.Submitted, 1)
					counter, _ := stats.Categories.LoadOrStore(req.Category, new(atomic.Int64))
					counter.(*atomic.Int64).Add(1)
					continue
				default:
					atomic.AddInt64(&stats.Rejected, 1)
					err = fmt.Errorf("status %d", status)
				}
				if verbose {
					fmt.Printf("ERROR: %s -> %v\n", req.TargetEntity, err)
				}
			}
		}()
	}

	// Send work
	for _, req := range reports {
		work <- req
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return stats
}

func submitReport(client *http.Client, baseURL string, req report.SubmitRequest) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}

	resp, err := client.Post(baseURL+"/reports", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func printSeedResults(w io.Writer, s *SeedStats, duration time.Duration) {
	total := s.Submitted + s.Rejected + s.Errors

	fmt.Fprintln(w)
	fmt.Fprintln(w, "SEED RESULTS")
	fmt.Fprintf(w, "   Submitted:  %d\n", s.Submitted)
	fmt.Fprintf(w, "   Rejected:   %d\n", s.Rejected)
	fmt.Fprintf(w, "   Errors:     %d\n", s.Errors)

	fmt.Fprintln(w, "\n   By category:")
	for _, c := range domain.Categories {
		if v, ok := s.Categories.Load(c); ok {
			fmt.Fprintf(w, "     %-18s %d\n", c, v.(*atomic.Int64).Load())
		}
	}

	fmt.Fprintf(w, "\n   Duration:   %v\n", duration.Round(time.Millisecond))
	if total > 0 {
		fmt.Fprintf(w, "   Avg latency: %.2f ms\n", float64(s.ProcessingTimeMs)/float64(total))
		fmt.Fprintf(w, "   Throughput:  %.1f reports/s\n", float64(total)/duration.Seconds())
	}
}
