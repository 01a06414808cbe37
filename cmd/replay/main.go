// Replay scores labelled PaySim fraud data with the Kestrel detector.
//
// Usage:
//
//	go run ./cmd/replay -csv /path/to/paysim.csv
//
// This tool:
//  1. Reads PaySim transaction data (with fraud labels)
//  2. Scores each transaction in-process with the configured detector
//  3. Compares the verdict with the fraud label and feeds mistakes back
//  4. Calculates precision, recall, F1-score, and confusion matrix
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/detector"
)

// Metrics tracks replay results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Non-fraud flagged
	TrueNegatives  int64 // Non-fraud passed
	FalseNegatives int64 // Fraud passed (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalErrors    int64

	ProcessingTimeUs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	envFile := flag.String("env", config.DefaultEnvFile, "path to .env file")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only test fraud transactions")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/paysim.csv")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	det := detector.New(cfg, detector.Options{})

	fmt.Println("KESTREL REPLAY - PaySim Fraud Detection")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Rules:       %v\n", cfg.Detector.Rules)
	fmt.Printf("Threshold:   %.2f\n", cfg.Detector.GlobalThreshold)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	transactions, err := readPaySim(file, readOptions{
		Limit:      *limit,
		FraudOnly:  *fraudOnly,
		SampleRate: *sampleRate,
	})
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(transactions))
	if len(transactions) == 0 {
		return
	}

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(transactions)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(transactions)-fraudCount, 100*float64(len(transactions)-fraudCount)/float64(len(transactions)))

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := replay(det, transactions, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)

	stats := det.Stats()
	fmt.Printf("Detector: %d analyses, %d signal failures, %d false positives, %d false negatives recorded\n\n",
		stats.TotalAnalyses, stats.SignalFailures, stats.FalsePositives, stats.FalseNegatives)
}

func replay(det *detector.Detector, transactions []PaySimTransaction, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	ctx := context.Background()

	work := make(chan PaySimTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for tx := range work {
				start := time.Now()
				result := det.Analyze(ctx, tx.Transaction())
				atomic.AddInt64(&metrics.ProcessingTimeUs, time.Since(start).Microseconds())
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if _, invalid := result.Details.Failures["transaction"]; invalid {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %s\n", tx.ID, result.Details.Failures["transaction"])
					}
					continue
				}

				if tx.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}

				predicted := result.IsFraudulent
				actual := tx.IsFraud

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
					det.MarkFalsePositive(tx.ID)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
					det.MarkFalseNegative(tx.ID)
				}

				if verbose {
					status := "ok "
					if predicted != actual {
						status = "ERR"
					}
					fmt.Printf("%s %-12s | Type: %-8s | Amount: %14s | Fraud: %-5v | Score: %.2f | Confidence: %.2f\n",
						status,
						tx.NameOrig,
						tx.Type,
						tx.Amount.StringFixed(2),
						tx.IsFraud,
						result.RiskScore,
						result.Confidence,
					)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)

	wg.Wait()

	return metrics
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nREPLAY RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                     Predicted")
	fmt.Println("                 FRAUD      LEGIT")
	fmt.Printf("   Actual  F  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NF  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	recall := ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	accuracy := ratio(m.TruePositives+m.TrueNegatives, total)

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of alerts, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeUs) / float64(m.TotalProcessed) / 1000
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.3f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}
	fmt.Println()
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
