package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"

	"churnrisk/internal/storage"
)

func main() {
	var (
		dataPath   = flag.String("data", "data", "Directory holding churnrisk.db")
		runID      = flag.String("run", "", "Run to export (empty for the newest run)")
		outputPath = flag.String("output", "scores.jsonl", "Output file path")
		format     = flag.String("format", "jsonl", "Output format: jsonl, csv")
		minRate    = flag.Float64("min-rate", 0, "Only export customers at or above this churn rate")
	)
	flag.Parse()

	store, err := storage.New(*dataPath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	if *runID == "" {
		runs, err := store.ListRuns()
		if err != nil {
			log.Fatalf("Failed to list runs: %v", err)
		}
		if len(runs) == 0 {
			log.Fatalf("No runs stored under %s", *dataPath)
		}
		*runID = runs[0].ID
	}

	run, ok, err := store.GetRun(*runID)
	if err != nil {
		log.Fatalf("Failed to load run: %v", err)
	}
	if !ok {
		log.Fatalf("Run %s not found", *runID)
	}
	log.Printf("Exporting run %s (model %s, %d test rows) to %s", run.ID, run.ModelID, run.Rows, *outputPath)

	scores, err := store.GetScores(run.ID)
	if err != nil {
		log.Fatalf("Failed to read scores: %v", err)
	}

	var selected []storage.Score
	for _, s := range scores {
		if !math.IsNaN(s.ChurnRate) && s.ChurnRate >= *minRate {
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		log.Println("Warning: No scores found matching criteria")
	}

	out, err := os.Create(*outputPath)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer out.Close()

	switch *format {
	case "jsonl":
		err = writeJSONL(out, selected)
	case "csv":
		err = writeCSV(out, selected)
	default:
		err = fmt.Errorf("unknown format %q", *format)
	}
	if err != nil {
		log.Fatalf("Failed to export scores: %v", err)
	}

	log.Printf("Successfully exported %d of %d scores", len(selected), len(scores))

	if len(selected) > 0 {
		sum := 0.0
		negative := make(map[string]int)
		for _, s := range selected {
			sum += s.ChurnRate
			if s.TopNegative != "" {
				negative[s.TopNegative]++
			}
		}
		log.Printf("Mean churn rate: %.2f%%", sum/float64(len(selected)))
		log.Println("Most negative feature by customer count:")
		for feature, count := range negative {
			log.Printf("  %s: %d", feature, count)
		}
	}
}

// writeJSONL writes one score per line
func writeJSONL(f *os.File, scores []storage.Score) error {
	encoder := json.NewEncoder(f)
	for _, s := range scores {
		if err := encoder.Encode(s); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(f *os.File, scores []storage.Score) error {
	w := csv.NewWriter(f)
	if err := w.Write([]string{"row", "churn_rate", "top_negative", "top_positive"}); err != nil {
		return err
	}
	for _, s := range scores {
		record := []string{
			strconv.Itoa(s.Row),
			strconv.FormatFloat(s.ChurnRate, 'f', 2, 64),
			s.TopNegative,
			s.TopPositive,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
