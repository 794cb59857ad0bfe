// Package report writes the end-of-run summary files.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"streamq/internal/stats"
)

// Summary is what a finished run exports.
type Summary struct {
	Job      string          `json:"job"`
	Kind     string          `json:"kind"`
	Name     string          `json:"name"`
	Host     string          `json:"host"`
	Started  time.Time       `json:"started"`
	Elapsed  time.Duration   `json:"elapsed_ns"`
	Requests uint64          `json:"requests"`
	Fail     uint64          `json:"fail"`
	Entries  []stats.Summary `json:"entries"`
}

// Export writes <prefix>_summary.json and <prefix>.csv.
func Export(prefix string, s Summary) error {
	if err := ExportJSON(s, prefix+"_summary.json"); err != nil {
		return err
	}
	return ExportCSV(s.Entries, prefix+".csv")
}

// ExportJSON writes the summary as indented JSON.
func ExportJSON(s Summary, filename string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// ExportCSV writes one row per event name, in the column layout of Locust's
// stats csv so existing dashboards can read it.
func ExportCSV(entries []stats.Summary, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"Name", "Request Count", "Failure Count",
		"Average Response Time", "50%", "90%", "95%", "99%", "Max Response Time",
		"Failure Rate",
	}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, e := range entries {
		rate := 0.0
		if e.Requests > 0 {
			rate = float64(e.Fail) / float64(e.Requests)
		}
		record := []string{
			e.Name,
			strconv.FormatUint(e.Requests, 10),
			strconv.FormatUint(e.Fail, 10),
			ms(e.MeanMs), ms(e.P50Ms), ms(e.P90Ms), ms(e.P95Ms), ms(e.P99Ms), ms(e.MaxMs),
			fmt.Sprintf("%.4f", rate),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

func ms(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
