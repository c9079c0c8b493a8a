package analyzer

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/bdougie/videobench/internal/models"
	"github.com/bdougie/videobench/internal/storage"
)

// PairResult is the report line for one (video, model) attempt.
type PairResult struct {
	Video    string
	Model    string
	Status   models.Status
	Error    string
	Duration time.Duration
	Recorded bool // False when the store dropped the outcome.
}

// VideoReport groups pair results for one video in model order.
type VideoReport struct {
	Video string
	Pairs []PairResult
}

// BatchReport is the end-of-run summary.
type BatchReport struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	Health      map[string]bool
	Unhealthy   []string
	Videos      []VideoReport
	Interrupted bool
	ResultsDir  string

	Succeeded  int
	Failed     int
	Unrecorded int

	Store storage.Summary
}

func (r *BatchReport) tally() {
	r.Succeeded, r.Failed, r.Unrecorded = 0, 0, 0
	for _, v := range r.Videos {
		for _, p := range v.Pairs {
			if p.Status == models.StatusSuccess {
				r.Succeeded++
			} else {
				r.Failed++
			}
			if !p.Recorded {
				r.Unrecorded++
			}
		}
	}
}

// Attempted returns the number of pairs attempted in this run.
func (r *BatchReport) Attempted() int {
	return r.Succeeded + r.Failed
}

// Pair finds the result for video and model.
func (r *BatchReport) Pair(video, model string) (PairResult, bool) {
	for _, v := range r.Videos {
		if v.Video != video {
			continue
		}
		for _, p := range v.Pairs {
			if p.Model == model {
				return p, true
			}
		}
	}
	return PairResult{}, false
}

// Render writes the human-readable report.
func (r *BatchReport) Render(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "INFERENCE SUMMARY (run %s)\n", r.RunID)
	if len(r.Unhealthy) > 0 {
		fmt.Fprintf(tw, "Unhealthy at start:\t%s\n", strings.Join(r.Unhealthy, ", "))
	}
	for _, v := range r.Videos {
		fmt.Fprintf(tw, "\nVideo: %s\n", v.Video)
		for _, p := range v.Pairs {
			line := fmt.Sprintf("  %s\t%s\t%.1fs", p.Model, strings.ToUpper(string(p.Status)), p.Duration.Seconds())
			if p.Error != "" {
				line += "\t" + Truncate(p.Error, 120)
			}
			if !p.Recorded {
				line += "\t(not saved)"
			}
			fmt.Fprintln(tw, line)
		}
	}

	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "Pairs attempted:\t%d\n", r.Attempted())
	fmt.Fprintf(tw, "Succeeded:\t%d\n", r.Succeeded)
	fmt.Fprintf(tw, "Failed:\t%d\n", r.Failed)
	if r.Unrecorded > 0 {
		fmt.Fprintf(tw, "Not saved:\t%d\n", r.Unrecorded)
	}
	if r.Interrupted {
		fmt.Fprintln(tw, "Run interrupted before all pairs were attempted")
	}
	fmt.Fprintf(tw, "Total CSV files:\t%d\n", r.Store.TotalFiles)
	fmt.Fprintf(tw, "Total results:\t%d\n", r.Store.TotalRecords)
	if r.ResultsDir != "" {
		fmt.Fprintf(tw, "Output directory:\t%s\n", r.ResultsDir)
	}
	fmt.Fprintf(tw, "Elapsed:\t%s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	return tw.Flush()
}

// Log emits the report as structured records.
func (r *BatchReport) Log(logger *slog.Logger) {
	for _, v := range r.Videos {
		for _, p := range v.Pairs {
			logger.Info("pair result", "video", v.Video, "model", p.Model, "status", p.Status, "recorded", p.Recorded)
		}
	}
	for _, name := range sortedKeys(r.Store.Files) {
		logger.Debug("results file", "file", name, "rows", r.Store.Files[name])
	}
	logger.Info("pipeline completed",
		"run_id", r.RunID,
		"attempted", r.Attempted(),
		"succeeded", r.Succeeded,
		"failed", r.Failed,
		"csv_files", r.Store.TotalFiles,
		"total_results", r.Store.TotalRecords,
		"interrupted", r.Interrupted,
	)
}

// Truncate flattens newlines and shortens s to at most n runes, marking the
// cut with "...".
func Truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
