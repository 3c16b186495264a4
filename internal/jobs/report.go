package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ExportReport renders a durable plain-text summary of a job into dir and
// returns the file path. The report is built from the current state, live
// or persisted, and stays readable after the job record is deleted.
func (s *Service) ExportReport(ctx context.Context, id, dir string) (string, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Job Report: %s\n", job.Name)
	fmt.Fprintf(&b, "Job ID: %s\n", job.ID)
	fmt.Fprintf(&b, "Status: %s\n", job.Status)
	fmt.Fprintf(&b, "Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Started: %s\n", formatTime(job.StartedAt))
	fmt.Fprintf(&b, "Completed: %s\n", formatTime(job.CompletedAt))
	b.WriteString("\n=== Statistics ===\n")
	fmt.Fprintf(&b, "Total Targets: %d\n", job.TotalTargets)
	fmt.Fprintf(&b, "Sent: %d\n", job.SentCount)
	fmt.Fprintf(&b, "Success: %d\n", job.SuccessCount)
	fmt.Fprintf(&b, "Failed: %d\n", job.FailedCount)
	fmt.Fprintf(&b, "Skipped: %d\n", job.SkippedCount)

	if len(job.ErrorLog) > 0 {
		b.WriteString("\n=== Errors ===\n")
		for _, e := range job.ErrorLog {
			recipient := e.Recipient
			if recipient == "" {
				recipient = "(job)"
			}
			fmt.Fprintf(&b, "- %s: %s\n", recipient, e.Reason)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("report_%s_%s.txt", job.ID, time.Now().Format("20060102_150405")))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}

	slog.Info("report exported", "job", id, "path", path)
	return path, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	return t.Format(time.RFC3339)
}
