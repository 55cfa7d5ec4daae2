package transcript

import (
	"fmt"
	"io"
	"strings"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// RenderResult writes a final result: the processed task list, the coaching
// text and, when present, the backend's logs under "Technical Details".
// A degraded result renders its notice only.
func RenderResult(w io.Writer, result models.FinalResult) error {
	var b strings.Builder
	writeResult(&b, result, DefaultWidth)
	_, err := io.WriteString(w, b.String())
	return err
}

// FormatResult returns RenderResult's output as a string.
func FormatResult(result models.FinalResult) string {
	var b strings.Builder
	writeResult(&b, result, -1)
	return strings.TrimRight(b.String(), "\n")
}

func writeResult(b *strings.Builder, result models.FinalResult, width int) {
	if result.Degraded {
		fmt.Fprintf(b, "%s\n", result.Notice)
		return
	}

	fmt.Fprintf(b, "Processed Tasks (%d)\n", len(result.Tasks))
	for i, task := range result.Tasks {
		status := string(task.Status)
		if status == "" {
			status = "Unknown"
		}
		fmt.Fprintf(b, "  %d. %s [%s]\n", i+1, task.Description, status)
		if task.Category != "" {
			fmt.Fprintf(b, "     Category: %s\n", task.Category)
		}
		if task.Employee != "" {
			fmt.Fprintf(b, "     Assigned to: %s\n", task.Employee)
		}
		if task.Date != "" {
			fmt.Fprintf(b, "     Date: %s\n", task.Date)
		}
	}
	if len(result.Tasks) > 0 {
		fmt.Fprintf(b, "%d tasks synced.\n", len(result.Tasks))
	}

	if strings.TrimSpace(result.Coaching) != "" {
		b.WriteString("\nCoaching Insights\n")
		for _, line := range wrap(result.Coaching, width) {
			fmt.Fprintf(b, "%s\n", line)
		}
	}

	if len(result.Logs) > 0 {
		b.WriteString("\nTechnical Details\n")
		for _, line := range result.Logs {
			fmt.Fprintf(b, "  - %s\n", line)
		}
	}
}
