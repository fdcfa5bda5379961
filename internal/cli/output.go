package cli

import (
	"fmt"
	"io"
	"time"
)

// printTable writes a plain aligned table, column widths sized to the
// longest cell
func printTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		return
	}

	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = len(header)
	}

	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, header := range headers {
		fmt.Fprintf(w, "%-*s  ", widths[i], header)
	}
	fmt.Fprintln(w)

	for i := range headers {
		for j := 0; j < widths[i]; j++ {
			fmt.Fprint(w, "-")
		}
		fmt.Fprint(w, "  ")
	}
	fmt.Fprintln(w)

	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(w, "%-*s  ", widths[i], cell)
			}
		}
		fmt.Fprintln(w)
	}
}

func formatDuration(duration time.Duration) string {
	return fmt.Sprintf("%.2fs", duration.Seconds())
}

// shortRunID returns the 8-character prefix accepted everywhere a run id
// is taken
func shortRunID(runID string) string {
	if len(runID) <= 8 {
		return runID
	}
	return runID[:8]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
