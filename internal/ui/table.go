package ui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"stemfetch/internal/download"
	"stemfetch/internal/store"
)

const urlWidth = 48

func newTable(headers ...string) *table.Table {
	return table.New().
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Align(lipgloss.Center).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

// RenderJobs formats live job snapshots as a table. Progress shows "?" while
// the size is unknown, or a "~" estimate when the caller gave a size hint.
func RenderJobs(jobs []download.Snapshot) string {
	t := newTable("ID", "URL", "Status", "Progress", "Size", "Attempt")
	for _, j := range jobs {
		t.Row(
			ShortID(j.Token),
			TruncateWithEllipsis(j.URL, urlWidth),
			FStatus(string(j.Status)),
			jobProgress(j),
			FormatSize(j.DownloadedBytes, j.TotalBytes),
			strconv.Itoa(j.Attempt),
		)
	}
	return t.String()
}

// RenderHistory formats history records, newest first as given.
func RenderHistory(records []store.Record) string {
	t := newTable("ID", "URL", "Status", "Size", "Updated", "Error")
	for _, r := range records {
		errText := r.Error
		if r.Cleaned {
			errText += " (cleaned)"
		}
		t.Row(
			ShortID(r.Token),
			TruncateWithEllipsis(r.URL, urlWidth),
			FStatus(r.Status),
			FormatSize(r.DownloadedBytes, r.TotalBytes),
			r.UpdatedAt.Format(time.DateTime),
			TruncateWithEllipsis(errText, 32),
		)
	}
	return t.String()
}

// FormatProgress renders a 0-100 percentage, or "?" when unknown.
func FormatProgress(p *int) string {
	if p == nil {
		return "?"
	}
	return fmt.Sprintf("%d%%", *p)
}

// jobProgress falls back to the size hint while no length is announced.
// Estimates stay below 100% since the hint may be wrong.
func jobProgress(j download.Snapshot) string {
	if j.Progress != nil || j.SizeHint <= 0 || j.Status.IsTerminal() {
		return FormatProgress(j.Progress)
	}
	est := min(int(j.DownloadedBytes*100/j.SizeHint), 99)
	return fmt.Sprintf("~%d%%", max(est, 0))
}

// FormatSize renders "downloaded / total", or just the downloaded amount
// when the total is unknown.
func FormatSize(downloaded int64, total *int64) string {
	if total == nil {
		return humanize.IBytes(uint64(max(downloaded, 0)))
	}
	return humanize.IBytes(uint64(max(downloaded, 0))) + " / " + humanize.IBytes(uint64(max(*total, 0)))
}
