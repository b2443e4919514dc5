package ui

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/a-h/templ"

	"stemfetch/internal/download"
)

const htmxScript = "https://unpkg.com/htmx.org@2.0.4"

// Dashboard renders the full page: enqueue form, stats and a job table that
// polls /dashboard/rows.
func Dashboard(jobs []download.Snapshot, stats download.Stats) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>stemfetch Dashboard</title>
<script src="`+htmxScript+`"></script>
<style>
body{font-family:system-ui,sans-serif;margin:2rem}
table{border-collapse:collapse;width:100%}
th,td{padding:.3rem .6rem;border-bottom:1px solid #ddd;text-align:left}
.badge{padding:.1rem .4rem;border-radius:.3rem;font-size:.85em}
.completed{background:#d4f5d4}.failed{background:#f8d0d0}
.downloading,.started{background:#d6e6fb}.pending{background:#eee}
</style>
</head>
<body>
<h1>stemfetch Dashboard</h1>
<form method="post" action="/dashboard/enqueue">
<input name="url" type="url" placeholder="https://..." required>
<input name="filename" type="text" placeholder="filename (optional)">
<button type="submit">Download</button>
</form>
<div id="queue" hx-get="/dashboard/rows" hx-trigger="every 1s" hx-swap="innerHTML">
`); err != nil {
			return err
		}
		if err := QueueTable(jobs, stats).Render(ctx, w); err != nil {
			return err
		}
		_, err := io.WriteString(w, "</div>\n</body>\n</html>\n")
		return err
	})
}

// QueueTable renders the stats line and one row per job.
func QueueTable(jobs []download.Snapshot, stats download.Stats) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := statsLine(stats).Render(ctx, w); err != nil {
			return err
		}
		if len(jobs) == 0 {
			_, err := io.WriteString(w, "<p>No downloads yet.</p>\n")
			return err
		}
		if _, err := io.WriteString(w, "<table>\n<thead><tr><th>ID</th><th>URL</th><th>Status</th><th>Progress</th><th>Size</th><th>Attempt</th><th>Error</th></tr></thead>\n<tbody>\n"); err != nil {
			return err
		}
		for _, j := range jobs {
			if err := jobRow(j).Render(ctx, w); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "</tbody>\n</table>\n")
		return err
	})
}

func statsLine(s download.Stats) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, "<p class=\"stats\">pending %d · active %d · retrying %d · completed %d · failed %d</p>\n",
			s.Pending, s.Active, s.Retrying, s.Completed, s.Failed)
		return err
	})
}

func jobRow(j download.Snapshot) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		status := templ.EscapeString(string(j.Status))
		_, err := fmt.Fprintf(w,
			"<tr id=\"job-%s\"><td>%s</td><td title=\"%s\">%s</td><td><span class=\"badge %s\">%s</span></td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			templ.EscapeString(j.Token),
			templ.EscapeString(ShortID(j.Token)),
			templ.EscapeString(j.URL),
			templ.EscapeString(TruncateWithEllipsis(j.URL, urlWidth)),
			status, status,
			templ.EscapeString(jobProgress(j)),
			templ.EscapeString(FormatSize(j.DownloadedBytes, j.TotalBytes)),
			strconv.Itoa(j.Attempt),
			templ.EscapeString(j.Error),
		)
		return err
	})
}
