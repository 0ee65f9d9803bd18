package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"picshrink/internal/pipeline"
)

// RenderSummary renders the end-of-run report as a table, printed after the
// dashboard has been torn down.
func RenderSummary(report pipeline.RunReport) string {
	v := report.Stats
	saved := v.BytesIn - v.BytesOut

	rows := [][]string{
		{"Preset target", fmt.Sprintf("%s (quality %d)", report.Policy.Format, report.Policy.Quality)},
		{"Rounds", fmt.Sprintf("%d", report.Rounds)},
		{"Queued", fmt.Sprintf("%d", v.Queued)},
		{"Converted", fmt.Sprintf("%d", v.Converted)},
		{"Skipped", fmt.Sprintf("%d", v.Skipped)},
		{"Failed", fmt.Sprintf("%d", v.Failed)},
		{"Bytes in", humanize.Bytes(uint64(v.BytesIn))},
		{"Bytes out", humanize.Bytes(uint64(v.BytesOut))},
		{"Saved", formatSaved(saved)},
		{"Elapsed", v.Elapsed.Round(time.Second).String()},
	}
	if report.Policy.Lossless {
		rows[0][1] = fmt.Sprintf("%s (lossless)", report.Policy.Format)
	}
	if report.Cancelled {
		rows = append(rows, []string{"Cancelled", "yes"})
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Metric", "Value"})
	for _, row := range rows {
		tw.AppendRow(table.Row{row[0], row[1]})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})

	out := tw.Render()

	if len(report.RootErrors) > 0 || len(report.FailedItems) > 0 {
		var b strings.Builder
		b.WriteString(out)
		for _, re := range report.RootErrors {
			b.WriteString(fmt.Sprintf("\nroot %s: %v", re.Root, re.Err))
		}
		for _, fi := range report.FailedItems {
			b.WriteString(fmt.Sprintf("\nfailed %s: %v", fi.Display, fi.Err))
		}
		out = b.String()
	}
	return out
}

func formatSaved(saved int64) string {
	if saved < 0 {
		return "-" + humanize.Bytes(uint64(-saved))
	}
	return humanize.Bytes(uint64(saved))
}
