package main

import (
	"context"
	"flag"
	"io"

	"requiem/internal/config"
	"requiem/internal/history"
	"requiem/internal/telemetry"
)

// cmdStats reports the process-wide engine statistics ring buffer
// (empty for a fresh CLI invocation that hasn't run anything yet) next
// to the persisted totals in the local history index, which is what
// actually accumulates across separate requiemctl invocations.
func cmdStats(ctx context.Context, cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(errOut)
	recent := fs.Int("recent", 10, "number of recent in-process execution summaries to include")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	stats := telemetry.DefaultEngineStats()
	total, failed, drifted, replayed := stats.Totals()
	allRecent := stats.Recent()
	if len(allRecent) > *recent {
		allRecent = allRecent[len(allRecent)-*recent:]
	}

	report := map[string]any{
		"process": map[string]any{
			"total":    total,
			"failed":   failed,
			"drifted":  drifted,
			"replayed": replayed,
			"recent":   allRecent,
		},
	}

	if h, err := history.Open(cfg.HistoryDBPath); err == nil {
		defer h.Close()
		if totals, err := h.Totals(ctx); err == nil {
			report["history"] = totals
		}
	}

	return writeJSON(out, report)
}
