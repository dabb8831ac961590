package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"requiem/internal/config"
	"requiem/internal/history"
)

func cmdHistory(ctx context.Context, cfg *config.Config, args []string, out, errOut io.Writer) int {
	if len(args) < 1 {
		usageHistory(errOut)
		return 1
	}
	switch args[0] {
	case "list":
		return cmdHistoryList(ctx, cfg, args[1:], out, errOut)
	case "show":
		return cmdHistoryShow(ctx, cfg, args[1:], out, errOut)
	default:
		usageHistory(errOut)
		return 1
	}
}

func usageHistory(out io.Writer) {
	fmt.Fprintln(out, "usage: requiemctl history <list|show> ...")
}

func cmdHistoryList(ctx context.Context, cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("history list", flag.ContinueOnError)
	fs.SetOutput(errOut)
	tenant := fs.String("tenant", "default", "tenant ID")
	limit := fs.Int("limit", 20, "maximum records to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	h, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: open history at %s: %v\n", cfg.HistoryDBPath, err)
		return 1
	}
	defer h.Close()

	records, err := h.ListByTenant(ctx, *tenant, *limit)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: list: %v\n", err)
		return 1
	}
	return writeJSON(out, records)
}

func cmdHistoryShow(ctx context.Context, cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("history show", flag.ContinueOnError)
	fs.SetOutput(errOut)
	requestDigest := fs.String("request-digest", "", "request digest to look up")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *requestDigest == "" {
		fmt.Fprintln(errOut, "usage: requiemctl history show --request-digest <digest>")
		return 1
	}
	h, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: open history at %s: %v\n", cfg.HistoryDBPath, err)
		return 1
	}
	defer h.Close()

	record, err := h.ByRequestDigest(ctx, *requestDigest)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: no history for %s: %v\n", *requestDigest, err)
		return 1
	}
	audits, err := h.AuditsForRequest(ctx, *requestDigest)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: audits: %v\n", err)
		return 1
	}
	return writeJSON(out, map[string]any{"execution": record, "audits": audits})
}
