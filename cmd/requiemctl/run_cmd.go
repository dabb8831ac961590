package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"requiem/internal/cas"
	"requiem/internal/config"
	"requiem/internal/engine"
	"requiem/internal/history"
)

func cmdRun(ctx context.Context, cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(errOut)
	requestPath := fs.String("request", "", "path to an ExecutionRequest JSON file")
	tenantID := fs.String("tenant", "default", "tenant ID recorded in local history")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *requestPath == "" {
		fmt.Fprintln(errOut, "usage: requiemctl run --request <file.json> [--tenant id]")
		return 1
	}

	req, err := loadRequest(*requestPath)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: %v\n", err)
		return 1
	}
	req.TenantID = *tenantID
	if req.RequestID == "" {
		// A caller who omits request_id gets a fresh one generated here
		// rather than an empty string flowing into the canonical form.
		req.RequestID = uuid.NewString()
	}

	store, err := cas.New(cfg.CASRoot)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: open CAS at %s: %v\n", cfg.CASRoot, err)
		return 1
	}

	eng := engine.New(store)
	eng.SandboxDisabled = cfg.SandboxDisabled
	if cfg.EventLogPath != "" {
		sink, openErr := os.OpenFile(cfg.EventLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if openErr != nil {
			fmt.Fprintf(errOut, "requiemctl: open event log %s: %v\n", cfg.EventLogPath, openErr)
			return 1
		}
		defer sink.Close()
		eng.EventSink = sink
	}

	result, err := eng.Execute(ctx, req)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: execute: %v\n", err)
		return 1
	}

	if h, herr := history.Open(cfg.HistoryDBPath); herr == nil {
		defer h.Close()
		_ = h.RecordExecution(ctx, history.ExecutionRecord{
			RequestDigest: result.RequestDigest,
			ResultDigest:  result.ResultDigest,
			TenantID:      req.TenantID,
			RequestID:     engine.SanitizeRequestID(req.RequestID),
			ExitCode:      result.ExitCode,
			Ok:            result.Ok,
			ErrorCode:     result.ErrorCode,
			CreatedAt:     time.Now().UTC(),
		})
		for _, denied := range result.EnvAssembly.DeniedKeys {
			_ = h.RecordAudit(ctx, history.AuditRecord{
				RequestDigest: result.RequestDigest,
				Kind:          "env_denied",
				Detail:        denied,
				CreatedAt:     time.Now().UTC(),
			})
		}
	}

	return writeJSON(out, result)
}

func loadRequest(path string) (engine.ExecutionRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.ExecutionRequest{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var req engine.ExecutionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return engine.ExecutionRequest{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return req, nil
}

func loadResult(path string) (engine.ExecutionResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var result engine.ExecutionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return result, nil
}
