package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"requiem/internal/engine"
)

func setupEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("REQUIEM_CAS_ROOT", filepath.Join(dir, "cas"))
	t.Setenv("REQUIEM_HISTORY_DB", filepath.Join(dir, "history.db"))
}

func writeRequestFile(t *testing.T, req engine.ExecutionRequest) string {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	path := filepath.Join(t.TempDir(), "request.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write request: %v", err)
	}
	return path
}

func echoRequest(t *testing.T) engine.ExecutionRequest {
	t.Helper()
	return engine.ExecutionRequest{
		RequestID:     "req-cli-1",
		Command:       "/bin/sh",
		Argv:          []string{"-c", "echo hi"},
		Cwd:           ".",
		WorkspaceRoot: t.TempDir(),
		TimeoutMs:     5000,
		Policy: engine.ExecPolicy{
			Deterministic: true,
			TimeMode:      engine.TimeModeFixedZero,
			SchedulerMode: "default",
		},
		LLM: engine.LLMConfig{Mode: engine.LLMModeNone},
	}
}

func TestRunCommandExecutesAndRecordsHistory(t *testing.T) {
	setupEnv(t)
	reqPath := writeRequestFile(t, echoRequest(t))

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"run", "--request", reqPath}, &out, &errOut)
	if code != 0 {
		t.Fatalf("run: code=%d stderr=%s", code, errOut.String())
	}

	var result engine.ExecutionResult
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("output is not a valid ExecutionResult: %v", err)
	}
	if !result.Ok {
		t.Fatalf("expected Ok, got %+v", result)
	}

	out.Reset()
	errOut.Reset()
	code = run(context.Background(), []string{"history", "show", "--request-digest", result.RequestDigest}, &out, &errOut)
	if code != 0 {
		t.Fatalf("history show: code=%d stderr=%s", code, errOut.String())
	}
	if !bytes.Contains(out.Bytes(), []byte(result.ResultDigest)) {
		t.Fatalf("history show output missing result digest: %s", out.String())
	}
}

func TestVersionCommand(t *testing.T) {
	setupEnv(t)
	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"version"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("version: code=%d stderr=%s", code, errOut.String())
	}
	if !bytes.Contains(out.Bytes(), []byte("requiemctl")) {
		t.Fatalf("unexpected version output: %s", out.String())
	}
}

func TestNoArgsPrintsUsageAndFails(t *testing.T) {
	setupEnv(t)
	var out, errOut bytes.Buffer
	code := run(context.Background(), nil, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected exit code 1 with no args, got %d", code)
	}
	if !bytes.Contains(out.Bytes(), []byte("usage:")) {
		t.Fatalf("expected usage text, got %s", out.String())
	}
}

func TestStatsCommandReportsHistoryAfterRun(t *testing.T) {
	setupEnv(t)
	reqPath := writeRequestFile(t, echoRequest(t))

	var out, errOut bytes.Buffer
	if code := run(context.Background(), []string{"run", "--request", reqPath}, &out, &errOut); code != 0 {
		t.Fatalf("run: code=%d stderr=%s", code, errOut.String())
	}

	out.Reset()
	errOut.Reset()
	code := run(context.Background(), []string{"stats"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("stats: code=%d stderr=%s", code, errOut.String())
	}
	var report map[string]any
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("stats output is not valid JSON: %v", err)
	}
	history, ok := report["history"].(map[string]any)
	if !ok {
		t.Fatalf("expected a history section in stats output, got %+v", report)
	}
	if history["Total"].(float64) < 1 {
		t.Fatalf("expected at least one recorded execution, got %+v", history)
	}
}

func TestDiffCommandDetectsNoDrift(t *testing.T) {
	setupEnv(t)
	reqPath := writeRequestFile(t, echoRequest(t))

	var runOut, errOut bytes.Buffer
	if code := run(context.Background(), []string{"run", "--request", reqPath}, &runOut, &errOut); code != 0 {
		t.Fatalf("run: code=%d stderr=%s", code, errOut.String())
	}
	resultPath := filepath.Join(t.TempDir(), "result.json")
	if err := os.WriteFile(resultPath, runOut.Bytes(), 0o644); err != nil {
		t.Fatalf("write result: %v", err)
	}

	var out bytes.Buffer
	errOut.Reset()
	code := run(context.Background(), []string{"diff", "--result-a", resultPath, "--result-b", resultPath}, &out, &errOut)
	if code != 0 {
		t.Fatalf("diff: code=%d stderr=%s", code, errOut.String())
	}
}
