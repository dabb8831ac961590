package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"requiem/internal/cas"
	"requiem/internal/telemetry"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := cas.New(t.TempDir())
	if err != nil {
		t.Fatalf("cas.New: %v", err)
	}
	return New(store)
}

func baseRequest(t *testing.T) ExecutionRequest {
	t.Helper()
	root := t.TempDir()
	return ExecutionRequest{
		RequestID:     "req-1",
		Command:       "/bin/sh",
		Argv:          []string{"-c", "echo hi"},
		Cwd:           ".",
		WorkspaceRoot: root,
		TimeoutMs:     5000,
		Policy: ExecPolicy{
			Deterministic: true,
			TimeMode:      TimeModeFixedZero,
			SchedulerMode: "default",
		},
		LLM: LLMConfig{Mode: LLMModeNone},
	}
}

func TestExecuteDeterministicEcho(t *testing.T) {
	e := newTestEngine(t)
	req := baseRequest(t)

	res1, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res2, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !res1.Ok || !res2.Ok {
		t.Fatalf("expected Ok, got %+v / %+v", res1, res2)
	}
	if res1.RequestDigest != res2.RequestDigest {
		t.Fatalf("request digests diverged: %s vs %s", res1.RequestDigest, res2.RequestDigest)
	}
	if res1.ResultDigest != res2.ResultDigest {
		t.Fatalf("result digests diverged: %s vs %s", res1.ResultDigest, res2.ResultDigest)
	}
	if res1.StdoutText != "hi\n" {
		t.Fatalf("StdoutText = %q, want %q", res1.StdoutText, "hi\n")
	}
}

func TestExecutePathEscapeRejected(t *testing.T) {
	e := newTestEngine(t)
	req := baseRequest(t)
	req.Cwd = "../../etc"

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Ok {
		t.Fatal("expected Ok = false for path escape")
	}
	if res.ErrorCode != "path_escape" {
		t.Fatalf("ErrorCode = %q, want path_escape", res.ErrorCode)
	}
}

func TestExecuteMissingInputRejected(t *testing.T) {
	e := newTestEngine(t)
	req := baseRequest(t)
	req.Command = ""

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Ok || res.ErrorCode != "missing_input" {
		t.Fatalf("got Ok=%v ErrorCode=%q, want missing_input", res.Ok, res.ErrorCode)
	}
}

func TestExecuteOutputQuotaExceeded(t *testing.T) {
	e := newTestEngine(t)
	req := baseRequest(t)
	outputs := make([]string, 257)
	for i := range outputs {
		outputs[i] = filepath.Join("out", string(rune('a'+i%26)))
	}
	req.Outputs = outputs

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Ok || res.ErrorCode != "quota_exceeded" {
		t.Fatalf("got Ok=%v ErrorCode=%q, want quota_exceeded", res.Ok, res.ErrorCode)
	}
}

func TestExecuteSecretEnvScrubbed(t *testing.T) {
	e := newTestEngine(t)
	req := baseRequest(t)
	req.Env = map[string]string{
		"API_TOKEN": "super-secret",
		"HOME":      "/home/requiem",
	}

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	found := false
	for _, k := range res.EnvAssembly.DeniedKeys {
		if k == "API_TOKEN" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected API_TOKEN to be denied, got %+v", res.EnvAssembly)
	}
	for _, k := range res.EnvAssembly.AllowedKeys {
		if k == "API_TOKEN" {
			t.Fatal("API_TOKEN leaked into AllowedKeys")
		}
	}
}

func TestExecuteSecretScrubScenario(t *testing.T) {
	e := newTestEngine(t)
	req := baseRequest(t)
	req.Argv = []string{"-c", "echo $REACH_ENCRYPTION_KEY;env"}
	req.Env = map[string]string{
		"REACH_ENCRYPTION_KEY": "S3CRET",
		"MY_API_TOKEN":         "T",
		"SAFE_VAR":             "ok",
	}

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.Contains(res.StdoutText, "S3CRET") {
		t.Fatalf("secret value leaked into stdout: %q", res.StdoutText)
	}

	denied := map[string]bool{}
	for _, k := range res.EnvAssembly.DeniedKeys {
		denied[k] = true
	}
	if !denied["REACH_ENCRYPTION_KEY"] {
		t.Fatalf("expected REACH_ENCRYPTION_KEY in denied_keys, got %+v", res.EnvAssembly.DeniedKeys)
	}
	if !denied["MY_API_TOKEN"] {
		t.Fatalf("expected MY_API_TOKEN in denied_keys, got %+v", res.EnvAssembly.DeniedKeys)
	}

	allowed := map[string]bool{}
	for _, k := range res.EnvAssembly.AllowedKeys {
		allowed[k] = true
	}
	if !allowed["SAFE_VAR"] {
		t.Fatalf("expected SAFE_VAR in allowed_keys, got %+v", res.EnvAssembly.AllowedKeys)
	}
	if allowed["REACH_ENCRYPTION_KEY"] || allowed["MY_API_TOKEN"] {
		t.Fatalf("secret keys leaked into allowed_keys: %+v", res.EnvAssembly.AllowedKeys)
	}
}

func TestExecuteSandboxDisabledRecordsSkip(t *testing.T) {
	e := newTestEngine(t)
	e.SandboxDisabled = true
	req := baseRequest(t)

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Ok {
		t.Fatalf("expected Ok, got %+v", res)
	}
	if !res.SandboxCaps.Disabled {
		t.Fatalf("expected SandboxCaps.Disabled = true, got %+v", res.SandboxCaps)
	}
	if len(res.SandboxCaps.Failed) != 0 {
		t.Fatalf("expected no failed capabilities when disabled, got %+v", res.SandboxCaps.Failed)
	}
}

func TestExecuteWritesEventFrames(t *testing.T) {
	e := newTestEngine(t)
	var buf bytes.Buffer
	e.EventSink = &buf
	req := baseRequest(t)

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	scanner := bufio.NewScanner(&buf)
	var frames []map[string]interface{}
	for scanner.Scan() {
		var frame map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			t.Fatalf("unmarshal frame: %v (line %q)", err, scanner.Text())
		}
		frames = append(frames, frame)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames (start, end, result), got %d: %+v", len(frames), frames)
	}
	if frames[0]["type"] != "start" {
		t.Fatalf("frames[0][type] = %v, want start", frames[0]["type"])
	}
	if frames[0]["request_digest"] != res.RequestDigest {
		t.Fatalf("frames[0][request_digest] = %v, want %s", frames[0]["request_digest"], res.RequestDigest)
	}
	if frames[1]["type"] != "end" {
		t.Fatalf("frames[1][type] = %v, want end", frames[1]["type"])
	}
	last := frames[2]
	if last["type"] != "result" {
		t.Fatalf("frames[2][type] = %v, want result", last["type"])
	}
	if last["result_digest"] != res.ResultDigest {
		t.Fatalf("frames[2][result_digest] = %v, want %s", last["result_digest"], res.ResultDigest)
	}
}

func TestExecuteRecordsTraceSpans(t *testing.T) {
	e := newTestEngine(t)
	req := baseRequest(t)

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	spans := e.Tracer.Snapshot()
	names := map[string]bool{}
	for _, s := range spans {
		names[s.Name] = true
	}
	for _, want := range []string{"execute", "hash_request", "sandbox_run", "hash_outputs"} {
		if !names[want] {
			t.Fatalf("expected a finished span named %q, got %+v", want, names)
		}
	}

	var execSpan *telemetry.Span
	for _, s := range spans {
		if s.Name == "execute" {
			execSpan = s
		}
	}
	if execSpan == nil {
		t.Fatal("execute span missing")
	}
	execSpan.SetTag("unused", "") // SetTag must not panic post-finish
	if execSpan.Tags["result_digest"] != res.ResultDigest {
		t.Fatalf("execute span result_digest tag = %q, want %q", execSpan.Tags["result_digest"], res.ResultDigest)
	}
}

func TestExecuteTimeout(t *testing.T) {
	e := newTestEngine(t)
	req := baseRequest(t)
	req.Argv = []string{"-c", "sleep 10"}
	req.TimeoutMs = 50

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Ok {
		t.Fatal("expected Ok = false on timeout")
	}
	if res.TerminationReason != "timeout" {
		t.Fatalf("TerminationReason = %q, want timeout", res.TerminationReason)
	}
	if res.ExitCode != 124 {
		t.Fatalf("ExitCode = %d, want 124", res.ExitCode)
	}
}

func TestExecuteOutputsHashedAndStored(t *testing.T) {
	e := newTestEngine(t)
	req := baseRequest(t)
	req.Argv = []string{"-c", "echo payload > out.txt"}
	req.Outputs = []string{"out.txt"}

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Ok {
		t.Fatalf("expected Ok, got %+v", res)
	}
	digest, ok := res.OutputDigests["out.txt"]
	if !ok || len(digest) != 64 {
		t.Fatalf("expected a 64-char digest for out.txt, got %+v", res.OutputDigests)
	}
	if !e.CAS.Contains(digest) {
		t.Fatal("expected output to be persisted into CAS")
	}
}

func TestExecuteRequestQuotaExceeded(t *testing.T) {
	e := newTestEngine(t)
	req := baseRequest(t)
	big := make(map[string]string, 1)
	big["blob"] = strings.Repeat("x", 2<<20)
	req.Inputs = big

	res, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Ok || res.ErrorCode != "quota_exceeded" {
		t.Fatalf("got Ok=%v ErrorCode=%q, want quota_exceeded", res.Ok, res.ErrorCode)
	}
}
