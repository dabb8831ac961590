package engine

import (
	"context"
	"io"
	"os"
	"strconv"
	"time"

	"requiem/internal/cas"
	"requiem/internal/hashauthority"
	"requiem/internal/rerrors"
	"requiem/internal/sandbox"
	"requiem/internal/telemetry"
)

const maxCanonicalRequestBytes = 1 << 20 // 1 MiB cap on canonical request size
const maxOutputs = 256                   // cap on declared output paths per request

// Metric names recorded against Engine.Metrics for every execution.
const (
	metricExecutionsTotal   = "requiem.executions.total"
	metricExecutionsOk      = "requiem.executions.ok"
	metricExecutionsFailed  = "requiem.executions.failed"
	metricExecutionDuration = "requiem.executions.duration_ns"
	metricSandboxDuration   = "requiem.sandbox.duration_ns"
	metricSandboxDisabled   = "requiem.sandbox.disabled_total"
)

func metricErrorCode(code string) string {
	return "requiem.executions.error." + code
}

// Engine is the stateless-per-execution orchestrator. It reads only
// its Execute argument plus the process-wide singletons it was built
// with (CAS, stats, event sink); concurrent Execute calls on distinct
// goroutines never interact.
type Engine struct {
	CAS       *cas.Store
	Stats     *telemetry.EngineStats
	Logger    *telemetry.Logger
	Metrics   *telemetry.Metrics
	Tracer    *telemetry.Tracer
	EventSink io.Writer

	// SandboxDisabled is the SANDBOX-4 master switch: when true,
	// Execute asks the sandbox to skip rlimit/capability enforcement
	// entirely and records that fact on the result instead of
	// enforcing it. Callers set this from configuration after New.
	SandboxDisabled bool
}

// New builds an Engine. store may be nil (output files are hashed but
// not persisted). Stats, Logger and Metrics are set to the package-wide
// telemetry singletons; Tracer is a fresh tracer owned by this Engine.
func New(store *cas.Store) *Engine {
	return &Engine{
		CAS:     store,
		Stats:   telemetry.DefaultEngineStats(),
		Logger:  telemetry.Default().WithComponent("engine"),
		Metrics: telemetry.DefaultMetrics(),
		Tracer:  telemetry.NewTracer(),
	}
}

// Execute runs req to completion (success or structured failure) and
// returns a result that never itself errors out of the public
// boundary: every failure mode sets Ok=false and a specific ErrorCode.
// The error return is reserved for truly exceptional conditions (none
// are currently expected in normal operation).
func (e *Engine) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	start := time.Now()
	result := ExecutionResult{AppliedPolicySummary: req.Policy}

	rootSpan, finishRoot := e.startSpan("execute", nil)
	defer finishRoot()

	_, finishHash := e.startSpan("hash_request", rootSpan)
	hashStart := time.Now()
	requestDigest, canonReq, err := HashRequest(req)
	finishHash()
	if err != nil {
		return e.finish(req, e.fail(result, rerrors.CodeHashUnavailable, "hash_unavailable"), start)
	}
	result.RequestDigest = requestDigest
	result.Metrics.HashNs = time.Since(hashStart).Nanoseconds()
	e.tagSpan(rootSpan, "request_digest", requestDigest)

	if len(canonReq) > maxCanonicalRequestBytes {
		return e.finish(req, e.fail(result, rerrors.CodeQuotaExceeded, "quota_exceeded"), start)
	}
	if req.Command == "" {
		return e.finish(req, e.fail(result, rerrors.CodeMissingInput, "missing_input"), start)
	}
	if len(req.Outputs) > maxOutputs {
		return e.finish(req, e.fail(result, rerrors.CodeQuotaExceeded, "quota_exceeded"), start)
	}

	resolvedCwd, within, err := resolveConfined(req.WorkspaceRoot, req.Cwd)
	if err != nil {
		return e.finish(req, e.fail(result, rerrors.CodeMissingInput, "missing_input"), start)
	}
	if !within && !req.Policy.AllowOutsideWorkspace {
		return e.finish(req, e.fail(result, rerrors.CodePathEscape, "path_escape"), start)
	}

	envReport, filteredEnv := assembleEnv(req.Env, req.Policy)
	result.EnvAssembly = envReport

	tNs := func() int64 {
		if req.Policy.Deterministic && req.Policy.TimeMode == TimeModeFixedZero {
			return 0
		}
		return time.Now().UnixNano()
	}

	events := []TraceEvent{{
		Seq:  1,
		Type: "process_start",
		TNs:  tNs(),
		Data: map[string]interface{}{"command": req.Command, "cwd": resolvedCwd},
	}}

	spec := sandbox.ProcessSpec{
		Command:            req.Command,
		Argv:               req.Argv,
		Env:                filteredEnv,
		Cwd:                resolvedCwd,
		TimeoutMs:          req.TimeoutMs,
		MaxOutputBytes:     req.MaxOutputBytes,
		Deterministic:      req.Policy.Deterministic,
		MaxMemoryBytes:     req.Policy.MaxMemoryBytes,
		MaxFileDescriptors: req.Policy.MaxFileDescriptors,
		Disabled:           e.SandboxDisabled,
	}

	sandboxSpan, finishSandbox := e.startSpan("sandbox_run", rootSpan)
	sandboxStart := time.Now()
	procResult, sandboxErr := sandbox.Run(ctx, spec)
	result.Metrics.SandboxNs = time.Since(sandboxStart).Nanoseconds()
	if sandboxErr != nil {
		e.finishSpanWithError(sandboxSpan, sandboxErr)
	} else {
		finishSandbox()
	}

	if sandboxErr != nil {
		result.ErrorCode = "spawn_failed"
		result.TerminationReason = "spawn_failed"
	} else {
		result.ExitCode = procResult.ExitCode
		result.StdoutText = procResult.StdoutText
		result.StderrText = procResult.StderrText
		result.StdoutTruncated = procResult.StdoutTruncated
		result.StderrTruncated = procResult.StderrTruncated
		result.SandboxCaps = SandboxCapabilityReport{
			Applied:  procResult.EnforcedCapabilities,
			Failed:   procResult.FailedCapabilities,
			Disabled: procResult.SandboxDisabled,
		}
		switch {
		case procResult.TimedOut:
			result.TerminationReason = "timeout"
			result.ErrorCode = "timeout"
		case procResult.ErrorMessage == "spawn_failed":
			result.TerminationReason = "spawn_failed"
			result.ErrorCode = "spawn_failed"
		default:
			result.TerminationReason = "exited"
		}
	}

	events = append(events, TraceEvent{
		Seq:  2,
		Type: "process_end",
		TNs:  tNs(),
		Data: map[string]interface{}{"exit_code": result.ExitCode},
	})

	outputsSpan, finishOutputs := e.startSpan("hash_outputs", rootSpan)
	outputDigests, hashErr := e.hashOutputs(req)
	if hashErr != nil {
		result.ErrorCode = "hash_unavailable"
		e.finishSpanWithError(outputsSpan, hashErr)
	} else {
		finishOutputs()
	}
	result.OutputDigests = outputDigests
	result.TraceEvents = events

	stdoutDigest, err := hashauthority.HashPlain([]byte(result.StdoutText))
	if err != nil {
		return e.finish(req, e.fail(result, rerrors.CodeHashUnavailable, "hash_unavailable"), start)
	}
	stderrDigest, err := hashauthority.HashPlain([]byte(result.StderrText))
	if err != nil {
		return e.finish(req, e.fail(result, rerrors.CodeHashUnavailable, "hash_unavailable"), start)
	}
	traceDigest, err := hashTrace(events)
	if err != nil {
		return e.finish(req, e.fail(result, rerrors.CodeHashUnavailable, "hash_unavailable"), start)
	}
	result.StdoutDigest = stdoutDigest
	result.StderrDigest = stderrDigest
	result.TraceDigest = traceDigest

	result.Ok = result.ExitCode == 0 && result.ErrorCode == ""

	resultDigest, _, err := HashResult(result)
	if err != nil {
		return e.finish(req, e.fail(result, rerrors.CodeHashUnavailable, "hash_unavailable"), start)
	}
	result.ResultDigest = resultDigest
	e.tagSpan(rootSpan, "result_digest", resultDigest)
	e.tagSpan(rootSpan, "exit_code", strconv.Itoa(result.ExitCode))

	return e.finish(req, result, start)
}

// hashOutputs re-confines each requested output path, skips
// missing/non-regular files, hashes the rest under the cas: domain (the
// same domain used as the CAS key), and persists them to CAS so
// replay.ValidateWithCAS has something to check against.
func (e *Engine) hashOutputs(req ExecutionRequest) (map[string]string, error) {
	digests := make(map[string]string, len(req.Outputs))
	for _, out := range req.Outputs {
		resolved, within, err := resolveConfined(req.WorkspaceRoot, out)
		if err != nil || !within {
			continue
		}
		info, statErr := os.Stat(resolved)
		if statErr != nil || !info.Mode().IsRegular() {
			continue
		}
		digest, err := hashauthority.HashFile(resolved)
		if err != nil {
			return digests, err
		}
		digests[out] = digest
		if e.CAS != nil {
			if data, rerr := os.ReadFile(resolved); rerr == nil {
				_, _ = e.CAS.Put(data, cas.EncodingIdentity)
			}
		}
	}
	return digests, nil
}

// fail short-circuits the pipeline with a structured failure (before
// the sandbox phase, this means no sandbox ever runs), but a full (if
// minimal) canonical result is still computed so ResultDigest stays
// meaningful.
func (e *Engine) fail(result ExecutionResult, code rerrors.Code, errorCode string) ExecutionResult {
	result.ErrorCode = errorCode
	result.TerminationReason = errorCode
	result.Ok = false
	if digest, _, err := HashResult(result); err == nil {
		result.ResultDigest = digest
	}
	return result
}

// finish records metrics, updates stats, and emits the event/log
// frames before returning. Emission never fails the execution.
func (e *Engine) finish(req ExecutionRequest, result ExecutionResult, start time.Time) (ExecutionResult, error) {
	result.Metrics.TotalDurationNs = time.Since(start).Nanoseconds()
	e.emit(req, result)
	return result, nil
}

// startSpan opens a span under parent (itself possibly nil) when the
// Engine carries a Tracer, and returns a finish func that is always
// safe to call (including when tracing is disabled). parentSpan, if
// non-nil, supplies the parent ID so sandbox_run/hash_outputs nest
// under the execute span in a later GetTrace call.
func (e *Engine) startSpan(name string, parentSpan *telemetry.Span) (*telemetry.Span, func()) {
	if e.Tracer == nil {
		return nil, func() {}
	}
	var parentID telemetry.SpanID
	if parentSpan != nil {
		parentID = parentSpan.ID
	}
	span := e.Tracer.StartSpanWithParent(name, parentID)
	return span, span.Finish
}

func (e *Engine) finishSpanWithError(span *telemetry.Span, err error) {
	if span == nil {
		return
	}
	span.FinishWithError(err)
}

func (e *Engine) tagSpan(span *telemetry.Span, key, value string) {
	if span == nil {
		return
	}
	span.SetTag(key, value)
}

func (e *Engine) emit(req ExecutionRequest, result ExecutionResult) {
	defer func() { _ = recover() }() // emission must never fail the execution

	if e.Stats != nil {
		e.Stats.RecordExecution(telemetry.ExecutionSummary{
			RequestID:     SanitizeRequestID(req.RequestID),
			RequestHash:   result.RequestDigest,
			ResultHash:    result.ResultDigest,
			ExitCode:      result.ExitCode,
			Duration:      time.Duration(result.Metrics.TotalDurationNs),
			Deterministic: req.Policy.Deterministic,
			ErrorCode:     result.ErrorCode,
			FinishedAt:    time.Now().UTC(),
		})
	}
	if e.Logger != nil {
		e.Logger.WithRequestDigest(result.RequestDigest).
			WithResultDigest(result.ResultDigest).
			Info("execution finished")
	}
	if e.Metrics != nil {
		e.Metrics.Counter(metricExecutionsTotal)
		e.Metrics.Timer(metricExecutionDuration, time.Duration(result.Metrics.TotalDurationNs))
		e.Metrics.Timer(metricSandboxDuration, time.Duration(result.Metrics.SandboxNs))
		if result.Ok {
			e.Metrics.Counter(metricExecutionsOk)
		} else {
			e.Metrics.Counter(metricExecutionsFailed)
			if result.ErrorCode != "" {
				e.Metrics.Counter(metricErrorCode(result.ErrorCode))
			}
		}
		if result.SandboxCaps.Disabled {
			e.Metrics.Counter(metricSandboxDisabled)
		}
	}
	writeFrames(e.EventSink, req, result)
}
