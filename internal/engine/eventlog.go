package engine

import (
	"encoding/json"
	"io"
)

// ProtocolFramingVersion is the NDJSON streaming protocol version.
// Changing the frame shape requires a bump.
const ProtocolFramingVersion = 1

// writeFrames emits the NDJSON frame sequence to w: start, zero or
// more trace events, end, result. process_start and process_end are not
// written as event frames, so an execution with no other trace events
// produces three lines. Emission is best-effort: a write
// failure is swallowed, fire-and-forget, and must never fail the
// execution itself.
func writeFrames(w io.Writer, req ExecutionRequest, result ExecutionResult) {
	if w == nil {
		return
	}
	sanitizedID := SanitizeRequestID(req.RequestID)

	writeLine(w, map[string]interface{}{
		"type":           "start",
		"request_id":     sanitizedID,
		"request_digest": result.RequestDigest,
	})
	for _, ev := range result.TraceEvents {
		if ev.Type == "process_start" || ev.Type == "process_end" {
			continue // folded into the dedicated start/end frames
		}
		writeLine(w, map[string]interface{}{
			"type": "event",
			"seq":  ev.Seq,
			"t_ns": ev.TNs,
			"event": ev.Type,
			"data": ev.Data,
		})
	}
	writeLine(w, map[string]interface{}{
		"type":               "end",
		"exit_code":          result.ExitCode,
		"termination_reason": result.TerminationReason,
	})
	writeLine(w, map[string]interface{}{
		"type":           "result",
		"ok":             result.Ok,
		"exit_code":      result.ExitCode,
		"error_code":     result.ErrorCode,
		"request_digest": result.RequestDigest,
		"result_digest":  result.ResultDigest,
		"stdout_digest":  result.StdoutDigest,
		"stderr_digest":  result.StderrDigest,
		"trace_digest":   result.TraceDigest,
	})
}

func writeLine(w io.Writer, v map[string]interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = w.Write(b)
}
