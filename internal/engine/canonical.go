package engine

import (
	"regexp"

	"requiem/internal/canon"
	"requiem/internal/hashauthority"
)

var requestIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeRequestID strips every byte outside [A-Za-z0-9_-] from a
// client-supplied request_id before it touches canonicalization. The
// sanitized form — not the raw client input — is what ExecutionResult
// echoes back, since that is what actually participates in
// request_digest.
func SanitizeRequestID(raw string) string {
	return requestIDSanitizer.ReplaceAllString(raw, "")
}

// canonicalRequestValue builds the value tree hashed under req:. Field
// set and order are fixed by the wire contract; canon.Canonicalize
// sorts keys itself, so construction order here does not matter for
// the digest, only for readability.
func canonicalRequestValue(req ExecutionRequest, sanitizedRequestID string) map[string]interface{} {
	argv := make([]interface{}, len(req.Argv))
	for i, a := range req.Argv {
		argv[i] = a
	}
	outputs := make([]interface{}, len(req.Outputs))
	for i, o := range req.Outputs {
		outputs[i] = o
	}
	inputs := make(map[string]interface{}, len(req.Inputs))
	for k, v := range req.Inputs {
		inputs[k] = v
	}
	return map[string]interface{}{
		"argv":                  argv,
		"command":               req.Command,
		"cwd":                   req.Cwd,
		"inputs":                inputs,
		"llm_include_in_digest": req.LLM.IncludeInDigest,
		"llm_mode":              req.LLM.Mode,
		"nonce":                 canon.UintNumber(req.Nonce),
		"outputs":               outputs,
		"request_id":            sanitizedRequestID,
		"scheduler_mode":        req.Policy.SchedulerMode,
		"workspace_root":        req.WorkspaceRoot,
	}
}

// HashRequest canonicalizes and hashes req under the req: domain.
func HashRequest(req ExecutionRequest) (digest string, canonicalJSON []byte, err error) {
	sanitized := SanitizeRequestID(req.RequestID)
	v := canonicalRequestValue(req, sanitized)
	canonicalJSON, err = canon.Canonicalize(v)
	if err != nil {
		return "", nil, err
	}
	digest, err = hashauthority.HashRequest(canonicalJSON)
	if err != nil {
		return "", nil, err
	}
	return digest, canonicalJSON, nil
}

// canonicalResultValue builds the value tree hashed under res:.
// Captured text and all timing are deliberately absent.
func canonicalResultValue(r ExecutionResult) map[string]interface{} {
	outputDigests := make(map[string]interface{}, len(r.OutputDigests))
	for k, v := range r.OutputDigests {
		outputDigests[k] = v
	}
	return map[string]interface{}{
		"exit_code":          canon.IntNumber(int64(r.ExitCode)),
		"ok":                 r.Ok,
		"output_digests":     outputDigests,
		"request_digest":     r.RequestDigest,
		"stderr_digest":      r.StderrDigest,
		"stdout_digest":      r.StdoutDigest,
		"termination_reason": r.TerminationReason,
		"trace_digest":       r.TraceDigest,
	}
}

// HashResult canonicalizes and hashes r under the res: domain.
func HashResult(r ExecutionResult) (digest string, canonicalJSON []byte, err error) {
	v := canonicalResultValue(r)
	canonicalJSON, err = canon.Canonicalize(v)
	if err != nil {
		return "", nil, err
	}
	digest, err = hashauthority.HashResult(canonicalJSON)
	if err != nil {
		return "", nil, err
	}
	return digest, canonicalJSON, nil
}

// hashTrace hashes the trace sequence: concatenation, in seq order, of
// (seq || type || canonical_map(data)).
// This digest is component-internal (no domain prefix); it is folded
// into the res:-domain result_digest via the trace_digest field.
func hashTrace(events []TraceEvent) (string, error) {
	var parts []byte
	for _, ev := range events {
		seqDigestable, err := canon.Canonicalize(canon.IntNumber(int64(ev.Seq)))
		if err != nil {
			return "", err
		}
		parts = append(parts, seqDigestable...)
		parts = append(parts, []byte(ev.Type)...)
		dataBytes, err := canon.Canonicalize(toCanonicalValue(ev.Data))
		if err != nil {
			return "", err
		}
		parts = append(parts, dataBytes...)
	}
	return hashauthority.HashPlain(parts)
}

// toCanonicalValue returns m unchanged, or an empty map when m is nil,
// so an event without data canonicalizes as {}. canon.Canonicalize
// already accepts Go's native numeric kinds inside m.
func toCanonicalValue(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
