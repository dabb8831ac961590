// Package replay re-derives an execution's digests from its inputs and
// compares them against a previously recorded result, and classifies
// the disagreement when a replay diverges.
//
// Modeled on internal/determinism (VerifyReplay, CompareHashes),
// generalized from a single event-log fingerprint to the engine's
// five-digest shape (request/stdout/stderr/trace/result).
package replay

import (
	"requiem/internal/cas"
	"requiem/internal/engine"
	"requiem/internal/rerrors"
)

// Validate recomputes request_digest and result_digest from req/result
// and compares them against what result already claims. A mismatch in
// either direction fails; it never partially trusts a result.
func Validate(req engine.ExecutionRequest, result engine.ExecutionResult) (bool, error) {
	requestDigest, _, err := engine.HashRequest(req)
	if err != nil {
		return false, err
	}
	if requestDigest != result.RequestDigest {
		return false, nil
	}

	resultDigest, _, err := engine.HashResult(result)
	if err != nil {
		return false, err
	}
	return resultDigest == result.ResultDigest, nil
}

// ValidateWithCAS performs Validate and additionally verifies every
// output_digests entry is present in store and re-hashes to itself —
// CAS.Get fails closed on any stored/requested digest mismatch, so a
// successful Get is itself sufficient proof of integrity.
func ValidateWithCAS(req engine.ExecutionRequest, result engine.ExecutionResult, store *cas.Store) (bool, error) {
	ok, err := Validate(req, result)
	if err != nil || !ok {
		return ok, err
	}
	for path, digest := range result.OutputDigests {
		if !store.Contains(digest) {
			return false, rerrors.Newf(rerrors.CodeReplayFailed, "replay: output %q digest %s not present in CAS", path, digest)
		}
		if _, err := store.Get(digest); err != nil {
			return false, rerrors.Wrapf(err, rerrors.CodeReplayFailed, "replay: output %q failed CAS integrity check", path)
		}
	}
	return true, nil
}

// DriftCategory names the first-applicable classification for two
// divergent runs of the same request.
type DriftCategory string

const (
	DriftNone                    DriftCategory = "none"
	DriftRequestCanonicalization DriftCategory = "request_canonicalization_bug"
	DriftOutputNonDeterminism    DriftCategory = "output_non_determinism"
	DriftResultCanonicalization  DriftCategory = "result_canonicalization_bug"
	DriftSandboxTrace            DriftCategory = "sandbox_trace_non_determinism"
)

// ClassifyDrift compares two results of the same request and picks the
// first applicable category in a fixed order: request digest first,
// then stdout, then result-with-matching-subdigests, then trace. Checks
// after the first match are skipped — the classifier never reports more
// than one category per pair.
func ClassifyDrift(a, b engine.ExecutionResult) DriftCategory {
	if a.RequestDigest != b.RequestDigest {
		return DriftRequestCanonicalization
	}
	if a.StdoutDigest != b.StdoutDigest {
		return DriftOutputNonDeterminism
	}
	if a.ResultDigest != b.ResultDigest &&
		a.StdoutDigest == b.StdoutDigest &&
		a.StderrDigest == b.StderrDigest &&
		a.TraceDigest == b.TraceDigest {
		return DriftResultCanonicalization
	}
	if a.TraceDigest != b.TraceDigest {
		return DriftSandboxTrace
	}
	return DriftNone
}
