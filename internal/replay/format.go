package replay

import (
	"fmt"
	"strings"

	"requiem/internal/engine"
)

// FormatDiff renders a human-readable comparison of two results,
// modeled on DiffResult.FormatDiff / FormatDriftReport.
func FormatDiff(a, b engine.ExecutionResult) string {
	var sb strings.Builder
	category := ClassifyDrift(a, b)

	if category == DriftNone && a.StderrDigest == b.StderrDigest && a.ResultDigest == b.ResultDigest {
		sb.WriteString("runs are identical\n")
		return sb.String()
	}

	check := func(name string, match bool) {
		status := "match"
		if !match {
			status = "DIFFER"
		}
		sb.WriteString(fmt.Sprintf("  %-16s %s\n", name, status))
	}

	if category == DriftNone {
		sb.WriteString("no drift category applies\n")
	} else {
		sb.WriteString(fmt.Sprintf("drift detected: %s\n", category))
	}
	check("request_digest", a.RequestDigest == b.RequestDigest)
	check("stdout_digest", a.StdoutDigest == b.StdoutDigest)
	check("stderr_digest", a.StderrDigest == b.StderrDigest)
	check("trace_digest", a.TraceDigest == b.TraceDigest)
	check("result_digest", a.ResultDigest == b.ResultDigest)

	return sb.String()
}
