package engine

// TraceEvent is one entry in an execution's trace sequence: seq starts
// at 1 for process_start, 2 for process_end, and any inserted events
// take a seq strictly between.
type TraceEvent struct {
	Seq  int                    `json:"seq"`
	Type string                 `json:"type"`
	TNs  int64                  `json:"t_ns"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// EnvAssemblyReport records exactly what the env-filtering phase did,
// for audit and as evidence that secrets were scrubbed rather than
// merely assumed.
type EnvAssemblyReport struct {
	AllowedKeys         []string `json:"allowed_keys"`
	DeniedKeys          []string `json:"denied_keys"`
	InjectedRequiredKeys []string `json:"injected_required_keys"`
}

// SandboxCapabilityReport mirrors sandbox.ProcessResult's capability
// fields so a result can be inspected without reaching into the
// sandbox package.
type SandboxCapabilityReport struct {
	Applied []string `json:"applied"`
	Failed  []string `json:"failed"`

	// Disabled reports that the SANDBOX-4 master switch skipped all
	// enforcement for this execution, distinct from an individual
	// capability failing on an unsupported platform.
	Disabled bool `json:"disabled"`
}

// ExecutionMetrics captures per-phase timing. None of it participates
// in any digest — results are digest-stable and timestamps live
// outside the canonical form.
type ExecutionMetrics struct {
	HashNs          int64 `json:"hash_ns"`
	SandboxNs       int64 `json:"sandbox_ns"`
	TotalDurationNs int64 `json:"total_duration_ns"`
}

// ExecutionResult is everything Execute observed and computed.
type ExecutionResult struct {
	Ok                 bool
	ExitCode           int
	ErrorCode          string
	TerminationReason  string
	StdoutTruncated    bool
	StderrTruncated    bool
	StdoutText         string
	StderrText         string

	RequestDigest string
	TraceDigest   string
	StdoutDigest  string
	StderrDigest  string
	ResultDigest  string
	OutputDigests map[string]string

	TraceEvents      []TraceEvent
	EnvAssembly      EnvAssemblyReport
	SandboxCaps      SandboxCapabilityReport
	Metrics          ExecutionMetrics
	AppliedPolicySummary ExecPolicy
}
