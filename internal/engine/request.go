// Package engine is the orchestrator: canonicalize request, hash,
// enforce policy, run the sandbox, hash outputs, canonicalize result,
// hash, emit event. Phases run in a strict fixed order; any phase may
// short-circuit with a result whose Ok is false and a specific
// ErrorCode rather than a Go error escaping Execute.
package engine

// ExecutionRequest is the fully specified, value-owned description of
// one execution.
type ExecutionRequest struct {
	RequestID      string
	Command        string
	Argv           []string
	Env            map[string]string
	Cwd            string
	WorkspaceRoot  string
	Inputs         map[string]string
	Outputs        []string
	Nonce          uint64
	TimeoutMs      int64
	MaxOutputBytes int64
	Policy         ExecPolicy
	LLM            LLMConfig

	// TenantID never participates in any digest; it exists only for
	// storage/billing-layer isolation above the engine.
	TenantID string
}

// ExecPolicy controls sandbox enforcement and env handling.
type ExecPolicy struct {
	Deterministic         bool
	AllowOutsideWorkspace bool
	Mode                  string // "strict" enforces allow/deny lists strictly; anything else is advisory.
	TimeMode              string // "fixed_zero" suppresses wall-clock leakage; "real" allows it.

	// SchedulerMode participates in canonical request bytes: changing
	// it changes request_digest even though it has no other effect in
	// the core. Configuration drift is intentionally a determinism
	// concern here.
	SchedulerMode string

	EnvAllowlist []string
	EnvDenylist  []string
	RequiredEnv  map[string]string

	MaxMemoryBytes     int64
	MaxFileDescriptors int64
}

// LLMConfig is the optional LLM hook. Mode "none" means no hook runs and
// the hook never participates in the request digest.
type LLMConfig struct {
	Mode            string
	IncludeInDigest bool
}

const (
	ModeStrict = "strict"

	TimeModeFixedZero = "fixed_zero"
	TimeModeReal       = "real"

	LLMModeNone = "none"
)
