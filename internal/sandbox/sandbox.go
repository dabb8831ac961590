// Package sandbox runs a single bounded child process: path/cwd already
// confined by the caller, environment already filtered, output capped
// and truncated, wall-clock bounded by a hard deadline that kills the
// whole process group on expiry.
//
// Modeled on internal/workspace.Runner (context-bounded
// exec.CommandContext, output byte cap), generalized to a fuller
// contract: rlimits, a new session so a timeout kill reaches every
// descendant, and structured capability reporting instead of a bare
// error.
//
// Go's os/exec has no pre-exec hook the way a C fork/exec pair does, so
// rlimits (which are per-process and must be set before the target
// image loads) are applied through a self-reexec shim: the engine's own
// binary launches itself with a sentinel first argument, the shim applies
// rlimits and then replaces its own image with the real target via
// syscall.Exec — the same "reexec as pre-exec hook" idiom used by
// Docker's pkg/reexec and containerd's runc shim.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"requiem/internal/rerrors"
)

// ProcessSpec describes one bounded child-process invocation.
type ProcessSpec struct {
	Command  string
	Argv     []string
	Env      map[string]string
	Cwd      string
	TimeoutMs int64
	MaxOutputBytes int64

	Deterministic            bool
	EnforceNetworkIsolation  bool
	EnforceSeccomp           bool
	SeccompRules             []string
	MaxMemoryBytes           int64
	MaxFileDescriptors       int64

	// Disabled is the SANDBOX-4 master switch: when true, Run skips the
	// reexec rlimit shim (so no rlimit is set) and execs the target
	// directly; the new session, timeout kill and output cap still
	// apply. The skip is recorded on ProcessResult
	// rather than silently dropped.
	Disabled bool
}

// ProcessResult captures everything observed about one invocation.
type ProcessResult struct {
	ExitCode               int
	TimedOut               bool
	StdoutTruncated        bool
	StderrTruncated        bool
	StdoutText             string
	StderrText             string
	ErrorMessage           string
	AppliedCapabilityFlags []string
	EnforcedCapabilities   []string
	FailedCapabilities     []string

	// SandboxDisabled mirrors ProcessSpec.Disabled: enforcement was
	// skipped by operator configuration, not by platform limitation.
	SandboxDisabled bool
}

const truncatedMarker = "(truncated)"

// Run spawns spec.Command, waits up to spec.TimeoutMs, and returns the
// captured result. It never panics on child failure; all failure modes
// are reported through ProcessResult and a non-nil error only for
// conditions that prevented any process from being created at all.
func Run(ctx context.Context, spec ProcessSpec) (ProcessResult, error) {
	if spec.TimeoutMs <= 0 {
		spec.TimeoutMs = 30_000
	}
	maxOut := spec.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = 1 << 20 // 1 MiB default cap
	}

	stdout := newCapBuffer(maxOut)
	stderr := newCapBuffer(maxOut)

	var cmd *exec.Cmd
	if spec.Disabled {
		cmd = exec.Command(spec.Command, spec.Argv...)
		cmd.Env = envSlice(spec.Env)
	} else {
		ctrl := shimControl{
			Command:            spec.Command,
			Argv:               spec.Argv,
			MaxMemoryBytes:     spec.MaxMemoryBytes,
			MaxFileDescriptors: spec.MaxFileDescriptors,
		}
		ctrlEnc, err := encodeControl(ctrl)
		if err != nil {
			return ProcessResult{}, rerrors.Wrap(err, rerrors.CodeSpawnFailed, "sandbox: encode shim control")
		}

		exePath, err := os.Executable()
		if err != nil {
			return ProcessResult{ErrorMessage: "spawn_failed"}, rerrors.Wrap(err, rerrors.CodeSpawnFailed, "sandbox: resolve own executable")
		}

		cmd = exec.Command(exePath, reexecSentinel)
		cmd.Env = append(envSlice(spec.Env), controlEnvVar+"="+ctrlEnc)
	}
	cmd.Dir = spec.Cwd
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	result := ProcessResult{SandboxDisabled: spec.Disabled}
	applied, failed := capabilityReport(spec)
	result.EnforcedCapabilities = applied
	result.FailedCapabilities = failed
	result.AppliedCapabilityFlags = applied

	if err := cmd.Start(); err != nil {
		result.ErrorMessage = "spawn_failed"
		return result, rerrors.Wrap(err, rerrors.CodeSpawnFailed, "sandbox: start process")
	}

	deadline := time.Duration(spec.TimeoutMs) * time.Millisecond
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		result.TimedOut = true
		killProcessGroup(cmd.Process.Pid)
		waitErr = <-waitCh
	case <-ctx.Done():
		killProcessGroup(cmd.Process.Pid)
		waitErr = <-waitCh
	}

	result.StdoutText = stdout.String()
	result.StderrText = stderr.String()
	result.StdoutTruncated = stdout.truncated
	result.StderrTruncated = stderr.truncated
	if result.StdoutTruncated {
		result.StdoutText += truncatedMarker
	}
	if result.StderrTruncated {
		result.StderrText += truncatedMarker
	}

	if result.TimedOut {
		result.ExitCode = 124
		return result, nil
	}
	result.ExitCode = exitCodeFromWaitErr(waitErr)
	return result, nil
}

func exitCodeFromWaitErr(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal())
			}
			return ws.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return 127
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// capabilityReport determines, ahead of spawning, which sandbox
// features this platform/spec combination can actually enforce versus
// which are requested but unsupported. A missing feature is always
// reported, never silently dropped. When spec.Disabled is set (the
// master switch), no rlimit is applied and seccomp/network isolation
// are not attempted; the single "sandbox_disabled" entry replaces the
// per-capability report (the session, timeout kill and output cap that
// Run still applies are not listed) instead of reporting each
// individual enforcement as failed.
func capabilityReport(spec ProcessSpec) (applied, failed []string) {
	if spec.Disabled {
		return []string{"sandbox_disabled"}, nil
	}
	applied = append(applied, "process_group_isolation", "output_truncation", "timeout_kill")
	if spec.MaxMemoryBytes > 0 {
		applied = append(applied, "rlimit_as")
	}
	if spec.MaxFileDescriptors > 0 {
		applied = append(applied, "rlimit_nofile")
	}
	if spec.EnforceSeccomp {
		failed = append(failed, "seccomp")
	}
	if spec.EnforceNetworkIsolation {
		failed = append(failed, "network_isolation")
	}
	return applied, failed
}

// capBuffer is an io.Writer that stops accumulating bytes past a cap
// but keeps reporting successful writes, so a draining goroutine never
// blocks the child on a full pipe; SANDBOX-1 requires the truncated
// form to be stable (first N bytes, with the marker appended once by
// the caller).
type capBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func newCapBuffer(max int64) *capBuffer {
	return &capBuffer{max: max}
}

func (c *capBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.max - int64(c.buf.Len())
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// --- reexec shim ---

const (
	reexecSentinel = "__requiem_sandbox_exec__"
	controlEnvVar  = "_REQUIEM_SANDBOX_CTRL"
)

type shimControl struct {
	Command            string   `json:"command"`
	Argv               []string `json:"argv"`
	MaxMemoryBytes     int64    `json:"max_memory_bytes"`
	MaxFileDescriptors int64    `json:"max_file_descriptors"`
}

func init() {
	if len(os.Args) >= 2 && os.Args[1] == reexecSentinel {
		runShimAndExit()
	}
}

// runShimAndExit is the body of the re-executed child: apply rlimits,
// strip the control variable from the environment, and replace this
// process's image with the real target. It never returns.
func runShimAndExit() {
	raw := os.Getenv(controlEnvVar)
	ctrl, err := decodeControl(raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "requiem sandbox shim: invalid control payload:", err)
		os.Exit(127)
	}

	if ctrl.MaxMemoryBytes > 0 {
		_ = unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: uint64(ctrl.MaxMemoryBytes), Max: uint64(ctrl.MaxMemoryBytes)})
	}
	if ctrl.MaxFileDescriptors > 0 {
		_ = unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: uint64(ctrl.MaxFileDescriptors), Max: uint64(ctrl.MaxFileDescriptors)})
	}

	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if len(kv) > len(controlEnvVar) && kv[:len(controlEnvVar)+1] == controlEnvVar+"=" {
			continue
		}
		filtered = append(filtered, kv)
	}

	argv := append([]string{ctrl.Command}, ctrl.Argv...)
	if err := syscall.Exec(ctrl.Command, argv, filtered); err != nil {
		fmt.Fprintln(os.Stderr, "requiem sandbox shim: exec failed:", err)
		os.Exit(127)
	}
	panic("unreachable: syscall.Exec returned without error")
}

func encodeControl(c shimControl) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeControl(s string) (shimControl, error) {
	var c shimControl
	err := json.Unmarshal([]byte(s), &c)
	return c, err
}
