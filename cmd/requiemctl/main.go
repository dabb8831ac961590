// Command requiemctl is the operator CLI: run an execution, replay and
// diff results, walk an execution's event graph, virtualize/recall
// paged context, and browse local history.
//
// Modeled on cmd/reachctl/main.go: a single os.Args[1] switch
// dispatching to per-command functions that each take
// (ctx, args, out, errOut) and return a process exit code, plus a
// shared writeJSON helper for structured output.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"requiem/internal/config"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	if len(args) < 1 {
		usage(out)
		return 1
	}

	cfg, err := config.Load(func(k string) (string, bool) {
		v, ok := os.LookupEnv(k)
		return v, ok
	})
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: invalid configuration: %v\n", err)
		return 1
	}

	switch args[0] {
	case "run":
		return cmdRun(ctx, cfg, args[1:], out, errOut)
	case "replay":
		return cmdReplay(ctx, cfg, args[1:], out, errOut)
	case "diff":
		return cmdDiff(ctx, cfg, args[1:], out, errOut)
	case "fork":
		return cmdGraphFork(cfg, args[1:], out, errOut)
	case "stats":
		return cmdStats(ctx, cfg, args[1:], out, errOut)
	case "verify-determinism":
		return cmdVerifyDeterminism(ctx, cfg, args[1:], out, errOut)
	case "graph":
		return cmdGraph(ctx, cfg, args[1:], out, errOut)
	case "page":
		return cmdPage(ctx, cfg, args[1:], out, errOut)
	case "history":
		return cmdHistory(ctx, cfg, args[1:], out, errOut)
	case "version", "--version", "-v":
		fmt.Fprintln(out, "requiemctl 0.1.0")
		return 0
	default:
		usage(out)
		return 1
	}
}

func usage(out io.Writer) {
	io.WriteString(out, `usage: requiemctl <command> [options]

Commands:
  run --request <file.json>                  Execute a request, print the result
  replay --request <file.json> --result <file.json>
                                              Validate a result against its request
  diff --result-a <file.json> --result-b <file.json>
                                              Classify drift between two results
  fork --root <digest> --payload <json>      Fork an execution root, print the new root digest
  stats [--recent n]                         Print engine statistics (process ring buffer + history totals)
  verify-determinism --request <file.json> --trials <n>
                                              Re-run a request n times, stop at first mismatch
  graph timeline --root <digest>             Print an execution's timeline
  graph seek --root <digest> --seq <n>       Print the state snapshot at seq n
  graph fork --root <digest> --payload <json>
                                              Same as top-level fork
  graph diff --root-a <digest> --root-b <digest>
                                              Print the first diverging seq between two roots
  page virtualize --file <path>              Store a file as paged CAS chunks, print the manifest digest
  page recall --manifest <digest> --offset <n> --length <n>
                                              Recall a byte range from a manifest
  history list --tenant <id> [--limit n]     List recent executions for a tenant
  history show --request-digest <digest>     Show one execution's history record

Examples:
  requiemctl run --request request.json
  requiemctl graph timeline --root <64-hex digest>
`)
}

func writeJSON(out io.Writer, v any) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}
