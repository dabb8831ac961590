package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"requiem/internal/cas"
	"requiem/internal/config"
	"requiem/internal/engine"
	"requiem/internal/replay"
)

func cmdReplay(ctx context.Context, cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(errOut)
	requestPath := fs.String("request", "", "path to the original ExecutionRequest JSON file")
	resultPath := fs.String("result", "", "path to the ExecutionResult JSON file to validate")
	checkCAS := fs.Bool("check-cas", false, "also verify output digests are present and intact in CAS")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *requestPath == "" || *resultPath == "" {
		fmt.Fprintln(errOut, "usage: requiemctl replay --request <file.json> --result <file.json> [--check-cas]")
		return 1
	}

	req, err := loadRequest(*requestPath)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: %v\n", err)
		return 1
	}
	result, err := loadResult(*resultPath)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: %v\n", err)
		return 1
	}

	var ok bool
	if *checkCAS {
		store, serr := cas.New(cfg.CASRoot)
		if serr != nil {
			fmt.Fprintf(errOut, "requiemctl: open CAS at %s: %v\n", cfg.CASRoot, serr)
			return 1
		}
		ok, err = replay.ValidateWithCAS(req, result, store)
	} else {
		ok, err = replay.Validate(req, result)
	}
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: validate: %v\n", err)
		return 1
	}

	writeJSON(out, map[string]any{"valid": ok, "request_digest": result.RequestDigest, "result_digest": result.ResultDigest})
	if !ok {
		return 1
	}
	return 0
}

func cmdDiff(ctx context.Context, cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("diff", flag.ContinueOnError)
	fs.SetOutput(errOut)
	resultAPath := fs.String("result-a", "", "path to the first ExecutionResult JSON file")
	resultBPath := fs.String("result-b", "", "path to the second ExecutionResult JSON file")
	human := fs.Bool("human", false, "print a human-readable diff instead of JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *resultAPath == "" || *resultBPath == "" {
		fmt.Fprintln(errOut, "usage: requiemctl diff --result-a <file.json> --result-b <file.json> [--human]")
		return 1
	}

	a, err := loadResult(*resultAPath)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: %v\n", err)
		return 1
	}
	b, err := loadResult(*resultBPath)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: %v\n", err)
		return 1
	}

	category := replay.ClassifyDrift(a, b)
	if *human {
		fmt.Fprintln(out, replay.FormatDiff(a, b))
		if category != replay.DriftNone {
			return 1
		}
		return 0
	}
	writeJSON(out, map[string]any{"drift_category": string(category)})
	if category != replay.DriftNone {
		return 1
	}
	return 0
}

func cmdVerifyDeterminism(ctx context.Context, cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("verify-determinism", flag.ContinueOnError)
	fs.SetOutput(errOut)
	requestPath := fs.String("request", "", "path to an ExecutionRequest JSON file")
	trials := fs.Int("trials", 5, "number of trials to run")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *requestPath == "" {
		fmt.Fprintln(errOut, "usage: requiemctl verify-determinism --request <file.json> [--trials n]")
		return 1
	}

	req, err := loadRequest(*requestPath)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: %v\n", err)
		return 1
	}
	req.Policy.Deterministic = true

	store, err := cas.New(cfg.CASRoot)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: open CAS at %s: %v\n", cfg.CASRoot, err)
		return 1
	}
	eng := engine.New(store)
	eng.SandboxDisabled = cfg.SandboxDisabled

	reporter := &stdoutReporter{out: out}
	digest, err := replay.VerifyDeterminism(*trials, func() (string, error) {
		result, execErr := eng.Execute(ctx, req)
		if execErr != nil {
			return "", execErr
		}
		return result.ResultDigest, nil
	}, reporter)

	if err != nil {
		writeJSON(out, map[string]any{"deterministic": false, "error": err.Error()})
		return 1
	}
	writeJSON(out, map[string]any{"deterministic": true, "result_digest": digest, "trials": *trials})
	return 0
}

type stdoutReporter struct {
	out io.Writer
}

func (r *stdoutReporter) ReportTrial(n int, resultDigest string) {
	fmt.Fprintf(r.out, "trial %d: %s\n", n, resultDigest)
}
