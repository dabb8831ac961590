package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"requiem/internal/cas"
	"requiem/internal/config"
	"requiem/internal/eventgraph"
)

func cmdGraph(ctx context.Context, cfg *config.Config, args []string, out, errOut io.Writer) int {
	if len(args) < 1 {
		usageGraph(errOut)
		return 1
	}
	switch args[0] {
	case "timeline":
		return cmdGraphTimeline(cfg, args[1:], out, errOut)
	case "seek":
		return cmdGraphSeek(cfg, args[1:], out, errOut)
	case "fork":
		return cmdGraphFork(cfg, args[1:], out, errOut)
	case "diff":
		return cmdGraphDiff(cfg, args[1:], out, errOut)
	case "inspect":
		return cmdGraphInspect(cfg, args[1:], out, errOut)
	default:
		usageGraph(errOut)
		return 1
	}
}

func usageGraph(out io.Writer) {
	fmt.Fprintln(out, "usage: requiemctl graph <timeline|seek|fork|diff|inspect> ...")
}

func openGraph(cfg *config.Config, rootDigest string) (*eventgraph.Graph, *cas.Store, error) {
	store, err := cas.New(cfg.CASRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("open CAS at %s: %w", cfg.CASRoot, err)
	}
	g, err := eventgraph.Load(store, rootDigest)
	if err != nil {
		return nil, nil, fmt.Errorf("load execution root %s: %w", rootDigest, err)
	}
	return g, store, nil
}

func cmdGraphTimeline(cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("graph timeline", flag.ContinueOnError)
	fs.SetOutput(errOut)
	root := fs.String("root", "", "execution root CAS digest")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *root == "" {
		fmt.Fprintln(errOut, "usage: requiemctl graph timeline --root <digest>")
		return 1
	}
	g, _, err := openGraph(cfg, *root)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: %v\n", err)
		return 1
	}
	return writeJSON(out, g.Timeline())
}

func cmdGraphSeek(cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("graph seek", flag.ContinueOnError)
	fs.SetOutput(errOut)
	root := fs.String("root", "", "execution root CAS digest")
	seq := fs.Int64("seq", 0, "sequence number to seek to")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *root == "" {
		fmt.Fprintln(errOut, "usage: requiemctl graph seek --root <digest> --seq <n>")
		return 1
	}
	g, _, err := openGraph(cfg, *root)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: %v\n", err)
		return 1
	}
	return writeJSON(out, g.Seek(*seq))
}

func cmdGraphFork(cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("graph fork", flag.ContinueOnError)
	fs.SetOutput(errOut)
	root := fs.String("root", "", "execution root CAS digest")
	payloadJSON := fs.String("payload", "{}", "JSON object recorded as the fork's injection payload")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *root == "" {
		fmt.Fprintln(errOut, "usage: requiemctl graph fork --root <digest> [--payload <json>]")
		return 1
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(*payloadJSON), &payload); err != nil {
		fmt.Fprintf(errOut, "requiemctl: invalid --payload JSON: %v\n", err)
		return 1
	}
	g, _, err := openGraph(cfg, *root)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: %v\n", err)
		return 1
	}
	newRoot, err := g.Fork(payload)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: fork: %v\n", err)
		return 1
	}
	return writeJSON(out, map[string]any{"forked_root": newRoot})
}

func cmdGraphDiff(cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("graph diff", flag.ContinueOnError)
	fs.SetOutput(errOut)
	rootA := fs.String("root-a", "", "first execution root CAS digest")
	rootB := fs.String("root-b", "", "second execution root CAS digest")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *rootA == "" || *rootB == "" {
		fmt.Fprintln(errOut, "usage: requiemctl graph diff --root-a <digest> --root-b <digest>")
		return 1
	}
	store, err := cas.New(cfg.CASRoot)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: open CAS at %s: %v\n", cfg.CASRoot, err)
		return 1
	}
	gA, err := eventgraph.Load(store, *rootA)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: load root-a: %v\n", err)
		return 1
	}
	gB, err := eventgraph.Load(store, *rootB)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: load root-b: %v\n", err)
		return 1
	}
	divergence := gA.Diff(gB)
	return writeJSON(out, map[string]any{"divergent_seq": divergence})
}

func cmdGraphInspect(cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("graph inspect", flag.ContinueOnError)
	fs.SetOutput(errOut)
	root := fs.String("root", "", "execution root CAS digest")
	seq := fs.Int64("seq", 0, "sequence number to inspect state at")
	key := fs.String("key", "", "key within state to inspect; empty means the whole state")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *root == "" {
		fmt.Fprintln(errOut, "usage: requiemctl graph inspect --root <digest> --seq <n> [--key <name>]")
		return 1
	}
	g, _, err := openGraph(cfg, *root)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: %v\n", err)
		return 1
	}
	if !g.Seek(*seq).Found {
		fmt.Fprintf(errOut, "requiemctl: inspect: no event with seq %d\n", *seq)
		return 1
	}
	value, err := g.InspectMemory(*key)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: inspect: %v\n", err)
		return 1
	}
	return writeJSON(out, map[string]any{"seq": *seq, "key": *key, "value": value})
}
