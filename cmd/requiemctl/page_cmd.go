package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"requiem/internal/cas"
	"requiem/internal/config"
	"requiem/internal/pager"
)

func cmdPage(ctx context.Context, cfg *config.Config, args []string, out, errOut io.Writer) int {
	if len(args) < 1 {
		usagePage(errOut)
		return 1
	}
	switch args[0] {
	case "virtualize":
		return cmdPageVirtualize(cfg, args[1:], out, errOut)
	case "recall":
		return cmdPageRecall(cfg, args[1:], out, errOut)
	default:
		usagePage(errOut)
		return 1
	}
}

func usagePage(out io.Writer) {
	fmt.Fprintln(out, "usage: requiemctl page <virtualize|recall> ...")
}

func cmdPageVirtualize(cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("page virtualize", flag.ContinueOnError)
	fs.SetOutput(errOut)
	file := fs.String("file", "", "path to the file to virtualize")
	pageSize := fs.Int("page-size", 4096, "chunk size in bytes")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *file == "" {
		fmt.Fprintln(errOut, "usage: requiemctl page virtualize --file <path> [--page-size n]")
		return 1
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: %v\n", err)
		return 1
	}
	store, err := cas.New(cfg.CASRoot)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: open CAS at %s: %v\n", cfg.CASRoot, err)
		return 1
	}
	manifest, err := pager.Virtualize(store, data, *pageSize)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: virtualize: %v\n", err)
		return 1
	}
	return writeJSON(out, map[string]any{"manifest": manifest, "total_size": len(data)})
}

func cmdPageRecall(cfg *config.Config, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("page recall", flag.ContinueOnError)
	fs.SetOutput(errOut)
	manifest := fs.String("manifest", "", "manifest CAS digest")
	offset := fs.Int64("offset", 0, "byte offset")
	length := fs.Int64("length", 0, "byte length")
	outFile := fs.String("out", "", "write recalled bytes to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *manifest == "" {
		fmt.Fprintln(errOut, "usage: requiemctl page recall --manifest <digest> --offset <n> --length <n> [--out <path>]")
		return 1
	}
	store, err := cas.New(cfg.CASRoot)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: open CAS at %s: %v\n", cfg.CASRoot, err)
		return 1
	}
	data, err := pager.Recall(store, *manifest, *offset, *length)
	if err != nil {
		fmt.Fprintf(errOut, "requiemctl: recall: %v\n", err)
		return 1
	}
	if *outFile != "" {
		if err := os.WriteFile(*outFile, data, 0o644); err != nil {
			fmt.Fprintf(errOut, "requiemctl: %v\n", err)
			return 1
		}
		return writeJSON(out, map[string]any{"written": *outFile, "bytes": len(data)})
	}
	out.Write(data)
	return 0
}
