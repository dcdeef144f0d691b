// tracetochrome converts a line-delimited JSON trace file produced by
// internal/trace.Emitter into a Chrome Trace Event Format document,
// the Go analogue of tqsdk's demo/trace_to_chrome.py script.
//
// Usage:
//
//	tracetochrome -trace path/to/trace.jsonl [-out path/to/trace.chrome.json]
//
// The output defaults to the input path with ".chrome.json" appended,
// matching the original script's default output naming.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/comicfans/targetpos-go/internal/trace"
)

func main() {
	tracePath := flag.String("trace", "", "path to a line-delimited JSON trace file (required)")
	outPath := flag.String("out", "", "output path for the Chrome trace document (default: <trace>.chrome.json)")
	flag.Parse()

	if *tracePath == "" {
		fmt.Fprintln(os.Stderr, "tracetochrome: -trace is required")
		flag.Usage()
		os.Exit(2)
	}
	if *outPath == "" {
		*outPath = *tracePath + ".chrome.json"
	}

	if err := run(*tracePath, *outPath); err != nil {
		slog.Error("tracetochrome failed", "error", err)
		os.Exit(1)
	}
}

func run(tracePath, outPath string) error {
	in, err := os.Open(tracePath)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer in.Close()

	doc, err := trace.Convert(in)
	if err != nil {
		return fmt.Errorf("convert trace: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write chrome trace: %w", err)
	}

	slog.Info("wrote chrome trace", "events", len(doc.TraceEvents), "path", outPath)
	return nil
}
