// Command ocrtool runs the meter OCR pipeline offline, on a single photo or a
// directory of photos, without a queue or a database.
//
//	ocrtool test [-strategy auto] [-fallback] [-threshold 50] image.jpg
//	ocrtool benchmark image.jpg
//	ocrtool batch [-strategy auto] [-fallback] [-workers 4] [-out report.csv] dir/
//	ocrtool batch-benchmark [-workers 4] [-out report.json] dir/
//	ocrtool strategies
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/meterread-worker/internal/batch"
	"github.com/adverant/nexus/meterread-worker/internal/bootstrap"
	"github.com/adverant/nexus/meterread-worker/internal/config"
	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/ocr"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.LogLevel)
	if cfg.DebugMode {
		logging.SetLevel("debug")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "test":
		err = runTest(ctx, cfg, args)
	case "benchmark":
		err = runBenchmark(ctx, cfg, args)
	case "batch":
		err = runBatch(ctx, cfg, args, false)
	case "batch-benchmark":
		err = runBatch(ctx, cfg, args, true)
	case "strategies":
		err = printStrategies(os.Stdout, cfg)
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `usage: ocrtool <command> [flags] <path>

commands:
  test             extract the reading of one image
  benchmark        run every strategy on one image
  batch            extract the readings of every image in a directory
  batch-benchmark  run every strategy on every image in a directory
  strategies       list the available strategies

Run "ocrtool <command> -h" for the flags of a command.`)
}

func newOrchestrator(cfg *config.Config) (*ocr.Orchestrator, error) {
	return bootstrap.Orchestrator(cfg, nil, logging.NewLogger("ocrtool"))
}

func runTest(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	strategy := fs.String("strategy", cfg.DefaultStrategy, "strategy to run (auto, basic, advanced, seven_segment, simple, template)")
	fallback := fs.Bool("fallback", cfg.EnableFallback, "walk the fallback chain when confidence is below the threshold")
	threshold := fs.Float64("threshold", cfg.ConfidenceThreshold, "confidence threshold for the fallback chain")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := singleArg(fs, "image")
	if err != nil {
		return err
	}

	id, err := ocr.ParseStrategyID(*strategy)
	if err != nil {
		return err
	}
	if *threshold < 0 || *threshold > 100 {
		return fmt.Errorf("threshold must be between 0 and 100, got %v", *threshold)
	}

	orch, err := newOrchestrator(cfg)
	if err != nil {
		return err
	}

	var result ocr.OCRResult
	if *fallback {
		result = orch.ProcessWithFallback(ctx, path, id, *threshold)
	} else {
		result = orch.ExtractReading(ctx, path, id)
	}

	if *asJSON {
		return writeJSON(os.Stdout, result)
	}
	printResult(os.Stdout, path, result)
	return nil
}

func runBenchmark(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("benchmark", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := singleArg(fs, "image")
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(cfg)
	if err != nil {
		return err
	}

	report := orch.BenchmarkStrategies(ctx, path)
	if *asJSON {
		return writeJSON(os.Stdout, report)
	}

	fmt.Printf("Benchmark: %s (%.0f ms)\n", path, report.TotalTimeMs)
	for _, id := range ocr.ConcreteStrategies {
		r := report.Results[id]
		mark := " "
		if report.BestStrategy != nil && *report.BestStrategy == id {
			mark = "*"
		}
		fmt.Printf(" %s %-14s %s\n", mark, id, r)
	}
	if report.BestStrategy == nil {
		fmt.Println("No strategy produced a reading")
	}
	return nil
}

func runBatch(ctx context.Context, cfg *config.Config, args []string, benchmark bool) error {
	name := "batch"
	if benchmark {
		name = "batch-benchmark"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	workers := fs.Int("workers", cfg.WorkerConcurrency, "images processed in parallel")
	out := fs.String("out", "", "write the report to this file (.csv or .json)")
	format := fs.String("format", "", "report format for -out: csv or json (default from the file extension)")
	var (
		strategy  *string
		fallback  *bool
		threshold *float64
	)
	if !benchmark {
		strategy = fs.String("strategy", cfg.DefaultStrategy, "strategy to run")
		fallback = fs.Bool("fallback", cfg.EnableFallback, "walk the fallback chain")
		threshold = fs.Float64("threshold", cfg.ConfidenceThreshold, "confidence threshold for the fallback chain")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir, err := singleArg(fs, "directory")
	if err != nil {
		return err
	}

	opts := batch.Options{Benchmark: benchmark, Workers: *workers}
	if !benchmark {
		id, err := ocr.ParseStrategyID(*strategy)
		if err != nil {
			return err
		}
		opts.Strategy = id
		opts.Fallback = *fallback
		opts.Threshold = *threshold
	}

	orch, err := newOrchestrator(cfg)
	if err != nil {
		return err
	}

	report, runErr := batch.NewRunner(orch, opts, logging.NewLogger("batch")).Run(ctx, dir)
	if report == nil {
		return runErr
	}
	if err := report.WriteTable(os.Stdout); err != nil {
		return err
	}

	if *out != "" {
		if err := writeReport(report, *out, *format); err != nil {
			return err
		}
		fmt.Printf("Report written to %s\n", *out)
	}
	return runErr
}

func writeReport(report *batch.Report, path, format string) error {
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
	if format != "csv" && format != "json" {
		return fmt.Errorf("unsupported report format %q", format)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	defer f.Close()

	if format == "csv" {
		err = report.WriteCSV(f)
	} else {
		err = report.WriteJSON(f)
	}
	if err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return f.Close()
}

func printStrategies(w io.Writer, cfg *config.Config) error {
	fmt.Fprintf(w, "Default strategy: %s\n", cfg.DefaultStrategy)
	fmt.Fprintf(w, "Confidence threshold: %.1f\n", cfg.ConfidenceThreshold)
	fmt.Fprintf(w, "Fallback: %t (%s)\n", cfg.EnableFallback, strings.Join(cfg.FallbackOrder, " -> "))
	fmt.Fprintln(w, "Strategies:")
	fmt.Fprintf(w, "  %s\n", ocr.StrategyAuto)
	for _, id := range ocr.ConcreteStrategies {
		fmt.Fprintf(w, "  %s\n", id)
	}
	return nil
}

func printResult(w io.Writer, path string, r ocr.OCRResult) {
	fmt.Fprintf(w, "Image:      %s\n", path)
	fmt.Fprintf(w, "Strategy:   %s\n", r.StrategyUsed)
	if r.MeterType != nil {
		fmt.Fprintf(w, "Meter type: %s\n", *r.MeterType)
	}
	if v, ok := r.Reading(); ok {
		fmt.Fprintf(w, "Reading:    %g kWh\n", v)
	} else {
		fmt.Fprintf(w, "Reading:    none (%s)\n", r.ErrorMessage)
	}
	fmt.Fprintf(w, "Confidence: %.1f\n", r.Confidence)
	fmt.Fprintf(w, "Attempts:   %d\n", r.Attempts)
	fmt.Fprintf(w, "Time:       %.0f ms\n", r.ProcessingTimeMs)
}

func singleArg(fs *flag.FlagSet, what string) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one %s argument, got %d", what, fs.NArg())
	}
	return fs.Arg(0), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
