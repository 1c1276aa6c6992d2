// Package batch runs the extraction pipeline over a directory of meter
// photos and aggregates the outcomes into a tabular report.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/ocr"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// Reader is the orchestrator surface a batch needs.
type Reader interface {
	ExtractReading(ctx context.Context, imagePath string, strategy ocr.StrategyID) ocr.OCRResult
	ProcessWithFallback(ctx context.Context, imagePath string, primary ocr.StrategyID, threshold float64) ocr.OCRResult
	BenchmarkStrategies(ctx context.Context, imagePath string) ocr.BenchmarkReport
}

// Options selects what runs per image.
type Options struct {
	Strategy  ocr.StrategyID
	Fallback  bool
	Threshold float64
	// Benchmark runs every concrete strategy per image; Strategy and
	// Fallback are ignored.
	Benchmark bool
	Workers   int
}

// Row is one strategy outcome for one image.
type Row struct {
	Image            string         `json:"image"`
	Strategy         ocr.StrategyID `json:"strategy"`
	Success          bool           `json:"success"`
	ReadingKWh       *float64       `json:"reading_kwh"`
	Confidence       float64        `json:"confidence"`
	ProcessingTimeMs float64        `json:"processing_time_ms"`
	MeterType        *ocr.MeterType `json:"meter_type,omitempty"`
	Best             bool           `json:"best,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// Report is the outcome of a batch run, rows ordered by image then strategy.
type Report struct {
	Dir         string  `json:"dir"`
	Benchmark   bool    `json:"benchmark"`
	Images      int     `json:"images"`
	Rows        []Row   `json:"rows"`
	TotalTimeMs float64 `json:"total_time_ms"`
}

// Runner processes images with a bounded pool of goroutines.
type Runner struct {
	reader Reader
	opts   Options
	logger *logging.Logger
}

// NewRunner creates a runner. Workers defaults to 4.
func NewRunner(reader Reader, opts Options, logger *logging.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Strategy == "" {
		opts.Strategy = ocr.StrategyAuto
	}
	if logger == nil {
		logger = logging.NewLogger("batch")
	}
	return &Runner{reader: reader, opts: opts, logger: logger}
}

// FindImages lists the image files directly inside dir, sorted by name.
func FindImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var images []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		images = append(images, filepath.Join(dir, e.Name()))
	}
	sort.Strings(images)
	return images, nil
}

// Run processes every image in dir. When ctx is cancelled the images already
// submitted finish and the partial report is returned with ctx's error.
func (r *Runner) Run(ctx context.Context, dir string) (*Report, error) {
	images, err := FindImages(dir)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pool, err := ants.NewPool(r.opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	r.logger.Info("Batch started", "dir", dir, "images", len(images), "workers", r.opts.Workers, "benchmark", r.opts.Benchmark)

	var (
		wg      sync.WaitGroup
		results = make([][]Row, len(images))
		runErr  error
	)
	for i, path := range images {
		i, path := i, path
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			results[i] = r.process(ctx, path)
		}); err != nil {
			wg.Done()
			runErr = fmt.Errorf("failed to submit %s: %w", path, err)
			break
		}
	}
	wg.Wait()

	report := &Report{Dir: dir, Benchmark: r.opts.Benchmark}
	for _, rows := range results {
		if rows == nil {
			continue
		}
		report.Images++
		report.Rows = append(report.Rows, rows...)
	}
	report.TotalTimeMs = float64(time.Since(start).Microseconds()) / 1000

	r.logger.Info("Batch completed", "dir", dir, "images", report.Images, "rows", len(report.Rows), "total_ms", report.TotalTimeMs)
	return report, runErr
}

func (r *Runner) process(ctx context.Context, path string) []Row {
	name := filepath.Base(path)

	if r.opts.Benchmark {
		bench := r.reader.BenchmarkStrategies(ctx, path)
		rows := make([]Row, 0, len(ocr.ConcreteStrategies))
		for _, id := range ocr.ConcreteStrategies {
			res, ok := bench.Results[id]
			if !ok {
				continue
			}
			row := newRow(name, res)
			row.Best = bench.BestStrategy != nil && *bench.BestStrategy == id
			rows = append(rows, row)
		}
		return rows
	}

	var res ocr.OCRResult
	if r.opts.Fallback {
		res = r.reader.ProcessWithFallback(ctx, path, r.opts.Strategy, r.opts.Threshold)
	} else {
		res = r.reader.ExtractReading(ctx, path, r.opts.Strategy)
	}
	r.logger.Debug("Image processed", "image", name, "strategy", res.StrategyUsed, "success", res.Success, "confidence", res.Confidence)
	return []Row{newRow(name, res)}
}

func newRow(image string, res ocr.OCRResult) Row {
	return Row{
		Image:            image,
		Strategy:         res.StrategyUsed,
		Success:          res.Success,
		ReadingKWh:       res.ReadingKWh,
		Confidence:       res.Confidence,
		ProcessingTimeMs: res.ProcessingTimeMs,
		MeterType:        res.MeterType,
		Error:            res.ErrorMessage,
	}
}
