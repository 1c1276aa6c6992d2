package ocr

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/preprocess"
	"github.com/adverant/nexus/meterread-worker/internal/recognition"
)

// Orchestrator selects, runs and falls back between recognition strategies.
// It holds no per-call state and is safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	strategies map[StrategyID]recognition.Strategy
	detector   MeterDetector
	logger     *logging.Logger
	metrics    MetricsCollector
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDetector replaces the heuristic meter detector.
func WithDetector(d MeterDetector) Option {
	return func(o *Orchestrator) { o.detector = d }
}

// NewStrategies builds the five concrete strategies. engine serves the
// strategies that need a generic recognizer; templates may be nil.
func NewStrategies(engine recognition.Engine, format recognition.DisplayFormat, templates *recognition.TemplateSet) map[StrategyID]recognition.Strategy {
	return map[StrategyID]recognition.Strategy{
		StrategyBasic:        recognition.NewBasic(engine, format),
		StrategyAdvanced:     recognition.NewAdvanced(engine, format),
		StrategySevenSegment: recognition.NewSevenSegment(format),
		StrategySimple:       recognition.NewSimple(engine, format),
		StrategyTemplate:     recognition.NewTemplate(format, templates),
	}
}

// NewOrchestrator creates an orchestrator over strategies. The configuration
// and the strategy table are copied. Concrete strategies missing from the
// fallback order are appended in DefaultFallbackOrder order.
func NewOrchestrator(cfg Config, strategies map[StrategyID]recognition.Strategy, opts ...Option) *Orchestrator {
	cfg.FallbackOrder = completeOrder(cfg.FallbackOrder)
	table := make(map[StrategyID]recognition.Strategy, len(strategies))
	for id, s := range strategies {
		table[id] = s
	}

	o := &Orchestrator{
		cfg:        cfg,
		strategies: table,
		metrics:    noopMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NewLogger("orchestrator")
	}
	if o.detector == nil {
		o.detector = NewHeuristicDetector(o.logger)
	}
	return o
}

// Config returns a copy of the orchestrator configuration.
func (o *Orchestrator) Config() Config {
	cfg := o.cfg
	cfg.FallbackOrder = append([]StrategyID(nil), o.cfg.FallbackOrder...)
	return cfg
}

// Process reads imagePath with the configured default strategy, walking the
// fallback chain when fallback is enabled.
func (o *Orchestrator) Process(ctx context.Context, imagePath string) OCRResult {
	if o.cfg.EnableFallback {
		return o.ProcessWithFallback(ctx, imagePath, o.cfg.DefaultStrategy, o.cfg.ConfidenceThreshold)
	}
	return o.ExtractReading(ctx, imagePath, o.cfg.DefaultStrategy)
}

// ExtractReading runs a single strategy. StrategyAuto first detects the
// meter type and records it in the result.
func (o *Orchestrator) ExtractReading(ctx context.Context, imagePath string, strategy StrategyID) OCRResult {
	var meterType *MeterType
	if strategy == StrategyAuto {
		t := o.detector.Detect(imagePath)
		o.metrics.RecordDetection(t)
		meterType = &t
		strategy = StrategyForMeterType(t)
		o.logger.Debug("Auto strategy resolved", "path", imagePath, "meter_type", t, "strategy", strategy)
	}

	result := o.run(ctx, imagePath, strategy)
	result.MeterType = meterType
	return result
}

// ProcessWithFallback runs primary and, unless its confidence reaches
// threshold, the remaining strategies in fallback order. It returns the
// first result reaching threshold, or the most confident attempt (earliest on
// ties) once the chain is exhausted or ctx is done.
func (o *Orchestrator) ProcessWithFallback(ctx context.Context, imagePath string, primary StrategyID, threshold float64) OCRResult {
	start := time.Now()
	best := o.ExtractReading(ctx, imagePath, primary)
	meterType := best.MeterType
	attempts := 1
	if best.Confidence >= threshold {
		best.Attempts = attempts
		return best
	}

	tried := map[StrategyID]bool{best.StrategyUsed: true}
	previous := best.StrategyUsed
	for _, next := range o.cfg.FallbackOrder {
		if tried[next] {
			continue
		}
		if err := ctx.Err(); err != nil {
			o.logger.Warn("Fallback chain interrupted", "path", imagePath, "attempts", attempts, "error", err)
			break
		}
		tried[next] = true

		o.logger.Info("Falling back to next strategy",
			"path", imagePath,
			"from", previous,
			"to", next,
			"confidence", best.Confidence,
			"threshold", threshold,
		)
		o.metrics.RecordFallback(previous, next)

		r := o.run(ctx, imagePath, next)
		attempts++
		previous = next
		if r.Confidence > best.Confidence {
			best = r
		}
		if r.Confidence >= threshold {
			break
		}
	}

	if best.Confidence < threshold {
		o.logger.Info("Fallback chain exhausted",
			"path", imagePath,
			"best_strategy", best.StrategyUsed,
			"best_confidence", best.Confidence,
			"attempts", attempts,
			"total_ms", msSince(start),
		)
	}
	best.MeterType = meterType
	best.Attempts = attempts
	return best
}

// BenchmarkStrategies runs every concrete strategy on imagePath in parallel
// and reports all results. It never consults the detector or the fallback chain.
func (o *Orchestrator) BenchmarkStrategies(ctx context.Context, imagePath string) BenchmarkReport {
	start := time.Now()
	results := make([]OCRResult, len(ConcreteStrategies))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ConcreteStrategies {
		i, id := i, id
		g.Go(func() error {
			results[i] = o.run(gctx, imagePath, id)
			return nil
		})
	}
	_ = g.Wait() // workers never fail

	report := BenchmarkReport{
		ImagePath: imagePath,
		Results:   make(map[StrategyID]OCRResult, len(results)),
	}
	for i, id := range ConcreteStrategies {
		r := results[i]
		report.Results[id] = r
		if !r.Success {
			continue
		}
		if report.BestStrategy == nil || r.Confidence > report.BestConfidence {
			best := id
			report.BestStrategy = &best
			report.BestConfidence = r.Confidence
		}
	}
	report.TotalTimeMs = msSince(start)

	o.logger.Info("Benchmark completed",
		"path", imagePath,
		"best_strategy", report.BestStrategy,
		"best_confidence", report.BestConfidence,
		"total_ms", report.TotalTimeMs,
	)
	return report
}

// run executes one concrete strategy and converts the outcome into a result.
func (o *Orchestrator) run(ctx context.Context, imagePath string, id StrategyID) (result OCRResult) {
	start := time.Now()
	result = OCRResult{StrategyUsed: id, Attempts: 1}

	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("Strategy panicked", "strategy", id, "path", imagePath, "panic", rec)
			result = failed(id, errors.NewStrategyPanicError(string(id), rec))
		}
		result.ProcessingTimeMs = msSince(start)
		o.metrics.RecordAttempt(id, result.Success, time.Since(start))
		if result.Success {
			o.metrics.RecordConfidence(id, result.Confidence)
		}
		o.logger.Debug("Strategy attempt",
			"strategy", id,
			"path", imagePath,
			"success", result.Success,
			"confidence", result.Confidence,
			"duration_ms", result.ProcessingTimeMs,
		)
	}()

	strategy, ok := o.strategies[id]
	if !ok {
		return failed(id, errors.NewUnknownStrategyError(string(id)))
	}

	req := recognition.Request{ImagePath: imagePath}
	if o.cfg.DebugMode {
		sink := preprocess.NewDirSink(o.cfg.DebugDir, o.logger)
		req.Sink = sink
		o.logger.Debug("Writing debug stages", "strategy", id, "dir", sink.Dir())
	}

	reading, err := strategy.Extract(ctx, req)
	if err != nil {
		return failed(id, err)
	}

	value := reading.Value
	return OCRResult{
		ReadingKWh:   &value,
		Confidence:   reading.Confidence,
		StrategyUsed: id,
		Success:      true,
		Digits:       reading.Digits,
		Attempts:     1,
	}
}

func failed(id StrategyID, err error) OCRResult {
	return OCRResult{
		StrategyUsed: id,
		ErrorMessage: fmt.Sprintf("no reading extracted: %v", err),
		ErrorCode:    errors.CodeOf(err),
		Attempts:     1,
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
