package ocr

import (
	"context"
	"image"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/recognition"
)

// fakeStrategy returns a fixed outcome and counts its calls.
type fakeStrategy struct {
	name    string
	reading recognition.Reading
	err     error
	panics  bool
	stage   bool

	mu    sync.Mutex
	calls int
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Extract(_ context.Context, req recognition.Request) (recognition.Reading, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.panics {
		panic("boom")
	}
	if f.stage && req.Sink != nil {
		req.Sink.Save(f.name+"_stage", image.NewGray(image.Rect(0, 0, 4, 4)))
	}
	return f.reading, f.err
}

func (f *fakeStrategy) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func succeeding(name string, value, confidence float64) *fakeStrategy {
	return &fakeStrategy{name: name, reading: recognition.Reading{Value: value, Confidence: confidence, Digits: "00077832"}}
}

func failing(name string) *fakeStrategy {
	return &fakeStrategy{name: name, err: errors.NewNoDigitsError(name)}
}

type fixedDetector MeterType

func (d fixedDetector) Detect(string) MeterType { return MeterType(d) }

// table holds the fakes by id so tests can inspect them after the run.
type table map[StrategyID]*fakeStrategy

func (t table) strategies() map[StrategyID]recognition.Strategy {
	out := make(map[StrategyID]recognition.Strategy, len(t))
	for id, s := range t {
		out[id] = s
	}
	return out
}

func (t table) calls() map[StrategyID]int {
	out := make(map[StrategyID]int, len(t))
	for id, s := range t {
		out[id] = s.callCount()
	}
	return out
}

func newTestOrchestrator(t table, opts ...Option) *Orchestrator {
	opts = append([]Option{WithLogger(logging.Nop()), WithDetector(fixedDetector(MeterUnknown))}, opts...)
	return NewOrchestrator(DefaultConfig(), t.strategies(), opts...)
}

func TestExtractReading(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		o := newTestOrchestrator(table{StrategyBasic: succeeding("basic", 7783.2, 91)})

		r := o.ExtractReading(context.Background(), "meter.jpg", StrategyBasic)
		require.True(t, r.Success)
		v, ok := r.Reading()
		require.True(t, ok)
		assert.InDelta(t, 7783.2, v, 1e-9)
		assert.InDelta(t, 91, r.Confidence, 1e-9)
		assert.Equal(t, StrategyBasic, r.StrategyUsed)
		assert.Equal(t, "00077832", r.Digits)
		assert.Nil(t, r.MeterType, "explicit strategies skip detection")
		assert.Empty(t, r.ErrorMessage)
		assert.GreaterOrEqual(t, r.ProcessingTimeMs, 0.0)
	})

	t.Run("failure becomes data", func(t *testing.T) {
		o := newTestOrchestrator(table{StrategyTemplate: failing("template")})

		r := o.ExtractReading(context.Background(), "meter.jpg", StrategyTemplate)
		assert.False(t, r.Success)
		assert.Nil(t, r.ReadingKWh)
		assert.Zero(t, r.Confidence)
		assert.Equal(t, errors.ErrorNoDigits, r.ErrorCode)
		assert.Contains(t, r.ErrorMessage, "no reading extracted")
	})

	t.Run("panic is recovered", func(t *testing.T) {
		o := newTestOrchestrator(table{StrategySimple: {name: "simple", panics: true}})

		var r OCRResult
		assert.NotPanics(t, func() { r = o.ExtractReading(context.Background(), "meter.jpg", StrategySimple) })
		assert.False(t, r.Success)
		assert.Equal(t, errors.ErrorStrategyPanic, r.ErrorCode)
	})

	t.Run("unregistered strategy", func(t *testing.T) {
		o := newTestOrchestrator(table{})

		r := o.ExtractReading(context.Background(), "meter.jpg", StrategyAdvanced)
		assert.False(t, r.Success)
		assert.Equal(t, errors.ErrorUnknownStrategy, r.ErrorCode)
	})
}

func TestExtractReadingAuto(t *testing.T) {
	tests := []struct {
		meterType MeterType
		want      StrategyID
	}{
		{MeterMechanical, StrategyBasic},
		{MeterDigitalLCD, StrategyAdvanced},
		{MeterSevenSegmentLED, StrategySevenSegment},
		{MeterSevenSegmentLCD, StrategyTemplate},
		{MeterUnknown, StrategySimple},
	}

	for _, tt := range tests {
		t.Run(string(tt.meterType), func(t *testing.T) {
			fakes := table{}
			for _, id := range ConcreteStrategies {
				fakes[id] = succeeding(string(id), 1, 60)
			}
			o := newTestOrchestrator(fakes, WithDetector(fixedDetector(tt.meterType)))

			r := o.ExtractReading(context.Background(), "meter.jpg", StrategyAuto)
			assert.Equal(t, tt.want, r.StrategyUsed)
			require.NotNil(t, r.MeterType)
			assert.Equal(t, tt.meterType, *r.MeterType)
			assert.Equal(t, 1, fakes[tt.want].callCount())
		})
	}
}

func TestAutoUnknownFallsToSimpleAndFails(t *testing.T) {
	fakes := table{StrategySimple: failing("simple")}
	o := newTestOrchestrator(fakes)

	r := o.ExtractReading(context.Background(), "meter.jpg", StrategyAuto)
	assert.Equal(t, StrategySimple, r.StrategyUsed)
	assert.False(t, r.Success)
	assert.Nil(t, r.ReadingKWh)
}

func allStrategies(conf map[StrategyID]float64) table {
	fakes := table{}
	for _, id := range ConcreteStrategies {
		c, ok := conf[id]
		if !ok || c == 0 {
			fakes[id] = failing(string(id))
			continue
		}
		fakes[id] = succeeding(string(id), c*10, c)
	}
	return fakes
}

func TestProcessWithFallback(t *testing.T) {
	t.Run("primary clears threshold", func(t *testing.T) {
		fakes := allStrategies(map[StrategyID]float64{StrategySevenSegment: 85, StrategyTemplate: 99})
		o := newTestOrchestrator(fakes)

		r := o.ProcessWithFallback(context.Background(), "meter.jpg", StrategySevenSegment, 70)
		assert.Equal(t, StrategySevenSegment, r.StrategyUsed)
		assert.InDelta(t, 85, r.Confidence, 1e-9)
		assert.Equal(t, 1, r.Attempts)
		assert.Equal(t, map[StrategyID]int{
			StrategyBasic: 0, StrategyAdvanced: 0, StrategySevenSegment: 1, StrategySimple: 0, StrategyTemplate: 0,
		}, fakes.calls())
	})

	t.Run("unreachable threshold returns best attempt", func(t *testing.T) {
		fakes := allStrategies(map[StrategyID]float64{
			StrategySevenSegment: 85, StrategyTemplate: 40, StrategyAdvanced: 88, StrategyBasic: 20,
		})
		o := newTestOrchestrator(fakes)

		r := o.ProcessWithFallback(context.Background(), "meter.jpg", StrategySevenSegment, 95)
		assert.True(t, r.Success, "below threshold is still an extraction")
		assert.Equal(t, StrategyAdvanced, r.StrategyUsed)
		assert.InDelta(t, 88, r.Confidence, 1e-9)
		assert.Equal(t, len(ConcreteStrategies), r.Attempts)
		for id, n := range fakes.calls() {
			assert.Equal(t, 1, n, id)
		}
	})

	t.Run("stops at first strategy clearing threshold", func(t *testing.T) {
		fakes := allStrategies(map[StrategyID]float64{StrategyBasic: 30, StrategyTemplate: 60, StrategySevenSegment: 75, StrategyAdvanced: 99})
		o := newTestOrchestrator(fakes)

		r := o.ProcessWithFallback(context.Background(), "meter.jpg", StrategyBasic, 70)
		assert.Equal(t, StrategySevenSegment, r.StrategyUsed)
		assert.Equal(t, 3, r.Attempts)
		assert.Zero(t, fakes[StrategyAdvanced].callCount())
		assert.Zero(t, fakes[StrategySimple].callCount())
	})

	t.Run("ties keep the earliest attempt", func(t *testing.T) {
		fakes := allStrategies(map[StrategyID]float64{StrategyBasic: 40, StrategyTemplate: 40, StrategySimple: 40})
		o := newTestOrchestrator(fakes)

		r := o.ProcessWithFallback(context.Background(), "meter.jpg", StrategyBasic, 90)
		assert.Equal(t, StrategyBasic, r.StrategyUsed)
	})

	t.Run("nothing succeeds", func(t *testing.T) {
		fakes := allStrategies(nil)
		o := newTestOrchestrator(fakes)

		r := o.ProcessWithFallback(context.Background(), "meter.jpg", StrategyTemplate, 50)
		assert.False(t, r.Success)
		assert.Nil(t, r.ReadingKWh)
		assert.Equal(t, StrategyTemplate, r.StrategyUsed, "the primary failure is the earliest")
		assert.Equal(t, len(ConcreteStrategies), r.Attempts)
	})

	t.Run("zero threshold never falls back", func(t *testing.T) {
		for _, primary := range []float64{0, 12} {
			fakes := allStrategies(map[StrategyID]float64{StrategyBasic: primary, StrategyTemplate: 99})
			o := newTestOrchestrator(fakes)

			r := o.ProcessWithFallback(context.Background(), "meter.jpg", StrategyBasic, 0)
			assert.Equal(t, StrategyBasic, r.StrategyUsed)
			assert.Zero(t, fakes[StrategyTemplate].callCount())
		}
	})

	t.Run("auto primary keeps meter type", func(t *testing.T) {
		fakes := allStrategies(map[StrategyID]float64{StrategyAdvanced: 20, StrategyTemplate: 90})
		o := newTestOrchestrator(fakes, WithDetector(fixedDetector(MeterDigitalLCD)))

		r := o.ProcessWithFallback(context.Background(), "meter.jpg", StrategyAuto, 50)
		assert.Equal(t, StrategyTemplate, r.StrategyUsed)
		require.NotNil(t, r.MeterType)
		assert.Equal(t, MeterDigitalLCD, *r.MeterType)
		assert.Equal(t, 1, fakes[StrategyAdvanced].callCount(), "resolved primary is not retried")
	})

	t.Run("cancelled context stops the chain", func(t *testing.T) {
		fakes := allStrategies(map[StrategyID]float64{StrategyBasic: 20, StrategyTemplate: 99})
		o := newTestOrchestrator(fakes)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		r := o.ProcessWithFallback(ctx, "meter.jpg", StrategyBasic, 50)
		assert.Equal(t, StrategyBasic, r.StrategyUsed)
		assert.Equal(t, 1, r.Attempts)
		assert.Zero(t, fakes[StrategyTemplate].callCount())
	})
}

func TestFallbackNeverLosesConfidence(t *testing.T) {
	confidences := []map[StrategyID]float64{
		{StrategyBasic: 10, StrategyAdvanced: 20, StrategySevenSegment: 30, StrategySimple: 40, StrategyTemplate: 50},
		{StrategyBasic: 90, StrategyAdvanced: 20},
		{StrategySimple: 61},
		{},
	}

	for _, conf := range confidences {
		for _, primary := range ConcreteStrategies {
			o := newTestOrchestrator(allStrategies(conf))
			r := o.ProcessWithFallback(context.Background(), "meter.jpg", primary, 100)

			var want float64
			for _, c := range conf {
				want = math.Max(want, c)
			}
			assert.InDelta(t, want, r.Confidence, 1e-9)
		}
	}
}

func TestProcessUsesConfiguration(t *testing.T) {
	fakes := allStrategies(map[StrategyID]float64{StrategyBasic: 20, StrategyTemplate: 90})

	cfg := DefaultConfig()
	cfg.DefaultStrategy = StrategyBasic
	cfg.EnableFallback = false
	o := NewOrchestrator(cfg, fakes.strategies(), WithLogger(logging.Nop()))
	r := o.Process(context.Background(), "meter.jpg")
	assert.Equal(t, StrategyBasic, r.StrategyUsed)

	cfg.EnableFallback = true
	o = NewOrchestrator(cfg, fakes.strategies(), WithLogger(logging.Nop()))
	r = o.Process(context.Background(), "meter.jpg")
	assert.Equal(t, StrategyTemplate, r.StrategyUsed)
}

func TestFallbackOrderIsConfigurable(t *testing.T) {
	t.Run("configured strategies go first", func(t *testing.T) {
		fakes := allStrategies(map[StrategyID]float64{StrategySimple: 80, StrategyTemplate: 80})

		cfg := DefaultConfig()
		cfg.FallbackOrder = []StrategyID{StrategySimple, StrategyTemplate}
		o := NewOrchestrator(cfg, fakes.strategies(), WithLogger(logging.Nop()))

		r := o.ProcessWithFallback(context.Background(), "meter.jpg", StrategyBasic, 50)
		assert.Equal(t, StrategySimple, r.StrategyUsed)
		assert.Equal(t, 2, r.Attempts)
		assert.Zero(t, fakes[StrategyTemplate].callCount())
	})

	t.Run("partial order still tries every strategy", func(t *testing.T) {
		fakes := allStrategies(map[StrategyID]float64{StrategySimple: 80, StrategyAdvanced: 85})

		cfg := DefaultConfig()
		cfg.FallbackOrder = []StrategyID{StrategySimple, StrategyTemplate}
		o := NewOrchestrator(cfg, fakes.strategies(), WithLogger(logging.Nop()))
		assert.Equal(t, []StrategyID{StrategySimple, StrategyTemplate, StrategySevenSegment, StrategyAdvanced, StrategyBasic}, o.Config().FallbackOrder)

		r := o.ProcessWithFallback(context.Background(), "meter.jpg", StrategyBasic, 95)
		assert.Equal(t, len(ConcreteStrategies), r.Attempts)
		assert.Equal(t, StrategyAdvanced, r.StrategyUsed)
		for id, n := range fakes.calls() {
			assert.Equal(t, 1, n, "strategy %s", id)
		}
	})
}

func TestBenchmarkStrategies(t *testing.T) {
	fakes := allStrategies(map[StrategyID]float64{StrategyBasic: 40, StrategyTemplate: 93, StrategySimple: 93})
	detector := &countingDetector{}
	o := newTestOrchestrator(fakes, WithDetector(detector))

	report := o.BenchmarkStrategies(context.Background(), "meter.jpg")
	require.Len(t, report.Results, len(ConcreteStrategies))
	for _, id := range ConcreteStrategies {
		assert.Equal(t, id, report.Results[id].StrategyUsed)
	}
	_, hasAuto := report.Results[StrategyAuto]
	assert.False(t, hasAuto)

	require.NotNil(t, report.BestStrategy)
	assert.Equal(t, StrategySimple, *report.BestStrategy, "ties go to the earlier strategy in benchmark order")
	assert.InDelta(t, 93, report.BestConfidence, 1e-9)
	assert.Zero(t, detector.count())
	for id, n := range fakes.calls() {
		assert.Equal(t, 1, n, id)
	}
}

func TestBenchmarkWithoutSuccess(t *testing.T) {
	o := newTestOrchestrator(allStrategies(nil))

	report := o.BenchmarkStrategies(context.Background(), "meter.jpg")
	assert.Nil(t, report.BestStrategy)
	assert.Zero(t, report.BestConfidence)
	assert.Len(t, report.Results, len(ConcreteStrategies))
}

type countingDetector struct {
	mu sync.Mutex
	n  int
}

func (d *countingDetector) Detect(string) MeterType {
	d.mu.Lock()
	d.n++
	d.mu.Unlock()
	return MeterUnknown
}

func (d *countingDetector) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func TestDebugModeWritesStages(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DebugMode = true
	cfg.DebugDir = dir
	fake := succeeding("basic", 1, 70)
	fake.stage = true
	o := NewOrchestrator(cfg, table{StrategyBasic: fake}.strategies(), WithLogger(logging.Nop()))

	o.ExtractReading(context.Background(), "meter.jpg", StrategyBasic)
	o.ExtractReading(context.Background(), "meter.jpg", StrategyBasic)

	calls, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, calls, 2, "every call gets its own directory")
	stages, err := os.ReadDir(filepath.Join(dir, calls[0].Name()))
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "001_basic_stage.png", stages[0].Name())
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusCollector("test", reg)
	fakes := allStrategies(map[StrategyID]float64{StrategyTemplate: 90})
	o := newTestOrchestrator(fakes, WithMetrics(metrics))

	o.ProcessWithFallback(context.Background(), "meter.jpg", StrategyAuto, 50)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.detections.WithLabelValues("unknown")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.attempts.WithLabelValues("simple", "false")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.attempts.WithLabelValues("template", "true")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.fallbacks.WithLabelValues("simple", "template")), 1e-9)
}

func TestResultsAreDeterministic(t *testing.T) {
	o := newTestOrchestrator(allStrategies(map[StrategyID]float64{StrategyBasic: 66}))

	a := o.ExtractReading(context.Background(), "meter.jpg", StrategyBasic)
	b := o.ExtractReading(context.Background(), "meter.jpg", StrategyBasic)
	assert.Equal(t, a.ReadingKWh, b.ReadingKWh)
	assert.Equal(t, a.Confidence, b.Confidence)
}
