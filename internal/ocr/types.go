// Package ocr is the single entry point for reading a meter photo: it picks a
// strategy (explicitly or from the detected meter type), runs it, gates the
// result on confidence and walks the fallback chain. Every entry point turns
// failures into an OCRResult instead of returning an error.
package ocr

import (
	"fmt"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
)

// StrategyID names a recognition strategy. StrategyAuto is resolved through
// the detector and never runs by itself.
type StrategyID string

const (
	StrategyAuto         StrategyID = "auto"
	StrategyBasic        StrategyID = "basic"
	StrategyAdvanced     StrategyID = "advanced"
	StrategySevenSegment StrategyID = "seven_segment"
	StrategySimple       StrategyID = "simple"
	StrategyTemplate     StrategyID = "template"
)

// ConcreteStrategies lists every runnable strategy in benchmark order.
var ConcreteStrategies = []StrategyID{
	StrategyBasic,
	StrategyAdvanced,
	StrategySevenSegment,
	StrategySimple,
	StrategyTemplate,
}

// ParseStrategyID validates s.
func ParseStrategyID(s string) (StrategyID, error) {
	id := StrategyID(s)
	if id == StrategyAuto || id.Concrete() {
		return id, nil
	}
	return "", errors.NewUnknownStrategyError(s)
}

// Concrete reports whether id names a runnable strategy.
func (id StrategyID) Concrete() bool {
	for _, c := range ConcreteStrategies {
		if c == id {
			return true
		}
	}
	return false
}

// MeterType is the coarse visual class of a meter display.
type MeterType string

const (
	MeterMechanical      MeterType = "mechanical"
	MeterDigitalLCD      MeterType = "digital_lcd"
	MeterSevenSegmentLED MeterType = "seven_segment_led"
	MeterSevenSegmentLCD MeterType = "seven_segment_lcd"
	MeterUnknown         MeterType = "unknown"
)

// OCRResult is the outcome of one extraction. Success implies ReadingKWh is set.
type OCRResult struct {
	ReadingKWh       *float64         `json:"reading_kwh"`
	Confidence       float64          `json:"confidence"`
	StrategyUsed     StrategyID       `json:"strategy_used"`
	MeterType        *MeterType       `json:"meter_type"`
	ProcessingTimeMs float64          `json:"processing_time_ms"`
	Success          bool             `json:"success"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	ErrorCode        errors.ErrorCode `json:"error_code,omitempty"`
	Digits           string           `json:"digits,omitempty"`
	// Attempts counts the strategies executed to produce this result.
	Attempts int `json:"attempts"`
}

// Reading returns the extracted value and whether there is one.
func (r OCRResult) Reading() (float64, bool) {
	if r.ReadingKWh == nil {
		return 0, false
	}
	return *r.ReadingKWh, true
}

func (r OCRResult) String() string {
	if v, ok := r.Reading(); ok {
		return fmt.Sprintf("%s: %.1f kWh (%.1f%%)", r.StrategyUsed, v, r.Confidence)
	}
	return fmt.Sprintf("%s: failed (%s)", r.StrategyUsed, r.ErrorMessage)
}

// BenchmarkReport holds one result per concrete strategy for a single image.
// BestStrategy is the most confident successful strategy, nil if none succeeded.
type BenchmarkReport struct {
	ImagePath      string                   `json:"image_path"`
	Results        map[StrategyID]OCRResult `json:"results"`
	BestStrategy   *StrategyID              `json:"best_strategy"`
	BestConfidence float64                  `json:"best_confidence"`
	TotalTimeMs    float64                  `json:"total_time_ms"`
}
