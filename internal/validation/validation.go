// Package validation decides whether an extracted reading is plausible enough
// to store, given its confidence and the previous reading of the same meter.
package validation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Confidence levels, on the 0-100 scale of OCR results.
const (
	HighConfidence   = 85.0
	MediumConfidence = 70.0
	LowConfidence    = 50.0
	RejectConfidence = 30.0
)

// Level buckets a confidence score.
type Level string

const (
	LevelHigh    Level = "high"
	LevelMedium  Level = "medium"
	LevelLow     Level = "low"
	LevelVeryLow Level = "very_low"
)

// LevelOf returns the bucket of confidence.
func LevelOf(confidence float64) Level {
	switch {
	case confidence >= HighConfidence:
		return LevelHigh
	case confidence >= MediumConfidence:
		return LevelMedium
	case confidence >= LowConfidence:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

// Quality grades the consumption implied by a reading.
type Quality string

const (
	QualityNormal     Quality = "normal"
	QualityAcceptable Quality = "acceptable"
	QualitySuspicious Quality = "suspicious"
)

// Check names recorded in Details.Checks.
const (
	CheckRange      = "basic_range"
	CheckHistorical = "historical_comparison"
)

// Previous is the last stored reading of the meter.
type Previous struct {
	ReadingKWh float64
	Timestamp  time.Time
}

// Details records what was checked and what looked odd.
type Details struct {
	ConfidenceLevel Level    `json:"confidence_level"`
	Checks          []string `json:"checks_performed"`
	Warnings        []string `json:"warnings,omitempty"`
	DailyIncrease   *float64 `json:"daily_increase,omitempty"`
	Quality         Quality  `json:"reading_quality,omitempty"`
}

// Outcome is the verdict on one reading.
type Outcome struct {
	Valid   bool    `json:"valid"`
	Reason  string  `json:"reason,omitempty"`
	Details Details `json:"details"`
}

// Validator applies the plausibility rules. The zero value is not usable;
// use NewValidator.
type Validator struct {
	MaxReading        float64
	MaxDailyIncrease  float64
	TypicalDailyUsage float64
	// MinDays bounds the elapsed time so back-to-back readings do not explode
	// the daily rate.
	MinDays float64
}

// NewValidator returns a validator tuned for a household meter.
func NewValidator() *Validator {
	return &Validator{
		MaxReading:        999999,
		MaxDailyIncrease:  100,
		TypicalDailyUsage: 30,
		MinDays:           0.1,
	}
}

// Validate checks reading against confidence and, when previous is set, the
// consumption since then as of now.
func (v *Validator) Validate(reading, confidence float64, previous *Previous, now time.Time) Outcome {
	d := Details{ConfidenceLevel: LevelOf(confidence), Checks: []string{}}
	reject := func(format string, args ...interface{}) Outcome {
		return Outcome{Reason: fmt.Sprintf(format, args...), Details: d}
	}

	if confidence < RejectConfidence {
		return reject("OCR confidence too low (%.1f)", confidence)
	}

	if reading < 0 || reading > v.MaxReading {
		return reject("reading %.1f out of valid range", reading)
	}
	d.Checks = append(d.Checks, CheckRange)

	if previous != nil {
		days := math.Max(now.Sub(previous.Timestamp).Hours()/24, v.MinDays)
		increase := reading - previous.ReadingKWh
		daily := increase / days

		d.Checks = append(d.Checks, CheckHistorical)
		d.DailyIncrease = &daily

		if increase < 0 {
			return reject("reading decreased from %.1f to %.1f", previous.ReadingKWh, reading)
		}

		if daily > v.MaxDailyIncrease {
			if confidence < HighConfidence {
				return reject("suspicious daily increase: %.1f kWh/day", daily)
			}
			d.Warnings = append(d.Warnings, fmt.Sprintf("unusually high usage: %.1f kWh/day", daily))
		}

		switch {
		case daily > 0 && daily < v.TypicalDailyUsage*3:
			d.Quality = QualityNormal
		case daily > v.TypicalDailyUsage*5:
			d.Quality = QualitySuspicious
		default:
			d.Quality = QualityAcceptable
		}
	}

	if confidence < MediumConfidence {
		if len(strconv.FormatInt(int64(reading), 10)) < 4 {
			d.Warnings = append(d.Warnings, "unusually low reading value")
		}
		if LooksMisread(reading) {
			d.Warnings = append(d.Warnings, "potential OCR misread detected")
		}
	}

	return Outcome{Valid: true, Details: d}
}

// SuggestManualReview reports whether a human should confirm the reading.
func (v *Validator) SuggestManualReview(confidence float64, d Details) bool {
	return confidence < MediumConfidence || len(d.Warnings) > 0 || d.Quality == QualitySuspicious
}

// LooksMisread flags digit strings typical of recognizer failures: a single
// repeated digit (777777) or two identical halves (123123).
func LooksMisread(reading float64) bool {
	s := strconv.FormatFloat(reading, 'f', -1, 64)

	digits := strings.ReplaceAll(s, ".", "")
	if strings.Count(digits, digits[:1]) == len(digits) {
		return true
	}

	if len(s) >= 4 {
		half := len(s) / 2
		if s[:half] == s[half:2*half] {
			return true
		}
	}
	return false
}
