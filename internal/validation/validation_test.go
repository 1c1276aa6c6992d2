package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func daysAgo(reading float64, days float64) *Previous {
	return &Previous{ReadingKWh: reading, Timestamp: now.Add(-time.Duration(days * 24 * float64(time.Hour)))}
}

func TestValidate(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name        string
		reading     float64
		confidence  float64
		previous    *Previous
		wantValid   bool
		wantReason  string
		wantQuality Quality
		wantWarn    int
	}{
		{name: "confident first reading", reading: 7783.2, confidence: 93, wantValid: true},
		{name: "confidence too low", reading: 7783.2, confidence: 29.9, wantReason: "OCR confidence too low (29.9)"},
		{name: "negative", reading: -1, confidence: 90, wantReason: "reading -1.0 out of valid range"},
		{name: "too large", reading: 1000000, confidence: 90, wantReason: "reading 1000000.0 out of valid range"},
		{name: "decrease", reading: 7700, confidence: 90, previous: daysAgo(7783.2, 1), wantReason: "reading decreased from 7783.2 to 7700.0"},
		{name: "normal usage", reading: 7813.2, confidence: 90, previous: daysAgo(7783.2, 2), wantValid: true, wantQuality: QualityNormal},
		{name: "no usage", reading: 7783.2, confidence: 90, previous: daysAgo(7783.2, 2), wantValid: true, wantQuality: QualityAcceptable},
		{name: "high usage", reading: 7783.2 + 120, confidence: 90, previous: daysAgo(7783.2, 1), wantValid: true, wantQuality: QualityAcceptable, wantWarn: 1},
		{name: "extreme usage", reading: 7783.2 + 200, confidence: 90, previous: daysAgo(7783.2, 1), wantValid: true, wantQuality: QualitySuspicious, wantWarn: 1},
		{name: "jump with doubtful confidence", reading: 7783.2 + 120, confidence: 80, previous: daysAgo(7783.2, 1), wantReason: "suspicious daily increase: 120.0 kWh/day"},
		{name: "back to back readings", reading: 7790, confidence: 90, previous: daysAgo(7783.2, 0), wantValid: true, wantQuality: QualityNormal},
		{name: "short low confidence reading", reading: 42, confidence: 60, wantValid: true, wantWarn: 1},
		{name: "misread low confidence reading", reading: 777777, confidence: 60, wantValid: true, wantWarn: 1},
		{name: "misread confident reading", reading: 777777, confidence: 75, wantValid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := v.Validate(tt.reading, tt.confidence, tt.previous, now)
			assert.Equal(t, tt.wantValid, out.Valid)
			assert.Equal(t, tt.wantReason, out.Reason)
			if !tt.wantValid {
				return
			}
			assert.Equal(t, tt.wantQuality, out.Details.Quality)
			assert.Len(t, out.Details.Warnings, tt.wantWarn)
		})
	}
}

func TestValidateRecordsChecks(t *testing.T) {
	v := NewValidator()

	out := v.Validate(7800, 90, daysAgo(7783.2, 1), now)
	require.True(t, out.Valid)
	assert.Equal(t, []string{CheckRange, CheckHistorical}, out.Details.Checks)
	require.NotNil(t, out.Details.DailyIncrease)
	assert.InDelta(t, 16.8, *out.Details.DailyIncrease, 1e-6)
	assert.Equal(t, LevelHigh, out.Details.ConfidenceLevel)

	out = v.Validate(7800, 90, nil, now)
	assert.Equal(t, []string{CheckRange}, out.Details.Checks)
	assert.Nil(t, out.Details.DailyIncrease)
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, LevelHigh, LevelOf(85))
	assert.Equal(t, LevelMedium, LevelOf(70))
	assert.Equal(t, LevelLow, LevelOf(50))
	assert.Equal(t, LevelVeryLow, LevelOf(49.9))
}

func TestLooksMisread(t *testing.T) {
	tests := map[float64]bool{
		777777:   true,
		111111.1: true,
		123123:   true,
		1212:     true,
		7783.2:   false,
		121212:   false,
		5:        true,
	}
	for reading, want := range tests {
		assert.Equal(t, want, LooksMisread(reading), "%v", reading)
	}
}

func TestSuggestManualReview(t *testing.T) {
	v := NewValidator()

	assert.True(t, v.SuggestManualReview(69, Details{}))
	assert.False(t, v.SuggestManualReview(70, Details{Quality: QualityNormal}))
	assert.True(t, v.SuggestManualReview(90, Details{Warnings: []string{"x"}}))
	assert.True(t, v.SuggestManualReview(90, Details{Quality: QualitySuspicious}))
}
