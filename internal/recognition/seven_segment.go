package recognition

import (
	"context"
	"image"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/preprocess"
)

// segmentOnRatio is the share of lit pixels above which a segment counts as on.
const segmentOnRatio = 0.30

// SevenSegment decodes segmented LED/LCD digits structurally: the digit strip
// is cut into one cell per digit and every cell's lit segments are looked up
// in the pattern table. Confidence is the share of cells matching a pattern exactly.
type SevenSegment struct {
	format DisplayFormat
}

// NewSevenSegment creates the seven-segment strategy.
func NewSevenSegment(format DisplayFormat) *SevenSegment {
	return &SevenSegment{format: format}
}

// Name implements Strategy.
func (s *SevenSegment) Name() string { return NameSevenSegment }

// Extract implements Strategy.
func (s *SevenSegment) Extract(ctx context.Context, req Request) (Reading, error) {
	return guard(NameSevenSegment, func() (Reading, error) {
		p := preprocess.Trace(req.Sink, NameSevenSegment)
		gray, err := loadGray(req, p)
		if err != nil {
			return Reading{}, err
		}

		strip := gray
		if a := aspect(gray.Bounds()); a < 2 || a > 10 {
			if region, ok := preprocess.FindDisplayRegion(gray); ok {
				strip = p.Stage("region", preprocess.CropRegion(gray, region))
			}
		}

		mask := p.Stage("mask", preprocess.ForegroundMask(strip))
		box, ok := preprocess.ForegroundBounds(mask, 0)
		if !ok {
			return Reading{}, errors.NewNoDigitsError(NameSevenSegment)
		}

		digits, matched := s.decode(mask, box)
		if matched == 0 {
			return Reading{}, errors.NewNoDigitsError(NameSevenSegment)
		}

		value, err := s.format.Parse(NameSevenSegment, digits)
		if err != nil {
			return Reading{}, err
		}
		confidence := float64(matched) / float64(s.format.Digits()) * 100
		return newReading(NameSevenSegment, value, confidence, digits)
	})
}

// decode classifies every digit cell of box and counts exact matches.
func (s *SevenSegment) decode(mask *image.Gray, box image.Rectangle) (string, int) {
	cells := digitCells(mask, box, s.format.Digits())
	digits := make([]byte, len(cells))
	matched := 0

	for i, cell := range cells {
		d, exact := classifySegments(readSegments(mask, cell))
		digits[i] = byte('0' + d)
		if exact {
			matched++
		}
	}
	return string(digits), matched
}

// readSegments samples the seven probes of cell.
func readSegments(mask *image.Gray, cell image.Rectangle) segmentPattern {
	var pattern segmentPattern
	w, h := float64(cell.Dx()), float64(cell.Dy())
	for i, probe := range segmentProbes {
		r := image.Rect(
			cell.Min.X+int(probe[2]*w), cell.Min.Y+int(probe[0]*h),
			cell.Min.X+int(probe[3]*w), cell.Min.Y+int(probe[1]*h),
		).Intersect(mask.Rect)
		if r.Empty() {
			continue
		}
		lit := 0
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				if mask.Pix[y*mask.Stride+x] != 0 {
					lit++
				}
			}
		}
		pattern[i] = float64(lit)/float64(r.Dx()*r.Dy()) > segmentOnRatio
	}
	return pattern
}

// classifySegments returns the digit whose pattern equals p. Without an exact
// match it returns the nearest pattern by Hamming distance (lowest digit on
// ties) and exact=false.
func classifySegments(p segmentPattern) (digit int, exact bool) {
	bestDist := numSegments + 1
	for d, want := range digitPatterns {
		dist := 0
		for i := range want {
			if want[i] != p[i] {
				dist++
			}
		}
		if dist == 0 {
			return d, true
		}
		if dist < bestDist {
			bestDist, digit = dist, d
		}
	}
	return digit, false
}

func aspect(r image.Rectangle) float64 {
	if r.Dy() == 0 {
		return 0
	}
	return float64(r.Dx()) / float64(r.Dy())
}
