package ocr

import (
	"image"

	"github.com/adverant/nexus/meterread-worker/internal/logging"
	"github.com/adverant/nexus/meterread-worker/internal/preprocess"
)

// MeterDetector classifies a photo. Implementations never fail: anything
// they cannot classify is MeterUnknown.
type MeterDetector interface {
	Detect(imagePath string) MeterType
}

// detectWidth is the working width of the classifier.
const detectWidth = 320

// HeuristicDetector classifies from histogram shape and the geometry of the
// largest bright blob.
type HeuristicDetector struct {
	logger *logging.Logger
}

// NewHeuristicDetector creates the detector.
func NewHeuristicDetector(logger *logging.Logger) *HeuristicDetector {
	if logger == nil {
		logger = logging.Nop()
	}
	return &HeuristicDetector{logger: logger}
}

// Detect implements MeterDetector.
func (d *HeuristicDetector) Detect(imagePath string) (t MeterType) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("Meter detection panicked", "path", imagePath, "panic", rec)
			t = MeterUnknown
		}
	}()

	img, err := preprocess.Load(imagePath)
	if err != nil {
		d.logger.Debug("Meter detection skipped", "path", imagePath, "error", err)
		return MeterUnknown
	}

	t = ClassifyImage(preprocess.Downscale(preprocess.Grayscale(img), detectWidth))
	d.logger.Debug("Meter type detected", "path", imagePath, "meter_type", t)
	return t
}

// ClassifyImage applies the detection rules to a gray image:
//
//  1. a histogram without two clear classes is unknown;
//  2. a frame shaped like a digit strip is a cropped seven-segment display,
//     LCD when mostly bright, LED otherwise;
//  3. a solid bright rectangle of display proportions is a digital LCD panel;
//  4. a mostly dark frame whose bright parts are not rectangular is a
//     mechanical register;
//  5. anything else is unknown.
func ClassifyImage(img *image.Gray) MeterType {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return MeterUnknown
	}

	stats := preprocess.ComputeStats(img)
	if stats.Bimodality < 0.5 {
		return MeterUnknown
	}

	if a := float64(b.Dx()) / float64(b.Dy()); a >= 2.5 && a <= 8 {
		if stats.BrightFraction >= 0.5 {
			return MeterSevenSegmentLCD
		}
		return MeterSevenSegmentLED
	}

	comps := preprocess.Components(preprocess.Binarize(img, preprocess.ThresholdOtsu))
	if len(comps) == 0 {
		return MeterUnknown
	}
	largest := comps[0]
	frame := float64(b.Dx() * b.Dy())
	share := float64(largest.Box.Dx()*largest.Box.Dy()) / frame

	if largest.Fill() >= 0.6 {
		if a := largest.Aspect(); a >= 2 && a <= 6 && share >= 0.02 && share <= 0.5 {
			return MeterDigitalLCD
		}
		return MeterUnknown
	}

	if stats.BrightFraction < 0.35 {
		return MeterMechanical
	}
	return MeterUnknown
}
