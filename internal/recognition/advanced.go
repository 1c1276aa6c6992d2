package recognition

import (
	"context"
	"image"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/preprocess"
)

// Advanced locates the display panel before reading it, so housing, labels
// and background clutter never reach the engine. Falls back to the full
// frame when no panel is found or the panel yields nothing.
type Advanced struct {
	engine Engine
	format DisplayFormat
}

// NewAdvanced creates the advanced strategy.
func NewAdvanced(engine Engine, format DisplayFormat) *Advanced {
	return &Advanced{engine: engine, format: format}
}

// Name implements Strategy.
func (s *Advanced) Name() string { return NameAdvanced }

// Extract implements Strategy.
func (s *Advanced) Extract(ctx context.Context, req Request) (Reading, error) {
	return guard(NameAdvanced, func() (Reading, error) {
		p := preprocess.Trace(req.Sink, NameAdvanced)
		gray, err := loadGray(req, p)
		if err != nil {
			return Reading{}, err
		}

		if region, ok := preprocess.FindDisplayRegion(gray); ok {
			crop := p.Stage("region", preprocess.CropRegion(gray, region))
			r, err := s.read(ctx, crop, p)
			if err == nil || errors.CodeOf(err) == errors.ErrorEngineUnavailable {
				return r, err
			}
		}

		return s.read(ctx, gray, p)
	})
}

// read binarizes img as dark glyphs on a light background and runs the
// engine in single-line mode.
func (s *Advanced) read(ctx context.Context, img *image.Gray, p *preprocess.Pipeline) (Reading, error) {
	img = upscale(img, p)
	if preprocess.ComputeStats(img).BrightFraction < 0.5 {
		img = p.Stage("invert", preprocess.Invert(img))
	}
	enhanced := p.Stage("contrast", preprocess.EnhanceContrast(img, 1.5))
	binary := p.Stage("adaptive", preprocess.Binarize(enhanced, preprocess.ThresholdAdaptive))

	return recognize(ctx, s.engine, binary, RecognizeOptions{
		PageSegMode: PSMSingleLine,
		Whitelist:   DigitWhitelist,
	}, s.format, NameAdvanced)
}
