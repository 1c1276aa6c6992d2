package recognition

import (
	"context"
	"image"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/preprocess"
)

type variant struct {
	name  string
	apply func(*image.Gray) *image.Gray
}

var simpleVariants = []variant{
	{"gray", func(g *image.Gray) *image.Gray { return g }},
	{"contrast", func(g *image.Gray) *image.Gray { return preprocess.EnhanceContrast(g, 1.5) }},
	{"contrast_strong", func(g *image.Gray) *image.Gray { return preprocess.EnhanceContrast(g, 2.5) }},
	{"otsu", func(g *image.Gray) *image.Gray { return preprocess.Binarize(g, preprocess.ThresholdOtsu) }},
	{"otsu_inv", func(g *image.Gray) *image.Gray {
		return preprocess.Invert(preprocess.Binarize(g, preprocess.ThresholdOtsu))
	}},
	{"adaptive", func(g *image.Gray) *image.Gray { return preprocess.Binarize(g, preprocess.ThresholdAdaptive) }},
}

var simpleModes = []PageSegMode{PSMSingleLine, PSMSingleBlock, PSMSparseText}

// Simple tries every preprocessing variant with several segmentation modes
// and keeps the most confident reading. Slow, but copes with poor lighting.
type Simple struct {
	engine Engine
	format DisplayFormat
}

// NewSimple creates the exhaustive strategy.
func NewSimple(engine Engine, format DisplayFormat) *Simple {
	return &Simple{engine: engine, format: format}
}

// Name implements Strategy.
func (s *Simple) Name() string { return NameSimple }

// Extract implements Strategy.
func (s *Simple) Extract(ctx context.Context, req Request) (Reading, error) {
	return guard(NameSimple, func() (Reading, error) {
		p := preprocess.Trace(req.Sink, NameSimple)
		gray, err := loadGray(req, p)
		if err != nil {
			return Reading{}, err
		}
		gray = upscale(gray, p)

		var best Reading
		var failure error
		for _, v := range simpleVariants {
			img := p.Stage(v.name, v.apply(gray))
			// nearly black or white frames carry no glyphs
			if m := preprocess.Mean(img); m < 10 || m > 245 {
				continue
			}

			for _, mode := range simpleModes {
				if err := ctx.Err(); err != nil {
					return s.settle(best, err)
				}

				r, err := recognize(ctx, s.engine, img, RecognizeOptions{
					PageSegMode: mode,
					Whitelist:   DigitWhitelist,
				}, s.format, NameSimple)
				if err != nil {
					if errors.CodeOf(err) == errors.ErrorEngineUnavailable {
						return Reading{}, err
					}
					// a wrong digit count says more than "nothing found"
					if failure == nil || errors.CodeOf(err) == errors.ErrorDigitCountMismatch {
						failure = err
					}
					continue
				}
				if r.Confidence > best.Confidence {
					best = r
				}
			}
		}

		if failure == nil {
			failure = errors.NewNoDigitsError(NameSimple)
		}
		return s.settle(best, failure)
	})
}

func (s *Simple) settle(best Reading, failure error) (Reading, error) {
	if best.Confidence > 0 {
		return best, nil
	}
	return Reading{}, failure
}
