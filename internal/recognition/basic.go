package recognition

import (
	"context"

	"github.com/adverant/nexus/meterread-worker/internal/preprocess"
)

// Basic reads the whole frame after a contrast stretch and sharpening.
// Works best on high-contrast mechanical counters.
type Basic struct {
	engine Engine
	format DisplayFormat
}

// NewBasic creates the basic strategy.
func NewBasic(engine Engine, format DisplayFormat) *Basic {
	return &Basic{engine: engine, format: format}
}

// Name implements Strategy.
func (s *Basic) Name() string { return NameBasic }

// Extract implements Strategy.
func (s *Basic) Extract(ctx context.Context, req Request) (Reading, error) {
	return guard(NameBasic, func() (Reading, error) {
		p := preprocess.Trace(req.Sink, NameBasic)
		gray, err := loadGray(req, p)
		if err != nil {
			return Reading{}, err
		}

		enhanced := p.Stage("contrast", preprocess.EnhanceContrast(gray, 2.0))
		sharp := p.Stage("sharpen", preprocess.Sharpen(enhanced))
		sharp = upscale(sharp, p)

		return recognize(ctx, s.engine, sharp, RecognizeOptions{
			PageSegMode: PSMSingleBlock,
			Whitelist:   DigitWhitelist,
		}, s.format, NameBasic)
	})
}
