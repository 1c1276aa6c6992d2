// Package recognition turns a meter photo into a reading. Each strategy owns
// its preprocessing recipe and digit recognizer; all share the display format
// parsing rule.
package recognition

import (
	"context"
	"image"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/preprocess"
)

// Strategy names, as reported in errors and debug stage names.
const (
	NameBasic        = "basic"
	NameAdvanced     = "advanced"
	NameSevenSegment = "seven_segment"
	NameSimple       = "simple"
	NameTemplate     = "template"
)

// minOCRWidth is the width engine input is upscaled to when smaller.
const minOCRWidth = 800

// Request is one extraction call.
type Request struct {
	ImagePath string
	// Sink receives intermediate images; nil disables debug output.
	Sink preprocess.Sink
}

// Reading is a successfully extracted value.
type Reading struct {
	Value      float64
	Confidence float64 // (0,100]
	Digits     string
}

// Strategy converts an image into a reading. On failure it returns an error
// and a zero Reading; it never panics past Extract.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, req Request) (Reading, error)
}

// guard runs fn and converts a panic into a STRATEGY_PANIC error.
func guard(name string, fn func() (Reading, error)) (r Reading, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = Reading{}, errors.NewStrategyPanicError(name, rec)
		}
	}()

	r, err = fn()
	if err != nil {
		return Reading{}, err
	}
	return r, nil
}

// loadGray decodes the request image and reports the grayscale stage.
func loadGray(req Request, p *preprocess.Pipeline) (*image.Gray, error) {
	img, err := preprocess.Load(req.ImagePath)
	if err != nil {
		return nil, err
	}
	return p.Stage("grayscale", preprocess.Grayscale(img)), nil
}

// upscale brings narrow images up to minOCRWidth; the engine misses small glyphs.
func upscale(img *image.Gray, p *preprocess.Pipeline) *image.Gray {
	if img.Bounds().Dx() >= minOCRWidth {
		return img
	}
	return p.Stage("resize", preprocess.Resize(img, minOCRWidth))
}

// recognize runs the engine over img and parses the result.
func recognize(ctx context.Context, engine Engine, img image.Image, opts RecognizeOptions, format DisplayFormat, strategy string) (Reading, error) {
	res, err := engine.Recognize(ctx, img, opts)
	if err != nil {
		return Reading{}, err
	}
	return format.ReadSymbols(strategy, res.Symbols)
}
