/**
 * Tesseract engine
 *
 * Generic character recognizer behind the basic, advanced and simple
 * strategies. Every call gets its own gosseract client, so one Engine can
 * serve concurrent extractions.
 */

package tesseract

import (
	"context"
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/preprocess"
	"github.com/adverant/nexus/meterread-worker/internal/recognition"
)

// Config holds Tesseract configuration
type Config struct {
	// TesseractPath is checked for existence when set; the library itself is linked in.
	TesseractPath  string
	TessdataPrefix string
	Language       string
}

// Engine implements recognition.Engine with gosseract
type Engine struct {
	cfg Config
}

// NewEngine creates a new Tesseract engine
func NewEngine(cfg Config) *Engine {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	return &Engine{cfg: cfg}
}

// Available reports why the engine cannot run, or nil.
func (e *Engine) Available() error {
	if e.cfg.TesseractPath != "" {
		if _, err := os.Stat(e.cfg.TesseractPath); err != nil {
			return errors.NewEngineUnavailableError("tesseract", err)
		}
	}
	if e.cfg.TessdataPrefix != "" {
		if _, err := os.Stat(e.cfg.TessdataPrefix); err != nil {
			return errors.NewEngineUnavailableError("tesseract", err)
		}
	}
	return nil
}

// Version returns the linked libtesseract version.
func (e *Engine) Version() string {
	return gosseract.Version()
}

// Recognize runs Tesseract over img and returns per-symbol results
func (e *Engine) Recognize(ctx context.Context, img image.Image, opts recognition.RecognizeOptions) (*recognition.EngineResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.Available(); err != nil {
		return nil, err
	}

	data, err := preprocess.EncodePNG(img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()

	if e.cfg.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(e.cfg.TessdataPrefix); err != nil {
			return nil, errors.NewEngineUnavailableError("tesseract", err)
		}
	}
	if err := client.SetLanguage(e.cfg.Language); err != nil {
		return nil, errors.NewEngineUnavailableError("tesseract", err)
	}
	if opts.PageSegMode != 0 {
		if err := client.SetPageSegMode(gosseract.PageSegMode(opts.PageSegMode)); err != nil {
			return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
		}
	}
	if opts.Whitelist != "" {
		if err := client.SetWhitelist(opts.Whitelist); err != nil {
			return nil, fmt.Errorf("failed to set whitelist: %w", err)
		}
	}

	if err := client.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_SYMBOL)
	if err != nil {
		// initialization failures (missing traineddata) surface here
		if strings.Contains(err.Error(), "init") {
			return nil, errors.NewEngineUnavailableError("tesseract", err)
		}
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	result := &recognition.EngineResult{Symbols: make([]recognition.Symbol, 0, len(boxes))}
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		result.Symbols = append(result.Symbols, recognition.Symbol{
			Text:       text,
			Confidence: b.Confidence,
			Box:        b.Box,
			Line:       b.BlockNum*1_000_000 + b.ParNum*1_000 + b.LineNum,
			Word:       b.WordNum,
		})
	}
	return result, nil
}
