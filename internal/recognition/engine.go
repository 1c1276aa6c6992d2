package recognition

import (
	"context"
	"image"
	"strings"
)

// PageSegMode mirrors the Tesseract page segmentation modes the strategies use.
type PageSegMode int

const (
	PSMAuto        PageSegMode = 3
	PSMSingleBlock PageSegMode = 6
	PSMSingleLine  PageSegMode = 7
	PSMSingleWord  PageSegMode = 8
	PSMSparseText  PageSegMode = 11
)

// DigitWhitelist restricts the engine to what a meter display can show.
const DigitWhitelist = "0123456789.,"

// RecognizeOptions tune one engine call.
type RecognizeOptions struct {
	PageSegMode PageSegMode
	Whitelist   string
}

// Symbol is one recognized character.
type Symbol struct {
	Text       string
	Confidence float64 // 0-100
	Box        image.Rectangle
	// Line identifies the text line; symbols on different lines never join.
	Line int
	Word int
}

// EngineResult is everything the engine recognized in one image, in reading order.
type EngineResult struct {
	Symbols []Symbol
}

// Text concatenates the symbols, separating words with a space and lines with a newline.
func (r *EngineResult) Text() string {
	var sb strings.Builder
	for i, s := range r.Symbols {
		if i > 0 {
			prev := r.Symbols[i-1]
			switch {
			case prev.Line != s.Line:
				sb.WriteByte('\n')
			case prev.Word != s.Word:
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(s.Text)
	}
	return sb.String()
}

// Engine is a general-purpose character recognizer.
type Engine interface {
	Recognize(ctx context.Context, img image.Image, opts RecognizeOptions) (*EngineResult, error)
}
