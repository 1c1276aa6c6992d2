package recognition

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

// fakeEngine answers every Recognize call through respond and records the calls.
type fakeEngine struct {
	mu      sync.Mutex
	respond func(call int) (*EngineResult, error)
	opts    []RecognizeOptions
	bounds  []image.Rectangle
}

func (f *fakeEngine) Recognize(_ context.Context, img image.Image, opts RecognizeOptions) (*EngineResult, error) {
	f.mu.Lock()
	call := len(f.opts)
	f.opts = append(f.opts, opts)
	f.bounds = append(f.bounds, img.Bounds())
	f.mu.Unlock()
	return f.respond(call)
}

func (f *fakeEngine) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opts)
}

// answer returns a fixed text for every call.
func answer(text string, confidence float64) *fakeEngine {
	return &fakeEngine{respond: func(int) (*EngineResult, error) {
		return symbolsOf(text, confidence), nil
	}}
}

// symbolsOf splits text into one symbol per character; spaces start new
// words and newlines new lines.
func symbolsOf(text string, confidence float64) *EngineResult {
	res := &EngineResult{}
	for li, line := range strings.Split(text, "\n") {
		for wi, word := range strings.Fields(line) {
			for _, c := range word {
				res.Symbols = append(res.Symbols, Symbol{Text: string(c), Confidence: confidence, Line: li, Word: wi})
			}
		}
	}
	return res
}

// renderStrip draws a seven-segment display. dotAfter >= 0 adds a decimal
// point after that digit index. lightOnDark selects LED style.
func renderStrip(digits string, w, h, t, gap, margin, dotAfter int, lightOnDark bool) *image.Gray {
	width := len(digits)*w + (len(digits)-1)*gap + 2*margin
	img := image.NewGray(image.Rect(0, 0, width, h+2*margin))

	for i, c := range digits {
		x := margin + i*(w+gap)
		drawDigit(img, image.Pt(x, margin), int(c-'0'), w, h, t)
		if i == dotAfter {
			dot := image.Rect(x+w+(gap-t)/2, margin+h-t, x+w+(gap-t)/2+t, margin+h)
			for y := dot.Min.Y; y < dot.Max.Y; y++ {
				for xx := dot.Min.X; xx < dot.Max.X; xx++ {
					img.Pix[y*img.Stride+xx] = 255
				}
			}
		}
	}

	if !lightOnDark {
		for i, v := range img.Pix {
			img.Pix[i] = 255 - v
		}
	}
	return img
}

// uniform returns a w x h image filled with v.
func uniform(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// gradient returns a horizontal ramp from dark to light.
func gradient(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[y*img.Stride+x] = uint8(40 + x*170/w)
		}
	}
	return img
}

func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meter.png")
	require.NoError(t, imaging.Save(img, path))
	return path
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
