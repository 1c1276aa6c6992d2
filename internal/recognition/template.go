package recognition

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
	"github.com/adverant/nexus/meterread-worker/internal/preprocess"
)

// Template cell size; every digit cell is scaled to this before matching.
const (
	templateW      = 20
	templateH      = 40
	templateStroke = 3
)

// TemplateSet holds the reference bitmaps of every digit, white glyph on
// black. A digit may have several variants, for instance one per meter model.
type TemplateSet struct {
	digits [10][]*image.Gray
}

// SyntheticTemplates renders the ten seven-segment digits.
func SyntheticTemplates() *TemplateSet {
	ts := &TemplateSet{}
	for d := range ts.digits {
		ts.digits[d] = []*image.Gray{renderDigit(d, templateW, templateH, templateStroke)}
	}
	return ts
}

// Len returns the number of reference bitmaps across all digits.
func (ts *TemplateSet) Len() int {
	n := 0
	for _, variants := range ts.digits {
		n += len(variants)
	}
	return n
}

// LoadTemplates starts from the synthetic set and replaces the variants of
// every digit for which dir holds a "<digit>.png" or "<digit>_<name>.png".
// An empty dir yields the synthetic set.
func LoadTemplates(dir string) (*TemplateSet, error) {
	ts := SyntheticTemplates()
	if dir == "" {
		return ts, nil
	}

	for d := range ts.digits {
		paths, err := templatePaths(dir, d)
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			continue
		}

		variants := make([]*image.Gray, 0, len(paths))
		for _, path := range paths {
			img, err := preprocess.Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load template %s: %w", path, err)
			}
			fg := preprocess.OrientForeground(preprocess.Grayscale(img))
			variants = append(variants, preprocess.ResizeExact(fg, templateW, templateH))
		}
		ts.digits[d] = variants
	}
	return ts, nil
}

// templatePaths lists the template files of digit d in dir, "<d>.png" first
// and the named variants in lexical order.
func templatePaths(dir string, d int) ([]string, error) {
	var paths []string
	plain := filepath.Join(dir, fmt.Sprintf("%d.png", d))
	if _, err := os.Stat(plain); err == nil {
		paths = append(paths, plain)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat template %s: %w", plain, err)
	}

	named, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("%d_*.png", d)))
	if err != nil {
		return nil, fmt.Errorf("invalid template dir %s: %w", dir, err)
	}
	return append(paths, named...), nil
}

// Template matches every digit cell of a tightly cropped display against the
// reference bitmaps with normalized cross-correlation. It assumes the image
// is already cropped to the digit strip and does not search for the display.
type Template struct {
	format    DisplayFormat
	templates *TemplateSet
}

// NewTemplate creates the template strategy. A nil set selects the synthetic templates.
func NewTemplate(format DisplayFormat, templates *TemplateSet) *Template {
	if templates == nil {
		templates = SyntheticTemplates()
	}
	return &Template{format: format, templates: templates}
}

// Name implements Strategy.
func (s *Template) Name() string { return NameTemplate }

// Extract implements Strategy.
func (s *Template) Extract(ctx context.Context, req Request) (Reading, error) {
	return guard(NameTemplate, func() (Reading, error) {
		p := preprocess.Trace(req.Sink, NameTemplate)
		gray, err := loadGray(req, p)
		if err != nil {
			return Reading{}, err
		}

		fg := p.Stage("foreground", preprocess.OrientForeground(gray))
		mask := p.Stage("otsu", preprocess.Binarize(fg, preprocess.ThresholdOtsu))
		box, ok := preprocess.ForegroundBounds(mask, 0)
		if !ok {
			return Reading{}, errors.NewNoDigitsError(NameTemplate)
		}

		cells := digitCells(mask, box, s.format.Digits())
		digits := make([]byte, len(cells))
		var total float64
		for i, cell := range cells {
			d, score := s.match(
				preprocess.ResizeExact(preprocess.CropRegion(mask, cell), templateW, templateH),
				preprocess.ResizeExact(preprocess.CropRegion(fg, cell), templateW, templateH),
			)
			digits[i] = byte('0' + d)
			total += score
		}

		value, err := s.format.Parse(NameTemplate, string(digits))
		if err != nil {
			return Reading{}, err
		}
		confidence := total / float64(len(cells)) * 100
		return newReading(NameTemplate, value, confidence, string(digits))
	})
}

// match returns the best digit for a cell and its score in [0,1]. The score
// blends the correlation of the binarized cell (0.8) with that of the gray
// cell (0.2), so lighting gradients weigh less than glyph shape. A digit
// scores as its best matching variant.
func (s *Template) match(binary, gray *image.Gray) (int, float64) {
	best, bestScore := 0, math.Inf(-1)
	for d, variants := range s.templates.digits {
		for _, tmpl := range variants {
			score := 0.8*ncc(binary, tmpl) + 0.2*ncc(gray, tmpl)
			if score > bestScore {
				best, bestScore = d, score
			}
		}
	}
	return best, math.Max(bestScore, 0)
}

// ncc is the zero-mean normalized cross-correlation of two equally sized
// images, in [-1,1]. Flat inputs correlate with nothing and score 0.
func ncc(a, b *image.Gray) float64 {
	n := len(a.Pix)
	if n == 0 || n != len(b.Pix) {
		return 0
	}

	var ma, mb float64
	for i := 0; i < n; i++ {
		ma += float64(a.Pix[i])
		mb += float64(b.Pix[i])
	}
	ma /= float64(n)
	mb /= float64(n)

	var num, da, db float64
	for i := 0; i < n; i++ {
		x := float64(a.Pix[i]) - ma
		y := float64(b.Pix[i]) - mb
		num += x * y
		da += x * x
		db += y * y
	}
	if da == 0 || db == 0 {
		return 0
	}
	return num / math.Sqrt(da*db)
}
