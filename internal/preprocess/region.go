package preprocess

import (
	"image"
	"sort"
)

// Component is a 4-connected group of foreground pixels.
type Component struct {
	Box  image.Rectangle
	Area int
}

// Aspect returns width divided by height of the bounding box.
func (c Component) Aspect() float64 {
	if c.Box.Dy() == 0 {
		return 0
	}
	return float64(c.Box.Dx()) / float64(c.Box.Dy())
}

// Fill returns the share of the bounding box covered by the component.
func (c Component) Fill() float64 {
	boxArea := c.Box.Dx() * c.Box.Dy()
	if boxArea == 0 {
		return 0
	}
	return float64(c.Area) / float64(boxArea)
}

// Components labels the non-zero pixels of mask, largest first.
func Components(mask *image.Gray) []Component {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	visited := make([]bool, w*h)
	queue := make([]int, 0, 256)
	var comps []Component

	for start := 0; start < w*h; start++ {
		sx, sy := start%w, start/w
		if visited[start] || mask.Pix[sy*mask.Stride+sx] == 0 {
			continue
		}
		visited[start] = true
		queue = append(queue[:0], start)
		box := image.Rect(sx, sy, sx+1, sy+1)
		area := 0

		for len(queue) > 0 {
			p := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := p%w, p/w
			area++
			if x < box.Min.X {
				box.Min.X = x
			}
			if x+1 > box.Max.X {
				box.Max.X = x + 1
			}
			if y < box.Min.Y {
				box.Min.Y = y
			}
			if y+1 > box.Max.Y {
				box.Max.Y = y + 1
			}

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				idx := ny*w + nx
				if visited[idx] || mask.Pix[ny*mask.Stride+nx] == 0 {
					continue
				}
				visited[idx] = true
				queue = append(queue, idx)
			}
		}
		comps = append(comps, Component{Box: box, Area: area})
	}

	sort.SliceStable(comps, func(i, j int) bool { return comps[i].Area > comps[j].Area })
	return comps
}

// OrientForeground inverts img when the bright Otsu class is the majority, so
// glyphs come out light on dark whether the display is LCD or LED.
func OrientForeground(img *image.Gray) *image.Gray {
	if ComputeStats(img).BrightFraction > 0.5 {
		return Invert(img)
	}
	return img
}

// ForegroundMask binarizes img with glyph pixels set to 255.
func ForegroundMask(img *image.Gray) *image.Gray {
	return Binarize(OrientForeground(img), ThresholdOtsu)
}

// ForegroundBounds returns the box spanned by rows and columns holding more
// than minCount foreground pixels. ok is false for an empty mask.
func ForegroundBounds(mask *image.Gray, minCount int) (box image.Rectangle, ok bool) {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	cols := make([]int, w)
	rows := make([]int, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if mask.Pix[y*mask.Stride+x] != 0 {
				cols[x]++
				rows[y]++
			}
		}
	}

	x0, x1 := span(cols, minCount)
	y0, y1 := span(rows, minCount)
	if x0 >= x1 || y0 >= y1 {
		return image.Rectangle{}, false
	}
	return image.Rect(x0, y0, x1, y1), true
}

func span(counts []int, minCount int) (int, int) {
	lo, hi := -1, -1
	for i, c := range counts {
		if c > minCount {
			if lo < 0 {
				lo = i
			}
			hi = i + 1
		}
	}
	if lo < 0 {
		return 0, 0
	}
	return lo, hi
}

// Run is a half-open interval of columns.
type Run struct {
	Start, End int
}

// Width of the run.
func (r Run) Width() int { return r.End - r.Start }

// ColumnRuns splits box into maximal runs of columns that hold foreground.
func ColumnRuns(mask *image.Gray, box image.Rectangle) []Run {
	var runs []Run
	start := -1
	for x := box.Min.X; x < box.Max.X; x++ {
		lit := false
		for y := box.Min.Y; y < box.Max.Y; y++ {
			if mask.Pix[y*mask.Stride+x] != 0 {
				lit = true
				break
			}
		}
		switch {
		case lit && start < 0:
			start = x
		case !lit && start >= 0:
			runs = append(runs, Run{Start: start, End: x})
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, Run{Start: start, End: box.Max.X})
	}
	return runs
}

// RowExtent returns the first and last+1 rows of run that hold foreground.
func RowExtent(mask *image.Gray, run Run, rows Run) Run {
	top, bottom := -1, -1
	for y := rows.Start; y < rows.End; y++ {
		for x := run.Start; x < run.End; x++ {
			if mask.Pix[y*mask.Stride+x] != 0 {
				if top < 0 {
					top = y
				}
				bottom = y + 1
				break
			}
		}
	}
	if top < 0 {
		return Run{}
	}
	return Run{Start: top, End: bottom}
}

const regionSearchWidth = 640

// FindDisplayRegion looks for the largest high-contrast rectangular blob with
// a display-like aspect ratio (between 2:1 and 5:1). Both the bright and the
// dark class of the Otsu split are searched so LCD panels and LED windows are
// found alike. The returned box is in img coordinates.
func FindDisplayRegion(img *image.Gray) (image.Rectangle, bool) {
	b := img.Bounds()
	if b.Dx() < 16 || b.Dy() < 8 {
		return image.Rectangle{}, false
	}

	work := Downscale(img, regionSearchWidth)
	scale := float64(b.Dx()) / float64(work.Bounds().Dx())

	bright := Binarize(work, ThresholdOtsu)
	frameArea := work.Bounds().Dx() * work.Bounds().Dy()

	var best Component
	for _, mask := range []*image.Gray{bright, Invert(bright)} {
		for _, c := range Components(mask) {
			if c.Area*100 < frameArea {
				break
			}
			// a blob covering the whole frame is background, not a display
			if c.Box.Dx()*c.Box.Dy()*10 > frameArea*9 {
				continue
			}
			if a := c.Aspect(); a < 2 || a > 5 {
				continue
			}
			if c.Fill() < 0.5 {
				continue
			}
			if c.Area > best.Area {
				best = c
			}
			break
		}
	}
	if best.Area == 0 {
		return image.Rectangle{}, false
	}

	box := image.Rect(
		int(float64(best.Box.Min.X)*scale),
		int(float64(best.Box.Min.Y)*scale),
		int(float64(best.Box.Max.X)*scale+0.5),
		int(float64(best.Box.Max.Y)*scale+0.5),
	)
	return Pad(box, 0.02, image.Rect(0, 0, b.Dx(), b.Dy())), true
}
