package preprocess

import "image"

// ThresholdMode selects how Binarize picks the cut-off.
type ThresholdMode int

const (
	// ThresholdFixed cuts at mid-gray.
	ThresholdFixed ThresholdMode = iota
	// ThresholdOtsu picks the global threshold maximizing between-class variance.
	ThresholdOtsu
	// ThresholdAdaptive compares every pixel with the mean of its neighbourhood.
	ThresholdAdaptive
)

func (m ThresholdMode) String() string {
	switch m {
	case ThresholdOtsu:
		return "otsu"
	case ThresholdAdaptive:
		return "adaptive"
	default:
		return "fixed"
	}
}

const (
	adaptiveBlock  = 25
	adaptiveOffset = 7
)

// Binarize maps img to pure black and white. Bright pixels become 255.
func Binarize(img *image.Gray, mode ThresholdMode) *image.Gray {
	switch mode {
	case ThresholdOtsu:
		return threshold(img, OtsuThreshold(Histogram(img)))
	case ThresholdAdaptive:
		return AdaptiveThreshold(img, adaptiveBlock, adaptiveOffset)
	default:
		return threshold(img, 127)
	}
}

func threshold(img *image.Gray, t uint8) *image.Gray {
	out := image.NewGray(img.Rect)
	for i, v := range img.Pix {
		if v > t {
			out.Pix[i] = 255
		}
	}
	return out
}

// Histogram counts pixels per intensity.
func Histogram(img *image.Gray) [256]int {
	var hist [256]int
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		for _, v := range img.Pix[y*img.Stride : y*img.Stride+b.Dx()] {
			hist[v]++
		}
	}
	return hist
}

// OtsuThreshold returns the intensity t such that splitting into <= t and > t
// maximizes the between-class variance.
func OtsuThreshold(hist [256]int) uint8 {
	t, _ := otsu(hist)
	return t
}

// otsu returns the threshold and the between-class variance it achieves.
func otsu(hist [256]int) (uint8, float64) {
	total := 0
	var sum float64
	for i, c := range hist {
		total += c
		sum += float64(i * c)
	}
	if total == 0 {
		return 127, 0
	}

	var sumB float64
	var wB int
	var best float64
	var bestT uint8 = 127
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF) / float64(total) / float64(total)
		if between > best {
			best = between
			bestT = uint8(t)
		}
	}
	return bestT, best
}

// AdaptiveThreshold marks a pixel bright when it exceeds the mean of the
// block x block window around it minus offset.
func AdaptiveThreshold(img *image.Gray, block, offset int) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	if w == 0 || h == 0 {
		return out
	}
	if block < 3 {
		block = 3
	}
	half := block / 2

	// summed-area table with a zero row and column
	integral := make([]int64, (w+1)*(h+1))
	for y := 0; y < h; y++ {
		var rowSum int64
		for x := 0; x < w; x++ {
			rowSum += int64(img.Pix[y*img.Stride+x])
			integral[(y+1)*(w+1)+x+1] = integral[y*(w+1)+x+1] + rowSum
		}
	}

	for y := 0; y < h; y++ {
		y0, y1 := max(y-half, 0), min(y+half+1, h)
		for x := 0; x < w; x++ {
			x0, x1 := max(x-half, 0), min(x+half+1, w)
			area := int64((y1 - y0) * (x1 - x0))
			s := integral[y1*(w+1)+x1] - integral[y0*(w+1)+x1] - integral[y1*(w+1)+x0] + integral[y0*(w+1)+x0]
			if int64(img.Pix[y*img.Stride+x])*area > s-int64(offset)*area {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}
