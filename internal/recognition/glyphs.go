package recognition

import "image"

// Segment indices: top, top-right, bottom-right, bottom, bottom-left,
// top-left, middle.
const numSegments = 7

type segmentPattern [numSegments]bool

// digitPatterns lists the lit segments of 0-9.
var digitPatterns = [10]segmentPattern{
	{true, true, true, true, true, true, false},     // 0
	{false, true, true, false, false, false, false}, // 1
	{true, true, false, true, true, false, true},    // 2
	{true, true, true, true, false, false, true},    // 3
	{false, true, true, false, false, true, true},   // 4
	{true, false, true, true, false, true, true},    // 5
	{true, false, true, true, true, true, true},     // 6
	{true, true, true, false, false, false, false},  // 7
	{true, true, true, true, true, true, true},      // 8
	{true, true, true, true, false, true, true},     // 9
}

// segmentProbes are the sampling windows of each segment as fractions of a
// digit cell: y1, y2, x1, x2.
var segmentProbes = [numSegments][4]float64{
	{0.00, 0.20, 0.20, 0.80}, // top
	{0.10, 0.45, 0.70, 1.00}, // top-right
	{0.55, 0.90, 0.70, 1.00}, // bottom-right
	{0.80, 1.00, 0.20, 0.80}, // bottom
	{0.55, 0.90, 0.00, 0.30}, // bottom-left
	{0.10, 0.45, 0.00, 0.30}, // top-left
	{0.45, 0.55, 0.20, 0.80}, // middle
}

// segmentRects lays out the seven bars of a w x h digit drawn with stroke t.
func segmentRects(w, h, t int) [numSegments]image.Rectangle {
	mid := h / 2
	return [numSegments]image.Rectangle{
		image.Rect(t, 0, w-t, t),
		image.Rect(w-t, t, w, mid),
		image.Rect(w-t, mid, w, h-t),
		image.Rect(t, h-t, w-t, h),
		image.Rect(0, mid, t, h-t),
		image.Rect(0, t, t, mid),
		image.Rect(t, mid-t/2, w-t, mid-t/2+t),
	}
}

// drawDigit paints digit d at origin with white bars onto dst.
func drawDigit(dst *image.Gray, origin image.Point, d, w, h, t int) {
	rects := segmentRects(w, h, t)
	for i, on := range digitPatterns[d] {
		if !on {
			continue
		}
		r := rects[i].Add(origin).Intersect(dst.Rect)
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				dst.Pix[y*dst.Stride+x] = 255
			}
		}
	}
}

// renderDigit draws d as white segments on black.
func renderDigit(d, w, h, t int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	drawDigit(img, image.Point{}, d, w, h, t)
	return img
}
