package preprocess

import "image"

// Stats summarizes the intensity distribution of a gray image.
type Stats struct {
	Mean float64
	// Threshold is the Otsu cut-off of the histogram.
	Threshold uint8
	// Bimodality is the share of total variance explained by the Otsu split,
	// 0 for a flat image and close to 1 for a clean two-tone image.
	Bimodality float64
	// BrightFraction is the share of pixels above Threshold.
	BrightFraction float64
}

// ComputeStats derives Stats from img.
func ComputeStats(img *image.Gray) Stats {
	hist := Histogram(img)

	total := 0
	var sum float64
	for i, c := range hist {
		total += c
		sum += float64(i * c)
	}
	if total == 0 {
		return Stats{}
	}
	mean := sum / float64(total)

	var variance float64
	for i, c := range hist {
		d := float64(i) - mean
		variance += d * d * float64(c)
	}
	variance /= float64(total)

	t, between := otsu(hist)
	bright := 0
	for i := int(t) + 1; i < 256; i++ {
		bright += hist[i]
	}

	s := Stats{
		Mean:           mean,
		Threshold:      t,
		BrightFraction: float64(bright) / float64(total),
	}
	if variance > 0 {
		s.Bimodality = between / variance
	}
	return s
}
