package preprocess

import (
	"image"

	"github.com/disintegration/imaging"
)

// Grayscale converts img to 8-bit luminance.
func Grayscale(img image.Image) *image.Gray {
	return AsGray(imaging.Grayscale(img))
}

// EnhanceContrast scales the distance of every pixel from mid-gray by factor.
// A factor of 1 leaves the image unchanged, 2 doubles the contrast.
func EnhanceContrast(img image.Image, factor float64) *image.Gray {
	if factor <= 0 {
		return cloneGray(AsGray(img))
	}
	// imaging maps percentage p in (0,100) to a slope of 1/(1-p/100)
	percentage := (factor - 1) * 100
	if factor > 1 {
		percentage = (1 - 1/factor) * 100
	}
	return AsGray(imaging.AdjustContrast(img, percentage))
}

// Sharpen applies an unsharp mask.
func Sharpen(img image.Image) *image.Gray {
	return AsGray(imaging.Sharpen(img, 1.0))
}

// Resize scales img to targetWidth keeping the aspect ratio.
func Resize(img image.Image, targetWidth int) *image.Gray {
	if targetWidth <= 0 || targetWidth == img.Bounds().Dx() {
		return cloneGray(AsGray(img))
	}
	return AsGray(imaging.Resize(img, targetWidth, 0, imaging.Lanczos))
}

// Downscale shrinks img to at most maxWidth with a box filter, which averages
// instead of ringing at hard edges. Narrower images are returned as is.
func Downscale(img *image.Gray, maxWidth int) *image.Gray {
	if maxWidth <= 0 || img.Bounds().Dx() <= maxWidth {
		return img
	}
	return AsGray(imaging.Resize(img, maxWidth, 0, imaging.Box))
}

// ResizeExact scales img to exactly width x height.
func ResizeExact(img image.Image, width, height int) *image.Gray {
	return AsGray(imaging.Resize(img, width, height, imaging.Linear))
}

// CropRegion returns the part of img inside box. A box that does not overlap
// the image yields a copy of the whole image.
func CropRegion(img image.Image, box image.Rectangle) *image.Gray {
	b := img.Bounds()
	box = box.Add(b.Min).Intersect(b)
	if box.Empty() {
		return cloneGray(AsGray(img))
	}
	return AsGray(imaging.Crop(img, box))
}

// Pad returns box grown by frac of its size on every side, clamped to bounds.
func Pad(box image.Rectangle, frac float64, bounds image.Rectangle) image.Rectangle {
	dx := int(float64(box.Dx()) * frac)
	dy := int(float64(box.Dy()) * frac)
	return image.Rect(box.Min.X-dx, box.Min.Y-dy, box.Max.X+dx, box.Max.Y+dy).Intersect(bounds)
}

// Invert flips every pixel.
func Invert(img *image.Gray) *image.Gray {
	out := image.NewGray(img.Rect)
	for i, v := range img.Pix {
		out.Pix[i] = 255 - v
	}
	return out
}

// Mean returns the average intensity.
func Mean(img *image.Gray) float64 {
	if len(img.Pix) == 0 {
		return 0
	}
	var sum int64
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()]
		for _, v := range row {
			sum += int64(v)
		}
	}
	return float64(sum) / float64(b.Dx()*b.Dy())
}
