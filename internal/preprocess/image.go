// Package preprocess holds the image transforms shared by the recognition
// strategies. Every transform is pure: it allocates a new image and never
// touches its input. Intermediate results can be observed through a Sink.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/adverant/nexus/meterread-worker/internal/errors"
)

// Load decodes the image at path, applying EXIF orientation.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewImageUnreadableError(path, err)
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, errors.NewImageUnreadableError(path, err)
	}
	return img, nil
}

// Decode reads an image from r and rejects empty frames.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("image has no pixels (%dx%d)", b.Dx(), b.Dy())
	}
	return img, nil
}

// EncodePNG serializes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AsGray returns img as an 8-bit gray image anchored at the origin. A gray
// image already at the origin is returned as is.
func AsGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}

	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	if n, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			row := n.Pix[(y+b.Min.Y-n.Rect.Min.Y)*n.Stride+(b.Min.X-n.Rect.Min.X)*4:]
			dst := out.Pix[y*out.Stride:]
			for x := 0; x < b.Dx(); x++ {
				r, g, bl := uint32(row[x*4]), uint32(row[x*4+1]), uint32(row[x*4+2])
				// ITU-R 601 luma, same weights as color.GrayModel
				dst[x] = uint8((19595*r + 38470*g + 7471*bl + 1<<15) >> 16)
			}
		}
		return out
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.SetGray(x, y, color.GrayModel.Convert(img.At(x+b.Min.X, y+b.Min.Y)).(color.Gray))
		}
	}
	return out
}

func cloneGray(src *image.Gray) *image.Gray {
	out := image.NewGray(src.Rect)
	copy(out.Pix, src.Pix)
	return out
}
