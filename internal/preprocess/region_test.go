package preprocess

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponents(t *testing.T) {
	mask := filled(50, 30, 0)
	fillRect(mask, image.Rect(2, 2, 22, 12), 255)
	fillRect(mask, image.Rect(30, 20, 35, 25), 255)
	mask.Pix[28*mask.Stride+48] = 255

	comps := Components(mask)
	require.Len(t, comps, 3)

	assert.Equal(t, image.Rect(2, 2, 22, 12), comps[0].Box)
	assert.Equal(t, 200, comps[0].Area)
	assert.InDelta(t, 2, comps[0].Aspect(), 1e-9)
	assert.InDelta(t, 1, comps[0].Fill(), 1e-9)
	assert.Equal(t, 25, comps[1].Area)
	assert.Equal(t, 1, comps[2].Area)
}

func TestComponentsDiagonalIsSplit(t *testing.T) {
	mask := filled(3, 3, 0)
	mask.Pix[0] = 255
	mask.Pix[mask.Stride+1] = 255

	assert.Len(t, Components(mask), 2)
}

func TestForegroundMaskPolarity(t *testing.T) {
	glyph := image.Rect(40, 10, 60, 40)

	led := filled(100, 50, 20)
	fillRect(led, glyph, 230)
	lcd := filled(100, 50, 230)
	fillRect(lcd, glyph, 20)

	for name, img := range map[string]*image.Gray{"led": led, "lcd": lcd} {
		t.Run(name, func(t *testing.T) {
			mask := ForegroundMask(img)
			assert.Equal(t, uint8(255), mask.Pix[25*mask.Stride+50])
			assert.Equal(t, uint8(0), mask.Pix[5*mask.Stride+5])

			box, ok := ForegroundBounds(mask, 0)
			require.True(t, ok)
			assert.Equal(t, glyph, box)
		})
	}
}

func TestForegroundBounds(t *testing.T) {
	_, ok := ForegroundBounds(filled(20, 20, 0), 0)
	assert.False(t, ok)

	mask := filled(40, 20, 0)
	fillRect(mask, image.Rect(10, 5, 30, 15), 255)
	mask.Pix[0] = 255

	box, ok := ForegroundBounds(mask, 0)
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 30, 15), box)

	box, ok = ForegroundBounds(mask, 1)
	require.True(t, ok)
	assert.Equal(t, image.Rect(10, 5, 30, 15), box, "isolated specks are ignored")
}

func TestColumnRunsAndRowExtent(t *testing.T) {
	mask := filled(30, 20, 0)
	fillRect(mask, image.Rect(2, 2, 6, 18), 255)
	fillRect(mask, image.Rect(10, 14, 12, 18), 255)

	runs := ColumnRuns(mask, mask.Bounds())
	require.Equal(t, []Run{{Start: 2, End: 6}, {Start: 10, End: 12}}, runs)
	assert.Equal(t, 4, runs[0].Width())

	rows := Run{Start: 0, End: 20}
	assert.Equal(t, Run{Start: 2, End: 18}, RowExtent(mask, runs[0], rows))
	assert.Equal(t, Run{Start: 14, End: 18}, RowExtent(mask, runs[1], rows))
	assert.Equal(t, Run{}, RowExtent(mask, Run{Start: 20, End: 25}, rows))
}

func TestFindDisplayRegion(t *testing.T) {
	img := filled(800, 600, 90)
	fillRect(img, image.Rect(250, 250, 550, 350), 230)
	for i := 0; i < 4; i++ {
		fillRect(img, image.Rect(280+i*60, 270, 290+i*60, 330), 30)
	}

	box, ok := FindDisplayRegion(img)
	require.True(t, ok)
	assert.InDelta(t, 244, box.Min.X, 8)
	assert.InDelta(t, 248, box.Min.Y, 8)
	assert.InDelta(t, 556, box.Max.X, 8)
	assert.InDelta(t, 352, box.Max.Y, 8)
}

func TestFindDisplayRegionRejects(t *testing.T) {
	tests := map[string]*image.Gray{
		"flat": filled(400, 300, 128),
		"tiny": filled(10, 5, 0),
		"square": func() *image.Gray {
			img := filled(400, 300, 20)
			fillRect(img, image.Rect(100, 50, 300, 250), 220)
			return img
		}(),
		"too long": func() *image.Gray {
			img := filled(400, 300, 20)
			fillRect(img, image.Rect(10, 140, 390, 160), 220)
			return img
		}(),
	}
	for name, img := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok := FindDisplayRegion(img)
			assert.False(t, ok)
		})
	}
}
