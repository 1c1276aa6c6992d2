package recognition

import (
	"image"

	"github.com/adverant/nexus/meterread-worker/internal/preprocess"
)

// digitCells segments the strip box of mask into n digit boxes. Column runs
// shorter than half the strip height (decimal points, specks) are dropped.
// When exactly one run per digit remains, every cell is right-aligned on its run with the width of
// the widest run, so narrow glyphs like "1" keep their position in the cell.
// Otherwise the strip is cut into equal cells.
func digitCells(mask *image.Gray, box image.Rectangle, n int) []image.Rectangle {
	rows := preprocess.Run{Start: box.Min.Y, End: box.Max.Y}

	var glyphs []preprocess.Run
	widest := 0
	for _, r := range preprocess.ColumnRuns(mask, box) {
		ext := preprocess.RowExtent(mask, r, rows)
		if ext.Width()*2 < box.Dy() {
			continue
		}
		glyphs = append(glyphs, r)
		widest = max(widest, r.Width())
	}

	cells := make([]image.Rectangle, n)
	if len(glyphs) == n {
		for i, r := range glyphs {
			cells[i] = image.Rect(max(r.End-widest, 0), box.Min.Y, r.End, box.Max.Y)
		}
		return cells
	}

	cellW := float64(box.Dx()) / float64(n)
	for i := range cells {
		cells[i] = image.Rect(
			box.Min.X+int(float64(i)*cellW), box.Min.Y,
			box.Min.X+int(float64(i+1)*cellW), box.Max.Y,
		)
	}
	return cells
}
