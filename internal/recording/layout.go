package recording

import (
	"image"
	"math"
)

// SourceInfo describes one video source for layout purposes.
type SourceInfo struct {
	Name   string
	Screen bool
}

// Tile places one source on the canvas.
type Tile struct {
	Source string
	Rect   image.Rectangle
}

// Layout arranges sources on a w×h canvas. Screen shares fill the main area
// with cameras stacked in a right-hand column a quarter of the width wide;
// without screen shares every source gets an equal cell of a near-square
// grid. No sources yields no tiles.
func Layout(w, h int, sources []SourceInfo) []Tile {
	if len(sources) == 0 || w <= 0 || h <= 0 {
		return nil
	}

	var screens, cams []SourceInfo
	for _, s := range sources {
		if s.Screen {
			screens = append(screens, s)
		} else {
			cams = append(cams, s)
		}
	}
	if len(screens) == 0 {
		return grid(image.Rect(0, 0, w, h), cams)
	}

	main := image.Rect(0, 0, w, h)
	var tiles []Tile
	if len(cams) > 0 {
		colW := w / 4
		main.Max.X = w - colW
		cellH := h / len(cams)
		if maxH := colW * 3 / 4; cellH > maxH {
			cellH = maxH
		}
		for i, c := range cams {
			tiles = append(tiles, Tile{
				Source: c.Name,
				Rect:   image.Rect(main.Max.X, i*cellH, w, (i+1)*cellH),
			})
		}
	}
	return append(grid(main, screens), tiles...)
}

func grid(area image.Rectangle, sources []SourceInfo) []Tile {
	n := len(sources)
	if n == 0 {
		return nil
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols
	cw, ch := area.Dx()/cols, area.Dy()/rows

	tiles := make([]Tile, 0, n)
	for i, s := range sources {
		x := area.Min.X + (i%cols)*cw
		y := area.Min.Y + (i/cols)*ch
		tiles = append(tiles, Tile{Source: s.Name, Rect: image.Rect(x, y, x+cw, y+ch)})
	}
	return tiles
}

// fit returns the largest rectangle with src's aspect ratio centered in dst.
func fit(dst image.Rectangle, src image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	if sw == 0 || sh == 0 {
		return dst
	}
	dw, dh := dst.Dx(), dst.Dy()
	w, h := dw, sh*dw/sw
	if h > dh {
		w, h = sw*dh/sh, dh
	}
	x := dst.Min.X + (dw-w)/2
	y := dst.Min.Y + (dh-h)/2
	return image.Rect(x, y, x+w, y+h)
}
