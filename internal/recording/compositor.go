package recording

import (
	"image"
	"image/color"
	"sort"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const placeholderText = "No video"

var (
	background = image.NewUniform(color.RGBA{0x10, 0x10, 0x14, 0xff})
	tileEmpty  = image.NewUniform(color.RGBA{0x2a, 0x2a, 0x33, 0xff})
	labelColor = image.NewUniform(color.RGBA{0xe0, 0xe0, 0xe0, 0xff})
)

type videoSource struct {
	label  string
	screen bool
	frame  *image.RGBA
}

// Compositor draws every video source of a call into one canvas.
type Compositor struct {
	w, h int

	mu      sync.Mutex
	sources map[string]*videoSource
}

func NewCompositor(w, h int) *Compositor {
	return &Compositor{w: w, h: h, sources: make(map[string]*videoSource)}
}

// SetSource registers name or updates its label and kind.
func (c *Compositor) SetSource(name, label string, screen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sources[name]
	if s == nil {
		s = &videoSource{}
		c.sources[name] = s
	}
	s.label, s.screen = label, screen
}

// MarkScreen flips whether name is laid out as a screen share.
func (c *Compositor) MarkScreen(name string, screen bool) {
	c.mu.Lock()
	if s := c.sources[name]; s != nil {
		s.screen = screen
	}
	c.mu.Unlock()
}

// Update stores a copy of img as the latest frame of name.
func (c *Compositor) Update(name string, img image.Image) {
	b := img.Bounds()
	cp := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(cp, cp.Bounds(), img, b.Min, draw.Src)

	c.mu.Lock()
	s := c.sources[name]
	if s == nil {
		s = &videoSource{label: name}
		c.sources[name] = s
	}
	s.frame = cp
	c.mu.Unlock()
}

func (c *Compositor) Remove(name string) {
	c.mu.Lock()
	delete(c.sources, name)
	c.mu.Unlock()
}

func (c *Compositor) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sources)
}

// Draw renders one composite frame.
func (c *Compositor) Draw() *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, c.w, c.h))
	draw.Draw(canvas, canvas.Bounds(), background, image.Point{}, draw.Src)

	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.sources))
	for n := range c.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	infos := make([]SourceInfo, len(names))
	for i, n := range names {
		infos[i] = SourceInfo{Name: n, Screen: c.sources[n].screen}
	}

	tiles := Layout(c.w, c.h, infos)
	if len(tiles) == 0 {
		drawText(canvas, canvas.Bounds(), placeholderText)
		return canvas
	}
	for _, t := range tiles {
		s := c.sources[t.Source]
		if s.frame == nil {
			draw.Draw(canvas, t.Rect.Inset(2), tileEmpty, image.Point{}, draw.Src)
			drawText(canvas, t.Rect, s.label)
			continue
		}
		dst := fit(t.Rect, s.frame.Bounds())
		draw.ApproxBiLinear.Scale(canvas, dst, s.frame, s.frame.Bounds(), draw.Src, nil)
	}
	return canvas
}

// drawText centers s in r using the built-in bitmap face.
func drawText(dst *image.RGBA, r image.Rectangle, s string) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: labelColor, Face: face}
	w := d.MeasureString(s).Ceil()
	x := r.Min.X + (r.Dx()-w)/2
	y := r.Min.Y + (r.Dy()+face.Ascent)/2
	d.Dot = fixed.P(x, y)
	d.DrawString(s)
}
