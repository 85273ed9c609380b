// Package motion implements the cheap adaptive background-difference gate that decides
// whether a frame is worth running the detection pipeline on.
package motion

import (
	"context"
	"image"
	"math"

	"github.com/andresmejia3/sentinel-fog/internal/types"
)

// Options configures a Gate.
type Options struct {
	// MinArea is the pixel count a moving region must exceed.
	MinArea int
	// Threshold is the per-pixel absolute difference from the background (0-255).
	Threshold float64
	// History is the number of frames the background effectively remembers.
	History int
	// BlurRadius smooths sensor noise before differencing.
	BlurRadius int
	// Dilations closes small gaps in the foreground mask.
	Dilations int
}

// DefaultOptions returns the gate defaults.
func DefaultOptions() Options {
	return Options{
		MinArea:    4000,
		Threshold:  25,
		History:    500,
		BlurRadius: 10,
		Dilations:  2,
	}
}

// Gate keeps a running-average background model. It is owned by the frame loop and is
// not safe for concurrent use.
type Gate struct {
	opts  Options
	alpha float32

	w, h int
	bg   []float32
	mask []bool
	tmp  []bool
	seen []bool
}

// New creates a Gate. A zero MinArea, Threshold or History falls back to its default.
func New(opts Options) *Gate {
	def := DefaultOptions()
	if opts.MinArea <= 0 {
		opts.MinArea = def.MinArea
	}
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.History <= 0 {
		opts.History = def.History
	}
	if opts.BlurRadius < 0 {
		opts.BlurRadius = 0
	}
	if opts.Dilations < 0 {
		opts.Dilations = 0
	}
	return &Gate{opts: opts, alpha: 1 / float32(opts.History)}
}

// Moving reports whether any region of img moved enough to matter.
func (g *Gate) Moving(ctx context.Context, img image.Image) (bool, error) {
	regions, err := g.Detect(ctx, img)
	if err != nil {
		return false, err
	}
	return len(regions) > 0, nil
}

// Detect updates the background with img and returns every moving region larger than
// MinArea, in raster order. The first frame (or a frame of a new size) only seeds the model.
func (g *Gate) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, nil
	}

	gray := types.Grayscale(img)
	w, h := b.Dx(), b.Dy()
	boxBlur(gray.Pix, w, h, g.opts.BlurRadius)

	if w != g.w || h != g.h || g.bg == nil {
		g.reset(w, h, gray.Pix)
		return nil, nil
	}

	thr := float32(g.opts.Threshold)
	for i, p := range gray.Pix {
		v := float32(p)
		diff := v - g.bg[i]
		g.mask[i] = float32(math.Abs(float64(diff))) > thr
		g.bg[i] += g.alpha * diff
	}

	for i := 0; i < g.opts.Dilations; i++ {
		g.dilate()
	}

	regions := g.components()
	for i := range regions {
		regions[i] = regions[i].Translate(b.Min)
	}
	return regions, nil
}

func (g *Gate) reset(w, h int, seed []uint8) {
	g.w, g.h = w, h
	n := w * h
	g.bg = make([]float32, n)
	g.mask = make([]bool, n)
	g.tmp = make([]bool, n)
	g.seen = make([]bool, n)
	for i, p := range seed {
		g.bg[i] = float32(p)
	}
}

// dilate grows the mask by one pixel in all 8 directions (3x3 kernel).
func (g *Gate) dilate() {
	w, h := g.w, g.h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			on := false
			for dy := -1; dy <= 1 && !on; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					xx := x + dx
					if xx >= 0 && xx < w && g.mask[yy*w+xx] {
						on = true
						break
					}
				}
			}
			g.tmp[y*w+x] = on
		}
	}
	g.mask, g.tmp = g.tmp, g.mask
}

// components labels 8-connected foreground regions and keeps those above MinArea.
func (g *Gate) components() []types.Detection {
	w, h := g.w, g.h
	for i := range g.seen {
		g.seen[i] = false
	}

	var (
		out   []types.Detection
		stack []int
		total = float64(w * h)
	)

	for start, on := range g.mask {
		if !on || g.seen[start] {
			continue
		}

		area := 0
		box := image.Rect(start%w, start/w, start%w+1, start/w+1)
		stack = append(stack[:0], start)
		g.seen[start] = true

		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			area++

			x, y := p%w, p/w
			box = box.Union(image.Rect(x, y, x+1, y+1))

			for dy := -1; dy <= 1; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w {
						continue
					}
					q := yy*w + xx
					if g.mask[q] && !g.seen[q] {
						g.seen[q] = true
						stack = append(stack, q)
					}
				}
			}
		}

		if area > g.opts.MinArea {
			out = append(out, types.Detection{
				Box:        box,
				Confidence: float64(area) / total,
				Label:      types.LabelMotion,
			})
		}
	}
	return out
}
