// Package detect runs the staged detection pipeline: presence, then face localization
// inside each presence box, then liveness for each face.
package detect

import (
	"context"
	"errors"
	"image"

	"github.com/andresmejia3/sentinel-fog/internal/types"
)

var (
	// ErrDetectorUnavailable means a stage has no working backend.
	ErrDetectorUnavailable = errors.New("detector unavailable")
	// ErrEmptyRegion means a box did not intersect the frame.
	ErrEmptyRegion = errors.New("empty candidate region")
)

// Detector is the capability every stage implements. Returned boxes are relative to
// region.Bounds().Min. The motion gate satisfies it as well.
type Detector interface {
	Detect(ctx context.Context, region image.Image) ([]types.Detection, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, region image.Image) ([]types.Detection, error)

func (f DetectorFunc) Detect(ctx context.Context, region image.Image) ([]types.Detection, error) {
	return f(ctx, region)
}

// Stage identifies a pipeline stage.
type Stage int

const (
	Presence Stage = iota
	Face
	Liveness
)

func (s Stage) String() string {
	switch s {
	case Presence:
		return "presence"
	case Face:
		return "face"
	case Liveness:
		return "liveness"
	default:
		return "unknown"
	}
}

// Crop returns the part of img inside r (in img's coordinates), or ErrEmptyRegion.
func Crop(img image.Image, r image.Rectangle) (image.Image, error) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return nil, ErrEmptyRegion
	}
	if sub, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(r), nil
	}
	return types.CloneImage(subImage{img, r}), nil
}

// subImage is a bounds-restricted view for image types without SubImage.
type subImage struct {
	image.Image
	r image.Rectangle
}

func (s subImage) Bounds() image.Rectangle { return s.r }

// Expand scales r about its center and clamps it to bounds.
func Expand(r image.Rectangle, scale float64, bounds image.Rectangle) image.Rectangle {
	w, h := float64(r.Dx()), float64(r.Dy())
	cx, cy := float64(r.Min.X)+w/2, float64(r.Min.Y)+h/2
	nw, nh := w*scale, h*scale

	x0 := int(cx - nw/2)
	y0 := int(cy - nh/2)
	out := image.Rect(x0, y0, x0+int(nw), y0+int(nh))
	return out.Intersect(bounds)
}
