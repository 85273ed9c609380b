package types

import (
	"image"
	"image/color"
	"image/draw"
	"time"
)

// Liveness labels returned by the liveness stage.
const (
	LabelReal   = "REAL"
	LabelFake   = "FAKE"
	LabelPerson = "person"
	LabelFace   = "face"
	LabelMotion = "motion"
)

// Frame is a single decoded camera frame. It is never mutated after capture.
type Frame struct {
	Seq   int
	Time  time.Time
	Image *image.RGBA
}

// Detection is a box produced by a pipeline stage.
type Detection struct {
	Box        image.Rectangle
	Confidence float64
	Label      string
}

// Translate moves the detection box by the given offset.
func (d Detection) Translate(off image.Point) Detection {
	d.Box = d.Box.Add(off)
	return d
}

// FaceVerdict is a localized face together with its liveness judgment.
// Checked is false when no liveness verdict could be obtained for the face.
type FaceVerdict struct {
	Detection
	Realness float64
	Live     bool
	Checked  bool
}

// Candidate is a liveness-accepted, scored face owned by the active session.
type Candidate struct {
	Box   image.Rectangle
	Score float64
	Face  image.Image // crop of Frame.Image
	Frame *Frame
}

// EvidenceBundle is the immutable snapshot handed to the dispatcher once per sighting.
type EvidenceBundle struct {
	ID                string
	SessionID         string
	FaceImage         *image.RGBA
	FullImage         *image.RGBA
	FaceBox           image.Rectangle
	QualityScore      float64
	Reason            string
	FraudAttemptCount int
	Timestamp         time.Time
}

// CloneImage deep-copies img into a fresh RGBA buffer anchored at the origin.
func CloneImage(img image.Image) *image.RGBA {
	if img == nil {
		return nil
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Grayscale converts img to 8-bit luma anchored at the origin (ITU-R 601 weights).
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	// Fast path: read RGBA bytes directly
	if src, ok := img.(*image.RGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			row := src.PixOffset(b.Min.X, b.Min.Y+y)
			out := y * dst.Stride
			for x := 0; x < b.Dx(); x++ {
				off := row + x*4
				r, g, bl := uint32(src.Pix[off]), uint32(src.Pix[off+1]), uint32(src.Pix[off+2])
				dst.Pix[out+x] = uint8((299*r + 587*g + 114*bl + 500) / 1000)
			}
		}
		return dst
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Pix[y*dst.Stride+x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
		}
	}
	return dst
}
