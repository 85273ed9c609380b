// Package scorer ranks face crops by sharpness.
package scorer

import (
	"image"

	"github.com/andresmejia3/sentinel-fog/internal/types"
)

// Score returns the variance of the 4-neighbour Laplacian of img's luma.
// Sharper crops have stronger edges and therefore a higher variance.
// Crops smaller than 3x3 score 0.
func Score(img image.Image) float64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	if b.Dx() < 3 || b.Dy() < 3 {
		return 0
	}
	return LaplacianVariance(types.Grayscale(img))
}

// LaplacianVariance computes the score over interior pixels of an origin-anchored gray image.
func LaplacianVariance(g *image.Gray) float64 {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	pix, stride := g.Pix, g.Stride
	var sum, sumSq float64
	n := float64((w - 2) * (h - 2))

	for y := 1; y < h-1; y++ {
		row := y * stride
		for x := 1; x < w-1; x++ {
			c := row + x
			lap := 4*int(pix[c]) - int(pix[c-1]) - int(pix[c+1]) - int(pix[c-stride]) - int(pix[c+stride])
			v := float64(lap)
			sum += v
			sumSq += v * v
		}
	}

	mean := sum / n
	return sumSq/n - mean*mean
}
