// Package focus scores image sharpness with the Tenengrad measure:
// the mean squared Sobel gradient magnitude. More high-frequency
// edge content scores higher, which tracks better focus. The measure
// is a single pass over the pixels so it stays cheap across a whole
// sweep of frames.
package focus

import (
	"image"
	"image/draw"
)

// Score computes the Tenengrad sharpness of img. It is a pure
// function of the frame; scoring order across a sweep is irrelevant.
func Score(img image.Image) float64 {
	gray := toGray(img)
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	pix := gray.Pix
	stride := gray.Stride
	var sum float64
	// 3x3 Sobel over the interior; border pixels have no full
	// neighborhood and contribute zero to the sum.
	for y := 1; y < h-1; y++ {
		i := y*stride + 1
		for x := 1; x < w-1; x++ {
			tl := int(pix[i-stride-1])
			tc := int(pix[i-stride])
			tr := int(pix[i-stride+1])
			ml := int(pix[i-1])
			mr := int(pix[i+1])
			bl := int(pix[i+stride-1])
			bc := int(pix[i+stride])
			br := int(pix[i+stride+1])

			gx := (tr + 2*mr + br) - (tl + 2*ml + bl)
			gy := (bl + 2*bc + br) - (tl + 2*tc + tr)
			sum += float64(gx*gx + gy*gy)
			i++
		}
	}
	return sum / float64(w*h)
}

// Best returns the index and score of the sharpest frame. Ties keep
// the earliest frame so results are stable in capture order. It
// returns -1 when scores is empty.
func Best(scores []float64) (int, float64) {
	best := -1
	var bestScore float64
	for i, s := range scores {
		if best < 0 || s > bestScore {
			best = i
			bestScore = s
		}
	}
	if best < 0 {
		return -1, 0
	}
	return best, bestScore
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(b)
	draw.Draw(g, b, img, b.Min, draw.Src)
	return g
}
