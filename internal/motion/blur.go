package motion

import "sync"

// blurBufferPool recycles the intermediate buffer of the horizontal pass.
var blurBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]uint8, 0, 640*480)
		return &b
	},
}

// colSumsPool recycles column accumulators for the vertical pass.
var colSumsPool = sync.Pool{
	New: func() interface{} {
		b := make([]uint32, 0, 1024)
		return &b
	},
}

// boxBlur applies a separable box blur of the given radius to a single-channel
// w*h buffer in place. Edges are clamped.
func boxBlur(pix []uint8, w, h, radius int) {
	if radius < 1 || w == 0 || h == 0 {
		return
	}

	needed := w * h
	bufPtr := blurBufferPool.Get().(*[]uint8)
	if cap(*bufPtr) < needed {
		*bufPtr = make([]uint8, needed)
	}
	buf := (*bufPtr)[:needed]
	defer blurBufferPool.Put(bufPtr)

	count := uint32(2*radius + 1)

	// 1. Horizontal pass: pix -> buf
	for y := 0; y < h; y++ {
		row := y * w

		var sum uint32
		for k := -radius; k <= radius; k++ {
			sum += uint32(pix[row+clamp(k, w)])
		}

		for x := 0; x < w; x++ {
			buf[row+x] = uint8(sum / count)

			// Slide window: drop the leaving pixel, add the entering one
			sum = sum - uint32(pix[row+clamp(x-radius, w)]) + uint32(pix[row+clamp(x+radius+1, w)])
		}
	}

	// 2. Vertical pass: buf -> pix, row by row with one running sum per column
	csPtr := colSumsPool.Get().(*[]uint32)
	if cap(*csPtr) < w {
		*csPtr = make([]uint32, w)
	}
	colSums := (*csPtr)[:w]
	for i := range colSums {
		colSums[i] = 0
	}
	defer colSumsPool.Put(csPtr)

	for k := -radius; k <= radius; k++ {
		row := clamp(k, h) * w
		for x := 0; x < w; x++ {
			colSums[x] += uint32(buf[row+x])
		}
	}

	for y := 0; y < h; y++ {
		dst := y * w
		remove := clamp(y-radius, h) * w
		add := clamp(y+radius+1, h) * w
		for x := 0; x < w; x++ {
			pix[dst+x] = uint8(colSums[x] / count)
			colSums[x] = colSums[x] - uint32(buf[remove+x]) + uint32(buf[add+x])
		}
	}
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
