package anyflow

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// CheckerboardMask creates a coupling mask over a
// height-by-width-by-depth tensor where the cell at (x, y)
// is (x+y) mod 2, repeated across all channels.
//
// With invert set, ones and zeros are swapped.
//
// The mask covers a single sample; coupling layers repeat
// it across the batch.
func CheckerboardMask(c anyvec.Creator, height, width, depth int, invert bool) *anydiff.Const {
	data := make([]float64, 0, height*width*depth)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			val := float64((x + y) % 2)
			if invert {
				val = 1 - val
			}
			for z := 0; z < depth; z++ {
				data = append(data, val)
			}
		}
	}
	return anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(data)))
}

// ChannelMask creates a coupling mask over a
// height-by-width-by-depth tensor which is 1 for the first
// ceil(depth/2) channels of every pixel and 0 for the
// rest.
//
// With invert set, ones and zeros are swapped.
func ChannelMask(c anyvec.Creator, height, width, depth int, invert bool) *anydiff.Const {
	half := (depth + 1) / 2
	data := make([]float64, 0, height*width*depth)
	for i := 0; i < height*width; i++ {
		for z := 0; z < depth; z++ {
			val := 0.0
			if z < half {
				val = 1
			}
			if invert {
				val = 1 - val
			}
			data = append(data, val)
		}
	}
	return anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(data)))
}
