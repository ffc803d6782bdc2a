package anyflow

import (
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anyvec"
)

// NewConvNet creates a network for use inside a
// CouplingLayer, mapping inDepth channels to outDepth
// channels over a w-by-h image.
//
// The network is a stack of numLayers padded 3x3
// convolutions with tanh activations.
// The output layer is zero-initialized, so a fresh
// coupling layer computes the identity.
func NewConvNet(c anyvec.Creator, w, h, inDepth, hidden, outDepth, numLayers int) anynet.Net {
	var res anynet.Net
	depth := inDepth
	for i := 0; i < numLayers; i++ {
		conv := &anyconv.Conv{
			FilterCount:  hidden,
			FilterWidth:  3,
			FilterHeight: 3,
			StrideX:      1,
			StrideY:      1,

			InputWidth:  w + 2,
			InputHeight: h + 2,
			InputDepth:  depth,
		}
		conv.InitRand(c)
		res = append(res, padLayer(w, h, depth), conv, anynet.Tanh)
		depth = hidden
	}
	out := &anyconv.Conv{
		FilterCount:  outDepth,
		FilterWidth:  3,
		FilterHeight: 3,
		StrideX:      1,
		StrideY:      1,

		InputWidth:  w + 2,
		InputHeight: h + 2,
		InputDepth:  depth,
	}
	out.InitZero(c)
	return append(res, padLayer(w, h, depth), out)
}

func padLayer(w, h, depth int) *anyconv.Padding {
	return &anyconv.Padding{
		InputWidth:  w,
		InputHeight: h,
		InputDepth:  depth,

		PaddingTop:    1,
		PaddingRight:  1,
		PaddingBottom: 1,
		PaddingLeft:   1,
	}
}
