package anyflow

import (
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var f ImageFlow
	serializer.RegisterTypedDeserializer(f.SerializerType(), DeserializeImageFlow)
}

// An ImageFlow is a complete normalizing flow over
// discrete grayscale or color images.
//
// A non-default prior is not serialized; deserialized
// flows always use the default.
type ImageFlow struct {
	Width  int
	Height int
	Depth  int

	// LatentSize is the component count of one sample's
	// latent tensor at the end of the flow, which may be
	// smaller than the image when layers factor out
	// channels along the way.
	LatentSize int

	Layers Net

	// Prior is the base distribution of the latents.
	// A nil Prior indicates a standard normal.
	Prior Prior

	// Rand is used to sample latents.
	// If it is nil, a default source is used.
	Rand *rand.Rand
}

// NewSimpleFlow creates a single-scale flow of eight
// checkerboard coupling layers over w-by-h images with d
// channels.
//
// With vardeq set, uniform dequantization noise is
// replaced by a variational dequantization flow of four
// conditional coupling layers.
func NewSimpleFlow(c anyvec.Creator, w, h, d int, vardeq bool) *ImageFlow {
	deq := &Dequantize{}
	if vardeq {
		flows := make([]*CouplingLayer, 4)
		for i := range flows {
			net := NewConvNet(c, w, h, 2*d, 16, 2*d, 2)
			flows[i] = NewCouplingLayer(c, w, h, d, d, net,
				CheckerboardMask(c, h, w, d, i%2 == 1))
		}
		deq.Noise = &FlowNoise{Flows: flows}
	}
	layers := Net{deq}
	for i := 0; i < 8; i++ {
		net := NewConvNet(c, w, h, d, 32, 2*d, 2)
		layers = append(layers, NewCouplingLayer(c, w, h, d, 0, net,
			CheckerboardMask(c, h, w, d, i%2 == 1)))
	}
	return &ImageFlow{
		Width:      w,
		Height:     h,
		Depth:      d,
		LatentSize: w * h * d,
		Layers:     layers,
	}
}

// NewMultiscaleFlow creates a flow which squeezes the
// image twice and factors out half of the channels in
// between, spending most of its capacity on the coarse
// scale.
//
// Learned channel-mixing layers in LU form replace the
// fixed channel permutations between the deeper coupling
// layers.
//
// The width and height must be divisible by 4.
func NewMultiscaleFlow(c anyvec.Creator, w, h, d int) *ImageFlow {
	if w%4 != 0 || h%4 != 0 {
		panic("dimensions must be divisible by 4")
	}

	flows := make([]*CouplingLayer, 4)
	for i := range flows {
		net := NewConvNet(c, w, h, 2*d, 16, 2*d, 2)
		flows[i] = NewCouplingLayer(c, w, h, d, d, net,
			CheckerboardMask(c, h, w, d, i%2 == 1))
	}
	layers := Net{&Dequantize{Noise: &FlowNoise{Flows: flows}}}

	for i := 0; i < 2; i++ {
		net := NewConvNet(c, w, h, d, 32, 2*d, 3)
		layers = append(layers, NewCouplingLayer(c, w, h, d, 0, net,
			CheckerboardMask(c, h, w, d, i%2 == 1)))
	}

	layers = append(layers, NewSqueeze(w, h, d))
	w, h, d = w/2, h/2, d*4
	for i := 0; i < 2; i++ {
		net := NewConvNet(c, w, h, d, 48, 2*d, 3)
		layers = append(layers,
			NewLUMixChannels(c, w, h, d, nil),
			NewCouplingLayer(c, w, h, d, 0, net, ChannelMask(c, h, w, d, i%2 == 1)))
	}

	layers = append(layers, NewLUMixChannels(c, w, h, d, nil), NewSplit(w, h, d))
	d /= 2
	layers = append(layers, NewSqueeze(w, h, d))
	w, h, d = w/2, h/2, d*4
	for i := 0; i < 4; i++ {
		net := NewConvNet(c, w, h, d, 64, 2*d, 3)
		layers = append(layers,
			NewLUMixChannels(c, w, h, d, nil),
			NewCouplingLayer(c, w, h, d, 0, net, ChannelMask(c, h, w, d, i%2 == 1)))
	}

	return &ImageFlow{
		Width:      w * 4,
		Height:     h * 4,
		Depth:      d / 8,
		LatentSize: w * h * d,
		Layers:     layers,
	}
}

// DeserializeImageFlow deserializes an ImageFlow.
func DeserializeImageFlow(d []byte) (*ImageFlow, error) {
	var w, h, depth, latent serializer.Int
	var res ImageFlow
	err := serializer.DeserializeAny(d, &w, &h, &depth, &latent, &res.Layers)
	if err != nil {
		return nil, essentials.AddCtx("deserialize ImageFlow", err)
	}
	res.Width = int(w)
	res.Height = int(h)
	res.Depth = int(depth)
	res.LatentSize = int(latent)
	return &res, nil
}

// LogLikelihood computes the per-sample log-likelihoods of
// a packed batch of discrete images with values in
// {0, ..., 255}.
func (f *ImageFlow) LogLikelihood(images anydiff.Res, batch int) anydiff.Res {
	if images.Output().Len() != batch*f.Width*f.Height*f.Depth {
		panic("incorrect input size")
	}
	c := images.Output().Creator()
	var ldj anydiff.Res = anydiff.NewConst(c.MakeVector(batch))
	z, ldj := f.Layers.Apply(images, ldj, batch, false)
	return anydiff.Add(f.prior().LogProb(z, batch), ldj)
}

// BitsPerDim computes the per-sample negative
// log-likelihoods in bits per pixel channel, the standard
// comparison metric for image density models.
func (f *ImageFlow) BitsPerDim(images anydiff.Res, batch int) anydiff.Res {
	c := images.Output().Creator()
	dims := f.Width * f.Height * f.Depth
	scale := c.MakeNumeric(-math.Log2E / float64(dims))
	return anydiff.Scale(f.LogLikelihood(images, batch), scale)
}

// Sample draws a batch of images by running prior noise
// through the flow in reverse.
//
// The result is packed discrete images with values in
// {0, ..., 255}.
func (f *ImageFlow) Sample(c anyvec.Creator, batch int) anyvec.Vector {
	z := anydiff.NewConst(f.prior().Sample(c, batch*f.LatentSize, f.Rand))
	ldj := anydiff.NewConst(c.MakeVector(batch))
	out, _ := f.Layers.Apply(z, ldj, batch, true)
	return out.Output()
}

// Parameters returns the parameters of every layer.
func (f *ImageFlow) Parameters() []*anydiff.Var {
	return f.Layers.Parameters()
}

// SerializerType returns the unique ID used to serialize
// an ImageFlow with the serializer package.
func (f *ImageFlow) SerializerType() string {
	return "github.com/unixpickle/anyflow.ImageFlow"
}

// Serialize serializes the ImageFlow.
func (f *ImageFlow) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(f.Width),
		serializer.Int(f.Height),
		serializer.Int(f.Depth),
		serializer.Int(f.LatentSize),
		f.Layers,
	)
}

func (f *ImageFlow) prior() Prior {
	if f.Prior == nil {
		return NormalPrior{}
	}
	return f.Prior
}
