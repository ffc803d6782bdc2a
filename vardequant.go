package anyflow

import (
	"fmt"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var f FlowNoise
	serializer.RegisterTypedDeserializer(f.SerializerType(), DeserializeFlowNoise)
}

// FlowNoise is a learned dequantization noise source for
// variational dequantization.
//
// Uniform noise is squashed onto the real line, pushed
// through coupling layers conditioned on the image being
// dequantized, and mapped back into [0, 1).
// The coupling layers must have a CondDepth equal to the
// image depth.
type FlowNoise struct {
	Flows []*CouplingLayer
}

// DeserializeFlowNoise deserializes a FlowNoise.
func DeserializeFlowNoise(d []byte) (*FlowNoise, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize FlowNoise", err)
	}
	res := &FlowNoise{Flows: make([]*CouplingLayer, len(slice))}
	for i, x := range slice {
		if layer, ok := x.(*CouplingLayer); ok {
			res.Flows[i] = layer
		} else {
			return nil, fmt.Errorf("deserialize FlowNoise: not a CouplingLayer: %T", x)
		}
	}
	return res, nil
}

// Noise generates noise for a batch of discrete images.
//
// The images are rescaled to [-1, 1] and fed to the
// coupling layers as conditioning input.
func (f *FlowNoise) Noise(img anyvec.Vector, ldj anydiff.Res, batch int, alpha float64,
	r *rand.Rand) (anydiff.Res, anydiff.Res) {
	c := img.Creator()

	scaled := img.Copy()
	scaled.Scale(c.MakeNumeric(2.0 / 255))
	scaled.AddScalar(c.MakeNumeric(-1))
	cond := anydiff.NewConst(scaled)

	vec := c.MakeVector(img.Len())
	anyvec.Rand(vec, anyvec.Uniform, r)

	noise, ldj := logitTransform(anydiff.NewConst(vec), ldj, batch, alpha)
	for _, flow := range f.Flows {
		noise, ldj = flow.ApplyCond(noise, ldj, cond, batch, false)
	}
	return sigmoidTransform(noise, ldj, batch)
}

// Parameters returns the parameters of every coupling
// layer.
func (f *FlowNoise) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, flow := range f.Flows {
		res = append(res, flow.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a FlowNoise with the serializer package.
func (f *FlowNoise) SerializerType() string {
	return "github.com/unixpickle/anyflow.FlowNoise"
}

// Serialize serializes the FlowNoise.
func (f *FlowNoise) Serialize() ([]byte, error) {
	slice := make([]serializer.Serializer, len(f.Flows))
	for i, x := range f.Flows {
		slice[i] = x
	}
	return serializer.SerializeSlice(slice)
}
