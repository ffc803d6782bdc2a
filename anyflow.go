// Package anyflow provides invertible layers for building
// normalizing flows over images, with exact log-likelihood
// tracking in both directions.
package anyflow

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var n Net
	serializer.RegisterTypedDeserializer(n.SerializerType(), DeserializeNet)
}

// A Layer is an invertible transformation of a batch of
// tensors.
//
// Apply maps a packed batch z and a per-sample
// log-det-Jacobian accumulator ldj (one component per
// sample) to their transformed versions.
// With reverse set, Apply computes the mathematical
// inverse of its forward map and subtracts from ldj what
// the forward map added.
//
// All tensors are row-major depth-minor, packed one sample
// after another, so the input length must be divisible by
// the batch size.
type Layer interface {
	Apply(z, ldj anydiff.Res, batch int, reverse bool) (anydiff.Res, anydiff.Res)
}

// A Net evaluates a list of invertible layers.
//
// In the reverse direction, the layers are applied in
// reverse order, making a Net itself an invertible Layer.
type Net []Layer

// DeserializeNet attempts to deserialize the network.
func DeserializeNet(d []byte) (Net, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Net", err)
	}
	res := make(Net, len(slice))
	for i, x := range slice {
		if layer, ok := x.(Layer); ok {
			res[i] = layer
		} else {
			return nil, fmt.Errorf("deserialize Net: not a Layer: %T", x)
		}
	}
	return res, nil
}

// Apply applies the layers in order, or in exactly the
// opposite order when reverse is set.
func (n Net) Apply(z, ldj anydiff.Res, batch int, reverse bool) (anydiff.Res, anydiff.Res) {
	if !reverse {
		for _, l := range n {
			z, ldj = l.Apply(z, ldj, batch, false)
		}
	} else {
		for i := len(n) - 1; i >= 0; i-- {
			z, ldj = n[i].Apply(z, ldj, batch, true)
		}
	}
	return z, ldj
}

// Parameters returns the parameters of the network.
//
// Every layer which implements anynet.Parameterizer will
// have its parameters added to the slice.
// Parameters are ordered from the first layer onwards.
func (n Net) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	for _, x := range n {
		if p, ok := x.(anynet.Parameterizer); ok {
			res = append(res, p.Parameters()...)
		}
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a Net with the serializer package.
func (n Net) SerializerType() string {
	return "github.com/unixpickle/anyflow.Net"
}

// Serialize attempts to serialize the network.
// If any Layer is not a serializer.Serializer, this fails.
func (n Net) Serialize() ([]byte, error) {
	var slice []serializer.Serializer
	for _, x := range n {
		if s, ok := x.(serializer.Serializer); ok {
			slice = append(slice, s)
		} else {
			return nil, fmt.Errorf("not a Serializer: %T", x)
		}
	}
	return serializer.SerializeSlice(slice)
}
