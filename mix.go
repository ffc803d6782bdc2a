package anyflow

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var m MixChannels
	serializer.RegisterTypedDeserializer(m.SerializerType(), DeserializeMixChannels)
}

// MixChannels multiplies every pixel's channel vector by a
// learned invertible matrix, generalizing the fixed channel
// permutations traditionally placed between coupling
// layers.
//
// The log-det-Jacobian contribution is log|det(W)| per
// pixel.
type MixChannels struct {
	InputWidth  int
	InputHeight int
	InputDepth  int

	// Weights is the row-major InputDepth-by-InputDepth
	// mixing matrix.
	Weights *anydiff.Var
}

// NewMixChannels creates a MixChannels with a random
// orthogonal mixing matrix, making the initial
// log-det-Jacobian contribution zero.
func NewMixChannels(c anyvec.Creator, w, h, d int, r *rand.Rand) *MixChannels {
	return &MixChannels{
		InputWidth:  w,
		InputHeight: h,
		InputDepth:  d,
		Weights:     anydiff.NewVar(floatsVec(c, randomOrthogonal(d, r))),
	}
}

// DeserializeMixChannels deserializes a MixChannels.
func DeserializeMixChannels(d []byte) (*MixChannels, error) {
	var w, h, depth serializer.Int
	var weights *anyvecsave.S
	if err := serializer.DeserializeAny(d, &w, &h, &depth, &weights); err != nil {
		return nil, essentials.AddCtx("deserialize MixChannels", err)
	}
	return &MixChannels{
		InputWidth:  int(w),
		InputHeight: int(h),
		InputDepth:  int(depth),
		Weights:     anydiff.NewVar(weights.Vector),
	}, nil
}

// Apply mixes the channels of a batch.
func (m *MixChannels) Apply(z, ldj anydiff.Res, batch int, reverse bool) (anydiff.Res,
	anydiff.Res) {
	pixels := m.InputWidth * m.InputHeight
	d := m.InputDepth
	if z.Output().Len() != batch*pixels*d {
		panic("incorrect input size")
	}
	c := z.Output().Creator()
	sldj := anydiff.Scale(logAbsDet(m.Weights, d), c.MakeNumeric(float64(pixels)))
	return applyMix(z, ldj, m.Weights, sldj, batch, pixels, d, reverse)
}

// Parameters returns the mixing matrix.
func (m *MixChannels) Parameters() []*anydiff.Var {
	return []*anydiff.Var{m.Weights}
}

// SerializerType returns the unique ID used to serialize
// a MixChannels with the serializer package.
func (m *MixChannels) SerializerType() string {
	return "github.com/unixpickle/anyflow.MixChannels"
}

// Serialize serializes the MixChannels.
func (m *MixChannels) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(m.InputWidth),
		serializer.Int(m.InputHeight),
		serializer.Int(m.InputDepth),
		&anyvecsave.S{Vector: m.Weights.Vector},
	)
}

// applyMix multiplies every depth vector of a packed batch
// by a weight matrix (or its inverse) and adds the scalar
// sldj to every sample's ldj (or subtracts it).
func applyMix(z, ldj, w, sldj anydiff.Res, batch, pixels, d int,
	reverse bool) (anydiff.Res, anydiff.Res) {
	c := z.Output().Creator()
	if reverse {
		w = anydiff.NewConst(floatsVec(c, invertMatrix(vecFloats(w.Output()), d)))
		sldj = anydiff.Scale(sldj, c.MakeNumeric(-1))
	}
	zMat := &anydiff.Matrix{Data: z, Rows: batch * pixels, Cols: d}
	wMat := &anydiff.Matrix{Data: w, Rows: d, Cols: d}
	out := anydiff.MatMul(false, true, zMat, wMat).Data
	return out, anydiff.AddRepeated(ldj, sldj)
}
