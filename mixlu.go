package anyflow

import (
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var l LUMixChannels
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLUMixChannels)
}

// LUMixChannels is a MixChannels variant which stores the
// mixing matrix in LU-factorized form, W = P*L*U.
//
// The permutation P and the signs of U's diagonal are
// fixed at initialization, while L's strict lower
// triangle, U's strict upper triangle, and the logs of
// U's diagonal magnitudes are trained.
// This makes the log-det-Jacobian a plain sum instead of a
// determinant computation.
type LUMixChannels struct {
	InputWidth  int
	InputHeight int
	InputDepth  int

	// Perm is the fixed row-major permutation matrix.
	Perm *anydiff.Const

	// SignS contains the fixed signs of U's diagonal.
	SignS *anydiff.Const

	// L holds the strict lower triangle of the unit
	// lower-triangular factor.
	// Entries on or above the diagonal are ignored.
	L *anydiff.Var

	// LogS contains the logs of the magnitudes of U's
	// diagonal.
	LogS *anydiff.Var

	// U holds the strict upper triangle of the upper
	// factor.
	// Entries on or below the diagonal are ignored.
	U *anydiff.Var

	lMask *anydiff.Const
	uMask *anydiff.Const
	eye   *anydiff.Const
}

// NewLUMixChannels creates an LUMixChannels by factorizing
// a random orthogonal matrix, making the initial
// log-det-Jacobian contribution zero.
func NewLUMixChannels(c anyvec.Creator, w, h, d int, r *rand.Rand) *LUMixChannels {
	p, lower, upper := luDecompose(randomOrthogonal(d, r), d)
	signs := make([]float64, d)
	logs := make([]float64, d)
	for i := 0; i < d; i++ {
		x := upper[i*d+i]
		signs[i] = 1
		if x < 0 {
			signs[i] = -1
		}
		logs[i] = math.Log(math.Abs(x))
	}
	return &LUMixChannels{
		InputWidth:  w,
		InputHeight: h,
		InputDepth:  d,
		Perm:        anydiff.NewConst(floatsVec(c, p)),
		SignS:       anydiff.NewConst(floatsVec(c, signs)),
		L:           anydiff.NewVar(floatsVec(c, lower)),
		LogS:        anydiff.NewVar(floatsVec(c, logs)),
		U:           anydiff.NewVar(floatsVec(c, upper)),
	}
}

// DeserializeLUMixChannels deserializes an LUMixChannels.
func DeserializeLUMixChannels(d []byte) (*LUMixChannels, error) {
	var w, h, depth serializer.Int
	var perm, signs, lower, logs, upper *anyvecsave.S
	err := serializer.DeserializeAny(d, &w, &h, &depth, &perm, &signs, &lower,
		&logs, &upper)
	if err != nil {
		return nil, essentials.AddCtx("deserialize LUMixChannels", err)
	}
	return &LUMixChannels{
		InputWidth:  int(w),
		InputHeight: int(h),
		InputDepth:  int(depth),
		Perm:        anydiff.NewConst(perm.Vector),
		SignS:       anydiff.NewConst(signs.Vector),
		L:           anydiff.NewVar(lower.Vector),
		LogS:        anydiff.NewVar(logs.Vector),
		U:           anydiff.NewVar(upper.Vector),
	}, nil
}

// Apply mixes the channels of a batch.
func (l *LUMixChannels) Apply(z, ldj anydiff.Res, batch int, reverse bool) (anydiff.Res,
	anydiff.Res) {
	pixels := l.InputWidth * l.InputHeight
	d := l.InputDepth
	if z.Output().Len() != batch*pixels*d {
		panic("incorrect input size")
	}
	c := z.Output().Creator()
	sldj := anydiff.Scale(anydiff.Sum(l.LogS), c.MakeNumeric(float64(pixels)))
	return applyMix(z, ldj, l.weight(c), sldj, batch, pixels, d, reverse)
}

// Parameters returns the trainable factors L, LogS, and U.
func (l *LUMixChannels) Parameters() []*anydiff.Var {
	return []*anydiff.Var{l.L, l.LogS, l.U}
}

// SerializerType returns the unique ID used to serialize
// an LUMixChannels with the serializer package.
func (l *LUMixChannels) SerializerType() string {
	return "github.com/unixpickle/anyflow.LUMixChannels"
}

// Serialize serializes the LUMixChannels.
func (l *LUMixChannels) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(l.InputWidth),
		serializer.Int(l.InputHeight),
		serializer.Int(l.InputDepth),
		&anyvecsave.S{Vector: l.Perm.Output()},
		&anyvecsave.S{Vector: l.SignS.Output()},
		&anyvecsave.S{Vector: l.L.Vector},
		&anyvecsave.S{Vector: l.LogS.Vector},
		&anyvecsave.S{Vector: l.U.Vector},
	)
}

// weight reconstructs the full mixing matrix W = P*L*U.
func (l *LUMixChannels) weight(c anyvec.Creator) anydiff.Res {
	l.initMasks(c)
	d := l.InputDepth
	lower := anydiff.Add(anydiff.Mul(l.L, l.lMask), l.eye)
	diag := diagOf(anydiff.Mul(anydiff.Exp(l.LogS), l.SignS), d)
	upper := anydiff.Add(anydiff.Mul(l.U, l.uMask), diag)
	pl := anydiff.MatMul(false, false,
		&anydiff.Matrix{Data: l.Perm, Rows: d, Cols: d},
		&anydiff.Matrix{Data: lower, Rows: d, Cols: d})
	return anydiff.MatMul(false, false, pl,
		&anydiff.Matrix{Data: upper, Rows: d, Cols: d}).Data
}

func (l *LUMixChannels) initMasks(c anyvec.Creator) {
	if l.lMask != nil {
		return
	}
	d := l.InputDepth
	lower := make([]float64, d*d)
	upper := make([]float64, d*d)
	eye := make([]float64, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			if j < i {
				lower[i*d+j] = 1
			} else if j > i {
				upper[i*d+j] = 1
			}
		}
		eye[i*d+i] = 1
	}
	l.lMask = anydiff.NewConst(floatsVec(c, lower))
	l.uMask = anydiff.NewConst(floatsVec(c, upper))
	l.eye = anydiff.NewConst(floatsVec(c, eye))
}
