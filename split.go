package anyflow

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var s Split
	serializer.RegisterTypedDeserializer(s.SerializerType(), DeserializeSplit)
}

// Split factors out the second half of every pixel's
// channels, scoring the removed half under a prior and
// folding its log density into the ldj accumulator.
//
// In the reverse direction, the removed half is drawn
// fresh from the prior.
//
// A non-default prior is not serialized; deserialized
// layers always use the default.
type Split struct {
	InputWidth  int
	InputHeight int
	InputDepth  int

	// Prior scores and samples the factored-out half.
	// A nil Prior indicates a standard normal.
	Prior Prior

	// Rand is used to sample in the reverse direction.
	// If it is nil, a default source is used.
	Rand *rand.Rand

	keepMap anyvec.Mapper
	restMap anyvec.Mapper
}

// NewSplit creates a Split for an input tensor size.
// The depth must be even.
func NewSplit(w, h, d int) *Split {
	if d%2 != 0 {
		panic("depth must be even")
	}
	return &Split{
		InputWidth:  w,
		InputHeight: h,
		InputDepth:  d,
	}
}

// DeserializeSplit deserializes a Split.
func DeserializeSplit(d []byte) (*Split, error) {
	var w, h, depth serializer.Int
	if err := serializer.DeserializeAny(d, &w, &h, &depth); err != nil {
		return nil, essentials.AddCtx("deserialize Split", err)
	}
	return &Split{
		InputWidth:  int(w),
		InputHeight: int(h),
		InputDepth:  int(depth),
	}, nil
}

// Apply drops half of the channels in the forward
// direction, or re-samples them from the prior in the
// reverse direction.
func (s *Split) Apply(z, ldj anydiff.Res, batch int, reverse bool) (anydiff.Res,
	anydiff.Res) {
	c := z.Output().Creator()
	s.initMappers(c)
	if !reverse {
		if z.Output().Len() != batch*s.keepMap.InSize() {
			panic("incorrect input size")
		}
		n := batch * s.keepMap.OutSize()
		joined := anydiff.Pool(z, func(z anydiff.Res) anydiff.Res {
			kept := batchMap(s.keepMap, z, batch)
			rest := batchMap(s.restMap, z, batch)
			return anydiff.Concat(kept, s.prior().LogProb(rest, batch))
		})
		newZ := anydiff.Slice(joined, 0, n)
		probs := anydiff.Slice(joined, n, n+batch)
		return newZ, anydiff.Add(ldj, probs)
	}

	if z.Output().Len() != batch*s.keepMap.OutSize() {
		panic("incorrect input size")
	}
	rest := anydiff.NewConst(s.prior().Sample(c, batch*s.restMap.OutSize(), s.Rand))
	newZ := depthJoin(s.keepMap, s.restMap, z, rest, batch)
	return newZ, anydiff.Sub(ldj, s.prior().LogProb(rest, batch))
}

// SerializerType returns the unique ID used to serialize
// a Split with the serializer package.
func (s *Split) SerializerType() string {
	return "github.com/unixpickle/anyflow.Split"
}

// Serialize serializes the Split.
func (s *Split) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(s.InputWidth),
		serializer.Int(s.InputHeight),
		serializer.Int(s.InputDepth),
	)
}

func (s *Split) prior() Prior {
	if s.Prior == nil {
		return NormalPrior{}
	}
	return s.Prior
}

func (s *Split) initMappers(c anyvec.Creator) {
	if s.keepMap != nil {
		return
	}
	pixels := s.InputWidth * s.InputHeight
	d := s.InputDepth
	keepTable := make([]int, 0, pixels*d/2)
	restTable := make([]int, 0, pixels*d/2)
	for p := 0; p < pixels; p++ {
		for z := 0; z < d/2; z++ {
			keepTable = append(keepTable, p*d+z)
			restTable = append(restTable, p*d+d/2+z)
		}
	}
	s.keepMap = c.MakeMapper(pixels*d, keepTable)
	s.restMap = c.MakeMapper(pixels*d, restTable)
}
