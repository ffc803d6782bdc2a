package anyflow

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var s Squeeze
	serializer.RegisterTypedDeserializer(s.SerializerType(), DeserializeSqueeze)
}

// Squeeze trades spatial resolution for depth, turning
// every 2x2 block of pixels into a single pixel with four
// times the channels.
//
// The four pixels of a block land in channel groups
// ordered top-left, top-right, bottom-left, bottom-right.
// Since this is a permutation, the log-det-Jacobian is
// unchanged.
type Squeeze struct {
	InputWidth  int
	InputHeight int
	InputDepth  int

	mapper anyvec.Mapper
}

// NewSqueeze creates a Squeeze for an input tensor size.
// The width and height must be even.
func NewSqueeze(w, h, d int) *Squeeze {
	if w%2 != 0 || h%2 != 0 {
		panic("dimensions must be even")
	}
	return &Squeeze{
		InputWidth:  w,
		InputHeight: h,
		InputDepth:  d,
	}
}

// DeserializeSqueeze deserializes a Squeeze.
func DeserializeSqueeze(d []byte) (*Squeeze, error) {
	var w, h, depth serializer.Int
	if err := serializer.DeserializeAny(d, &w, &h, &depth); err != nil {
		return nil, essentials.AddCtx("deserialize Squeeze", err)
	}
	return &Squeeze{
		InputWidth:  int(w),
		InputHeight: int(h),
		InputDepth:  int(depth),
	}, nil
}

// Apply rearranges a batch, leaving ldj untouched.
func (s *Squeeze) Apply(z, ldj anydiff.Res, batch int, reverse bool) (anydiff.Res,
	anydiff.Res) {
	sampleSize := s.InputWidth * s.InputHeight * s.InputDepth
	if z.Output().Len() != batch*sampleSize {
		panic("incorrect input size")
	}
	s.initMapper(z.Output().Creator())
	if reverse {
		return batchUnmap(s.mapper, z, batch), ldj
	}
	return batchMap(s.mapper, z, batch), ldj
}

// SerializerType returns the unique ID used to serialize
// a Squeeze with the serializer package.
func (s *Squeeze) SerializerType() string {
	return "github.com/unixpickle/anyflow.Squeeze"
}

// Serialize serializes the Squeeze.
func (s *Squeeze) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(s.InputWidth),
		serializer.Int(s.InputHeight),
		serializer.Int(s.InputDepth),
	)
}

func (s *Squeeze) initMapper(c anyvec.Creator) {
	if s.mapper != nil {
		return
	}
	w, h, d := s.InputWidth, s.InputHeight, s.InputDepth
	table := make([]int, 0, w*h*d)
	for y := 0; y < h/2; y++ {
		for x := 0; x < w/2; x++ {
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					for z := 0; z < d; z++ {
						table = append(table, ((2*y+dy)*w+(2*x+dx))*d+z)
					}
				}
			}
		}
	}
	s.mapper = c.MakeMapper(w*h*d, table)
}
