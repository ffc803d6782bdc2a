package anyflow

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var c CouplingLayer
	serializer.RegisterTypedDeserializer(c.SerializerType(), DeserializeCouplingLayer)
}

// A CouplingLayer is an affine coupling layer.
//
// A mask splits each tensor into a pass-through part and a
// transformed part.
// A network reads the pass-through part and predicts a
// scale and translation for every transformed component,
// so the layer stays invertible no matter what the network
// computes.
type CouplingLayer struct {
	InputWidth  int
	InputHeight int
	InputDepth  int

	// CondDepth is the depth of the conditioning tensor
	// required by ApplyCond, or 0 if the layer is
	// unconditioned.
	CondDepth int

	// Network maps the masked input (with the conditioning
	// channels appended per pixel, if any) to 2*InputDepth
	// channels per pixel: scales first, then translations.
	Network anynet.Layer

	// Mask is 1 where the input passes through unchanged.
	Mask *anydiff.Const

	// Scale contains one log scaling factor per channel,
	// used to rein in the predicted scales.
	Scale *anydiff.Var

	sMap     anyvec.Mapper
	tMap     anyvec.Mapper
	zJoin    anyvec.Mapper
	condJoin anyvec.Mapper
}

// NewCouplingLayer creates a CouplingLayer with zeroed
// scaling factors.
//
// The mask must cover a single w-by-h-by-d sample.
func NewCouplingLayer(c anyvec.Creator, w, h, d, condDepth int,
	net anynet.Layer, mask *anydiff.Const) *CouplingLayer {
	if mask.Output().Len() != w*h*d {
		panic("mask must cover one sample")
	}
	return &CouplingLayer{
		InputWidth:  w,
		InputHeight: h,
		InputDepth:  d,
		CondDepth:   condDepth,
		Network:     net,
		Mask:        mask,
		Scale:       anydiff.NewVar(c.MakeVector(d)),
	}
}

// DeserializeCouplingLayer deserializes a CouplingLayer.
func DeserializeCouplingLayer(d []byte) (*CouplingLayer, error) {
	var inW, inH, inD, condD serializer.Int
	var mask, scale *anyvecsave.S
	var res CouplingLayer
	err := serializer.DeserializeAny(d, &inW, &inH, &inD, &condD, &mask, &scale,
		&res.Network)
	if err != nil {
		return nil, essentials.AddCtx("deserialize CouplingLayer", err)
	}
	res.InputWidth = int(inW)
	res.InputHeight = int(inH)
	res.InputDepth = int(inD)
	res.CondDepth = int(condD)
	res.Mask = anydiff.NewConst(mask.Vector)
	res.Scale = anydiff.NewVar(scale.Vector)
	return &res, nil
}

// Apply applies the layer to an unconditioned batch.
//
// This fails if CondDepth is non-zero.
func (c *CouplingLayer) Apply(z, ldj anydiff.Res, batch int, reverse bool) (anydiff.Res,
	anydiff.Res) {
	return c.ApplyCond(z, ldj, nil, batch, reverse)
}

// ApplyCond applies the layer with a conditioning batch,
// which passes through the network but is never
// transformed.
//
// The cond argument must be nil exactly when CondDepth is
// zero.
func (c *CouplingLayer) ApplyCond(z, ldj, cond anydiff.Res, batch int,
	reverse bool) (anydiff.Res, anydiff.Res) {
	sampleSize := c.InputWidth * c.InputHeight * c.InputDepth
	if z.Output().Len() != batch*sampleSize {
		panic("incorrect input size")
	}
	if (cond == nil) != (c.CondDepth == 0) {
		panic("conditioning mismatch")
	}
	cr := z.Output().Creator()
	joined := anydiff.Pool(z, func(z anydiff.Res) anydiff.Res {
		masked := maskMul(z, c.Mask)
		input := masked
		if c.CondDepth > 0 {
			c.initCondMaps(cr)
			input = depthJoin(c.zJoin, c.condJoin, masked, cond, batch)
		}
		outs := c.Network.Apply(input, batch)
		return anydiff.Pool(outs, func(outs anydiff.Res) anydiff.Res {
			c.initChunkMaps(cr)
			off := anydiff.Complement(c.Mask)
			s := maskMul(c.stabilize(batchMap(c.sMap, outs, batch)), off)
			t := maskMul(batchMap(c.tMap, outs, batch), off)
			return anydiff.Pool(s, func(s anydiff.Res) anydiff.Res {
				sums := anydiff.SumCols(&anydiff.Matrix{
					Data: s,
					Rows: batch,
					Cols: sampleSize,
				})
				var newZ anydiff.Res
				if !reverse {
					newZ = anydiff.Mul(anydiff.Add(z, t), anydiff.Exp(s))
				} else {
					negExp := anydiff.Exp(anydiff.Scale(s, cr.MakeNumeric(-1)))
					newZ = anydiff.Sub(anydiff.Mul(z, negExp), t)
				}
				return anydiff.Concat(newZ, sums)
			})
		})
	})
	n := batch * sampleSize
	newZ := anydiff.Slice(joined, 0, n)
	sums := anydiff.Slice(joined, n, n+batch)
	if reverse {
		return newZ, anydiff.Sub(ldj, sums)
	}
	return newZ, anydiff.Add(ldj, sums)
}

// Parameters returns the layer's scaling factors followed
// by the network's parameters, if it has any.
func (c *CouplingLayer) Parameters() []*anydiff.Var {
	res := []*anydiff.Var{c.Scale}
	if p, ok := c.Network.(anynet.Parameterizer); ok {
		res = append(res, p.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a CouplingLayer with the serializer package.
func (c *CouplingLayer) SerializerType() string {
	return "github.com/unixpickle/anyflow.CouplingLayer"
}

// Serialize serializes the CouplingLayer.
// If the network is not a serializer.Serializer, this
// fails.
func (c *CouplingLayer) Serialize() ([]byte, error) {
	netSer, ok := c.Network.(serializer.Serializer)
	if !ok {
		return nil, fmt.Errorf("not a Serializer: %T", c.Network)
	}
	return serializer.SerializeAny(
		serializer.Int(c.InputWidth),
		serializer.Int(c.InputHeight),
		serializer.Int(c.InputDepth),
		serializer.Int(c.CondDepth),
		&anyvecsave.S{Vector: c.Mask.Output()},
		&anyvecsave.S{Vector: c.Scale.Vector},
		netSer,
	)
}

// stabilize squashes the raw scale predictions through a
// tanh with learned per-channel limits, preventing the
// exponentials downstream from blowing up.
func (c *CouplingLayer) stabilize(s anydiff.Res) anydiff.Res {
	cr := s.Output().Creator()
	return anydiff.Pool(anydiff.Exp(c.Scale), func(fac anydiff.Res) anydiff.Res {
		inv := anydiff.Pow(fac, cr.MakeNumeric(-1))
		return maskMul(anydiff.Tanh(maskMul(s, inv)), fac)
	})
}

func (c *CouplingLayer) initChunkMaps(cr anyvec.Creator) {
	if c.sMap != nil {
		return
	}
	pixels := c.InputWidth * c.InputHeight
	d := c.InputDepth
	sTable := make([]int, 0, pixels*d)
	tTable := make([]int, 0, pixels*d)
	for p := 0; p < pixels; p++ {
		for z := 0; z < d; z++ {
			sTable = append(sTable, (p*2)*d+z)
			tTable = append(tTable, (p*2+1)*d+z)
		}
	}
	c.sMap = cr.MakeMapper(pixels*2*d, sTable)
	c.tMap = cr.MakeMapper(pixels*2*d, tTable)
}

func (c *CouplingLayer) initCondMaps(cr anyvec.Creator) {
	if c.zJoin != nil {
		return
	}
	pixels := c.InputWidth * c.InputHeight
	d := c.InputDepth
	joined := d + c.CondDepth
	zTable := make([]int, 0, pixels*d)
	condTable := make([]int, 0, pixels*c.CondDepth)
	for p := 0; p < pixels; p++ {
		for z := 0; z < d; z++ {
			zTable = append(zTable, p*joined+z)
		}
		for z := 0; z < c.CondDepth; z++ {
			condTable = append(condTable, p*joined+d+z)
		}
	}
	c.zJoin = cr.MakeMapper(pixels*joined, zTable)
	c.condJoin = cr.MakeMapper(pixels*joined, condTable)
}
