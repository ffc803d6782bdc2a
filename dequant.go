package anyflow

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

const defaultDequantAlpha = 1e-5

func init() {
	var d Dequantize
	serializer.RegisterTypedDeserializer(d.SerializerType(), DeserializeDequantize)
}

// A NoiseSource produces dequantization noise in [0, 1)
// for a batch of discrete images, adding its distribution's
// log-density correction to the per-sample ldj accumulator.
type NoiseSource interface {
	Noise(img anyvec.Vector, ldj anydiff.Res, batch int, alpha float64,
		r *rand.Rand) (anydiff.Res, anydiff.Res)
}

// Dequantize turns discrete images with values in
// {0, ..., 255} into continuous tensors and squashes them
// onto the real line with a logit transform.
//
// In the reverse direction, a sigmoid maps latents back
// into [0, 1) and the result is scaled and floored back to
// discrete pixel values.
type Dequantize struct {
	// Alpha is the boundary-avoidance constant of the logit
	// transform.
	// A 0 alpha indicates the default of 1e-5.
	Alpha float64

	// Noise, if non-nil, replaces the uniform
	// dequantization noise, e.g. for variational
	// dequantization.
	Noise NoiseSource

	// Rand is used to generate noise.
	// If it is nil, a default source is used.
	Rand *rand.Rand
}

// DeserializeDequantize deserializes a Dequantize.
func DeserializeDequantize(data []byte) (*Dequantize, error) {
	var res Dequantize
	if err := serializer.DeserializeAny(data, &res.Alpha, &res.Noise); err == nil {
		return &res, nil
	}
	if err := serializer.DeserializeAny(data, &res.Alpha); err != nil {
		return nil, essentials.AddCtx("deserialize Dequantize", err)
	}
	return &res, nil
}

// Apply dequantizes a batch in the forward direction or
// discretizes it in the reverse direction.
//
// The reverse direction flooring is not differentiable, so
// the reversed batch is constant.
// Its ldj covers the sigmoid only; the rescaling and
// flooring back to pixel values carry no density
// correction, since sampling discards the accumulator.
func (d *Dequantize) Apply(z, ldj anydiff.Res, batch int, reverse bool) (anydiff.Res,
	anydiff.Res) {
	cr := z.Output().Creator()
	if reverse {
		z, ldj = sigmoidTransform(z, ldj, batch)
		data := vecFloats(z.Output())
		out := make([]float64, len(data))
		for i, x := range data {
			out[i] = math.Max(0, math.Min(255, math.Floor(x*256)))
		}
		return anydiff.NewConst(floatsVec(cr, out)), ldj
	}

	var noise anydiff.Res
	if d.Noise != nil {
		noise, ldj = d.Noise.Noise(z.Output(), ldj, batch, d.alpha(), d.Rand)
	} else {
		vec := cr.MakeVector(z.Output().Len())
		anyvec.Rand(vec, anyvec.Uniform, d.Rand)
		noise = anydiff.NewConst(vec)
	}
	cols := z.Output().Len() / batch
	z = anydiff.Scale(anydiff.Add(z, noise), cr.MakeNumeric(1.0/256))
	ldj = anydiff.AddScalar(ldj, cr.MakeNumeric(-float64(cols)*math.Log(256)))
	return logitTransform(z, ldj, batch, d.alpha())
}

// Parameters returns the noise source's parameters, if it
// has any.
func (d *Dequantize) Parameters() []*anydiff.Var {
	if p, ok := d.Noise.(anynet.Parameterizer); ok {
		return p.Parameters()
	}
	return nil
}

// SerializerType returns the unique ID used to serialize
// a Dequantize with the serializer package.
func (d *Dequantize) SerializerType() string {
	return "github.com/unixpickle/anyflow.Dequantize"
}

// Serialize serializes the Dequantize.
// If the noise source is set but is not a
// serializer.Serializer, this fails.
func (d *Dequantize) Serialize() ([]byte, error) {
	if d.Noise == nil {
		return serializer.SerializeAny(d.Alpha)
	}
	ns, ok := d.Noise.(serializer.Serializer)
	if !ok {
		return nil, fmt.Errorf("not a Serializer: %T", d.Noise)
	}
	return serializer.SerializeAny(d.Alpha, ns)
}

func (d *Dequantize) alpha() float64 {
	if d.Alpha == 0 {
		return defaultDequantAlpha
	}
	return d.Alpha
}

// logitTransform maps a batch from (0, 1) onto the real
// line, blending with a uniform density first so that
// values near the boundaries cannot saturate.
func logitTransform(z, ldj anydiff.Res, batch int, alpha float64) (anydiff.Res,
	anydiff.Res) {
	cr := z.Output().Creator()
	n := z.Output().Len()
	cols := n / batch
	blended := anydiff.AddScalar(
		anydiff.Scale(z, cr.MakeNumeric(1-alpha)),
		cr.MakeNumeric(0.5*alpha),
	)
	ldj = anydiff.AddScalar(ldj, cr.MakeNumeric(float64(cols)*math.Log(1-alpha)))
	joined := anydiff.Pool(blended, func(z anydiff.Res) anydiff.Res {
		return anydiff.Pool(logOf(z), func(lz anydiff.Res) anydiff.Res {
			l1z := logOf(anydiff.Complement(z))
			return anydiff.Pool(l1z, func(l1z anydiff.Res) anydiff.Res {
				sums := anydiff.SumCols(&anydiff.Matrix{
					Data: anydiff.Scale(anydiff.Add(lz, l1z), cr.MakeNumeric(-1)),
					Rows: batch,
					Cols: cols,
				})
				return anydiff.Concat(anydiff.Sub(lz, l1z), sums)
			})
		})
	})
	out := anydiff.Slice(joined, 0, n)
	sums := anydiff.Slice(joined, n, n+batch)
	return out, anydiff.Add(ldj, sums)
}

// sigmoidTransform inverts logitTransform up to the
// uniform blending, mapping the real line back into (0, 1).
func sigmoidTransform(z, ldj anydiff.Res, batch int) (anydiff.Res, anydiff.Res) {
	cr := z.Output().Creator()
	n := z.Output().Len()
	cols := n / batch
	joined := anydiff.Pool(z, func(z anydiff.Res) anydiff.Res {
		terms := anydiff.Add(
			anydiff.Scale(z, cr.MakeNumeric(-1)),
			anydiff.Scale(anydiff.LogSigmoid(z), cr.MakeNumeric(2)),
		)
		sums := anydiff.SumCols(&anydiff.Matrix{
			Data: terms,
			Rows: batch,
			Cols: cols,
		})
		return anydiff.Concat(anydiff.Sigmoid(z), sums)
	})
	out := anydiff.Slice(joined, 0, n)
	sums := anydiff.Slice(joined, n, n+batch)
	return out, anydiff.Add(ldj, sums)
}
