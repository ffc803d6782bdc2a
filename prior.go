package anyflow

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

const log2Pi = 1.8378770664093453

// A Prior is a fixed base distribution over latent
// tensors.
//
// Priors have no mutable state and may be shared freely
// between layers.
type Prior interface {
	// LogProb computes the per-sample log densities of a
	// packed batch, producing one component per sample.
	LogProb(z anydiff.Res, batch int) anydiff.Res

	// Sample draws a vector of n components.
	// If r is nil, a default source is used.
	Sample(c anyvec.Creator, n int, r *rand.Rand) anyvec.Vector
}

// NormalPrior is the standard normal distribution,
// applied independently per component.
type NormalPrior struct{}

// LogProb computes per-sample Gaussian log densities.
func (n NormalPrior) LogProb(z anydiff.Res, batch int) anydiff.Res {
	if batch == 0 || z.Output().Len()%batch != 0 {
		panic("batch size must divide input length")
	}
	c := z.Output().Creator()
	comps := anydiff.AddScalar(
		anydiff.Scale(anydiff.Square(z), c.MakeNumeric(-0.5)),
		c.MakeNumeric(-0.5*log2Pi),
	)
	return anydiff.SumCols(&anydiff.Matrix{
		Data: comps,
		Rows: batch,
		Cols: z.Output().Len() / batch,
	})
}

// Sample draws standard normal noise.
func (n NormalPrior) Sample(c anyvec.Creator, num int, r *rand.Rand) anyvec.Vector {
	vec := c.MakeVector(num)
	anyvec.Rand(vec, anyvec.Normal, r)
	return vec
}
