package anyflow

import (
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/serializer"
)

func randomImages(batch, size int) []float64 {
	data := make([]float64, batch*size)
	for i := range data {
		data[i] = float64(rand.Intn(256))
	}
	return data
}

func TestSimpleFlowBPD(t *testing.T) {
	c := testCreator()
	for _, vardeq := range []bool{false, true} {
		flow := NewSimpleFlow(c, 4, 4, 1, vardeq)
		flow.Layers[0].(*Dequantize).Rand = rand.New(rand.NewSource(15))

		imgs := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(
			randomImages(2, 4*4))))
		bpd := flow.BitsPerDim(imgs, 2)
		if bpd.Output().Len() != 2 {
			t.Fatalf("expected length %d but got %d", 2, bpd.Output().Len())
		}
		for i, x := range vecFloats(bpd.Output()) {
			if math.IsNaN(x) || math.IsInf(x, 0) || x <= 0 {
				t.Errorf("vardeq=%v: bits/dim %d is %v", vardeq, i, x)
			}
		}
	}
}

func TestSimpleFlowSample(t *testing.T) {
	c := testCreator()
	flow := NewSimpleFlow(c, 4, 4, 1, false)
	flow.Rand = rand.New(rand.NewSource(15))

	out := flow.Sample(c, 3)
	if out.Len() != 3*4*4 {
		t.Fatalf("expected length %d but got %d", 3*4*4, out.Len())
	}
	for i, x := range vecFloats(out) {
		if x != math.Floor(x) || x < 0 || x > 255 {
			t.Errorf("component %d: not a pixel value: %v", i, x)
		}
	}
}

func TestMultiscaleFlow(t *testing.T) {
	c := testCreator()
	flow := NewMultiscaleFlow(c, 4, 4, 1)
	flow.Layers[0].(*Dequantize).Rand = rand.New(rand.NewSource(15))

	if flow.LatentSize != 4*4/2 {
		t.Errorf("expected latent size %d but got %d", 4*4/2, flow.LatentSize)
	}

	imgs := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(
		randomImages(2, 4*4))))
	bpd := flow.BitsPerDim(imgs, 2)
	for i, x := range vecFloats(bpd.Output()) {
		if math.IsNaN(x) || math.IsInf(x, 0) || x <= 0 {
			t.Errorf("bits/dim %d is %v", i, x)
		}
	}

	out := flow.Sample(c, 3)
	if out.Len() != 3*4*4 {
		t.Fatalf("expected length %d but got %d", 3*4*4, out.Len())
	}
	for i, x := range vecFloats(out) {
		if x != math.Floor(x) || x < 0 || x > 255 {
			t.Errorf("component %d: not a pixel value: %v", i, x)
		}
	}
}

func TestFlowNetInvert(t *testing.T) {
	c := testCreator()
	flow := NewMultiscaleFlow(c, 4, 4, 1)

	// Everything after dequantization is an exact bijection
	// up to the re-sampled split half, so the kept latents
	// and the ldj must survive a round trip.
	net := flow.Layers[1:]
	in := randomVar(c, 2*4*4)
	ldj := randomVar(c, 2)

	z, newLdj := net.Apply(in, ldj, 2, false)
	back, backLdj := net.Apply(z, newLdj, 2, true)

	if back.Output().Len() != in.Vector.Len() {
		t.Fatalf("expected length %d but got %d", in.Vector.Len(), back.Output().Len())
	}
	for i, x := range vecFloats(backLdj.Output()) {
		expected := vecFloats(ldj.Vector)[i]
		// The split re-samples its half, so the ldj only
		// matches up to the difference in prior densities.
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t.Errorf("ldj %d is %v (expected near %v)", i, x, expected)
		}
	}
}

func TestSimpleFlowInvert(t *testing.T) {
	c := testCreator()
	flow := NewSimpleFlow(c, 4, 4, 1, false)

	// The coupling stack contains no splits, so it must
	// invert exactly.
	// Fresh couplings compute the identity, so perturb the
	// parameters to exercise the affine math.
	net := flow.Layers[1:]
	for _, p := range net.Parameters() {
		noise := c.MakeVector(p.Vector.Len())
		anyvec.Rand(noise, anyvec.Normal, nil)
		noise.Scale(c.MakeNumeric(0.01))
		p.Vector.Add(noise)
	}
	in := randomVar(c, 2*4*4)
	ldj := randomVar(c, 2)

	z, newLdj := net.Apply(in, ldj, 2, false)
	back, backLdj := net.Apply(z, newLdj, 2, true)

	assertClose(t, back.Output(), in.Vector, 1e-6)
	assertClose(t, backLdj.Output(), ldj.Vector, 1e-6)
}

func TestSimpleFlowBatchIndependence(t *testing.T) {
	c := testCreator()
	flow := NewSimpleFlow(c, 4, 4, 1, false)

	// Only the deterministic part of the pipeline, so a
	// sample's density depends on nothing but the sample.
	net := flow.Layers[1:]
	for _, p := range net.Parameters() {
		noise := c.MakeVector(p.Vector.Len())
		anyvec.Rand(noise, anyvec.Normal, nil)
		noise.Scale(c.MakeNumeric(0.01))
		p.Vector.Add(noise)
	}

	const batch = 3
	const size = 4 * 4
	samples := make([][]float64, batch)
	for i := range samples {
		samples[i] = make([]float64, size)
		for j := range samples[i] {
			samples[i][j] = rand.NormFloat64()
		}
	}

	logProbs := func(order []int) []float64 {
		var data []float64
		for _, idx := range order {
			data = append(data, samples[idx]...)
		}
		in := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(data)))
		ldj := anydiff.NewConst(c.MakeVector(batch))
		z, newLdj := net.Apply(in, ldj, batch, false)
		probs := anydiff.Add(flow.prior().LogProb(z, batch), newLdj)
		return vecFloats(probs.Output())
	}

	perm := []int{2, 0, 1}
	direct := logProbs([]int{0, 1, 2})
	permuted := logProbs(perm)
	for i, idx := range perm {
		if math.Abs(permuted[i]-direct[idx]) > 1e-8 {
			t.Errorf("sample %d: density %v, but %v at batch position %d",
				idx, direct[idx], permuted[i], i)
		}
	}
}

func TestImageFlowSerialize(t *testing.T) {
	c := testCreator()
	flow := NewSimpleFlow(c, 4, 4, 1, true)
	data, err := serializer.SerializeAny(flow)
	if err != nil {
		t.Fatal(err)
	}
	var newFlow *ImageFlow
	if err := serializer.DeserializeAny(data, &newFlow); err != nil {
		t.Fatal(err)
	}
	if newFlow.Width != flow.Width || newFlow.Height != flow.Height ||
		newFlow.Depth != flow.Depth || newFlow.LatentSize != flow.LatentSize {
		t.Error("dimensions differ")
	}
	if len(newFlow.Layers) != len(flow.Layers) {
		t.Fatal("layer counts differ")
	}
	oldParams := flow.Parameters()
	newParams := newFlow.Parameters()
	if len(oldParams) != len(newParams) {
		t.Fatal("parameter counts differ")
	}
	for i, p := range oldParams {
		assertClose(t, newParams[i].Vector, p.Vector, 0)
	}
}
