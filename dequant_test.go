package anyflow

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/serializer"
)

func TestLogitRoundTrip(t *testing.T) {
	c := testCreator()
	const alpha = 1e-5
	const batch = 2
	const cols = 6

	vec := c.MakeVector(batch * cols)
	anyvec.Rand(vec, anyvec.Uniform, nil)
	in := anydiff.NewVar(vec)
	zeroLdj := anydiff.NewConst(c.MakeVector(batch))

	z, ldj := logitTransform(in, zeroLdj, batch, alpha)
	back, backLdj := sigmoidTransform(z, ldj, batch)

	// The sigmoid inverts everything but the uniform
	// blending, so the round trip lands on the blended
	// values and leaves only the blending's ldj.
	blended := in.Vector.Copy()
	blended.Scale(c.MakeNumeric(1 - alpha))
	blended.AddScalar(c.MakeNumeric(0.5 * alpha))
	assertClose(t, back.Output(), blended, 1e-8)

	expectedLdj := c.MakeVector(batch)
	expectedLdj.AddScalar(c.MakeNumeric(cols * math.Log(1-alpha)))
	assertClose(t, backLdj.Output(), expectedLdj, 1e-8)
}

func TestLogitGrad(t *testing.T) {
	c := testCreator()
	data := make([]float64, 12)
	for i := range data {
		data[i] = 0.1 + 0.8*rand.Float64()
	}
	in := anydiff.NewVar(c.MakeVectorData(c.MakeNumericList(data)))
	ldj := randomVar(c, 2)

	ch := anydifftest.ResChecker{
		F: func() anydiff.Res {
			z, newLdj := logitTransform(in, ldj, 2, 1e-5)
			return anydiff.Concat(z, newLdj)
		},
		V:     []*anydiff.Var{in, ldj},
		Delta: 1e-6,
		Prec:  1e-5,
	}
	ch.FullCheck(t)
}

func TestSigmoidGrad(t *testing.T) {
	c := testCreator()
	in := randomVar(c, 12)
	ldj := randomVar(c, 2)

	ch := anydifftest.ResChecker{
		F: func() anydiff.Res {
			z, newLdj := sigmoidTransform(in, ldj, 2)
			return anydiff.Concat(z, newLdj)
		},
		V:     []*anydiff.Var{in, ldj},
		Delta: 1e-6,
		Prec:  1e-5,
	}
	ch.FullCheck(t)
}

func TestDequantizeRoundTrip(t *testing.T) {
	c := testCreator()
	const batch = 2
	const cols = 16

	data := make([]float64, batch*cols)
	for i := range data {
		data[i] = float64(rand.Intn(256))
	}
	in := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(data)))
	zeroLdj := anydiff.NewConst(c.MakeVector(batch))

	d := &Dequantize{Rand: rand.New(rand.NewSource(1337))}
	z, ldj := d.Apply(in, zeroLdj, batch, false)

	for i, x := range vecFloats(ldj.Output()) {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t.Fatalf("ldj %d is %v", i, x)
		}
	}

	back, _ := d.Apply(z, zeroLdj, batch, true)
	for i, x := range vecFloats(back.Output()) {
		if x != math.Floor(x) || x < 0 || x > 255 {
			t.Errorf("component %d: not a pixel value: %v", i, x)
		}
		// Float round-off may move a value across a pixel
		// boundary, but never further.
		if math.Abs(x-data[i]) > 1 {
			t.Errorf("component %d: expected %v but got %v", i, data[i], x)
		}
	}
}

func TestDequantizeExactValues(t *testing.T) {
	c := testCreator()
	const batch = 2

	// With the noise pinned at 0.5, every continuous value
	// sits mid-bin and discretization recovers each pixel
	// exactly, alpha blending included.
	pixels := []float64{0, 1, 17, 100, 127, 128, 254, 255,
		255, 254, 128, 127, 100, 17, 1, 0}
	cont := make([]float64, len(pixels))
	for i, v := range pixels {
		cont[i] = (v + 0.5) / 256
	}
	in := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(cont)))
	zeroLdj := anydiff.NewConst(c.MakeVector(batch))

	z, _ := logitTransform(in, zeroLdj, batch, defaultDequantAlpha)
	d := &Dequantize{}
	back, _ := d.Apply(z, zeroLdj, batch, true)
	for i, x := range vecFloats(back.Output()) {
		if x != pixels[i] {
			t.Errorf("component %d: expected %v but got %v", i, pixels[i], x)
		}
	}
}

func TestVariationalDequant(t *testing.T) {
	c := testCreator()
	const w, h, depth = 2, 2, 1
	const batch = 2

	flows := make([]*CouplingLayer, 2)
	for i := range flows {
		net := anynet.Net{
			anynet.NewFC(c, w*h*2*depth, w*h*2*depth),
			anynet.Tanh,
		}
		flows[i] = NewCouplingLayer(c, w, h, depth, depth, net,
			CheckerboardMask(c, h, w, depth, i%2 == 1))
	}
	d := &Dequantize{
		Noise: &FlowNoise{Flows: flows},
		Rand:  rand.New(rand.NewSource(7)),
	}

	data := make([]float64, batch*w*h*depth)
	for i := range data {
		data[i] = float64(rand.Intn(256))
	}
	in := anydiff.NewConst(c.MakeVectorData(c.MakeNumericList(data)))
	zeroLdj := anydiff.NewConst(c.MakeVector(batch))

	z, ldj := d.Apply(in, zeroLdj, batch, false)
	for i, x := range vecFloats(z.Output()) {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t.Fatalf("output %d is %v", i, x)
		}
	}
	for i, x := range vecFloats(ldj.Output()) {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t.Fatalf("ldj %d is %v", i, x)
		}
	}

	if len(d.Parameters()) != len(flows)*len(flows[0].Parameters()) {
		t.Error("unexpected parameter count")
	}
}

func TestDequantizeSerialize(t *testing.T) {
	c := testCreator()
	net := anynet.Net{anynet.NewFC(c, 8, 8), anynet.Tanh}
	flow := NewCouplingLayer(c, 2, 2, 1, 1, net, CheckerboardMask(c, 2, 2, 1, false))
	objs := []*Dequantize{
		{},
		{Alpha: 1e-4},
		{Noise: &FlowNoise{Flows: []*CouplingLayer{flow}}},
	}
	for i, d := range objs {
		data, err := serializer.SerializeAny(d)
		if err != nil {
			t.Fatalf("object %d: %v", i, err)
		}
		var newD *Dequantize
		if err := serializer.DeserializeAny(data, &newD); err != nil {
			t.Fatalf("object %d: %v", i, err)
		}
		if !reflect.DeepEqual(newD, d) {
			t.Errorf("object %d differs", i)
		}
	}
}
