package anyflow

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
)

func testCreator() anyvec.Creator {
	return anyvec64.DefaultCreator{}
}

func randomVar(c anyvec.Creator, size int) *anydiff.Var {
	vec := c.MakeVector(size)
	anyvec.Rand(vec, anyvec.Normal, nil)
	return anydiff.NewVar(vec)
}

func assertClose(t *testing.T, actual, expected anyvec.Vector, prec float64) {
	t.Helper()
	if actual.Len() != expected.Len() {
		t.Fatalf("expected length %d but got %d", expected.Len(), actual.Len())
	}
	diff := actual.Copy()
	diff.Sub(expected)
	if max := anyvec.AbsMax(diff).(float64); max > prec {
		t.Errorf("values differ by up to %v", max)
	}
}

func TestBatchMapInverse(t *testing.T) {
	c := testCreator()
	m := c.MakeMapper(6, []int{5, 4, 3, 2, 1, 0})
	in := randomVar(c, 12)
	out := batchMap(m, in, 2)
	back := batchUnmap(m, out, 2)
	assertClose(t, back.Output(), in.Vector, 1e-12)
}

func TestBatchMapGrad(t *testing.T) {
	c := testCreator()
	m := c.MakeMapper(6, []int{5, 4, 3, 2, 1, 0})
	in := randomVar(c, 12)
	ch := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return batchUnmap(m, batchMap(m, in, 2), 2)
		},
		V:     []*anydiff.Var{in},
		Delta: 1e-6,
		Prec:  1e-5,
	}
	ch.FullCheck(t)
}

func TestDepthJoin(t *testing.T) {
	c := testCreator()
	aMap := c.MakeMapper(4, []int{0, 2})
	bMap := c.MakeMapper(4, []int{1, 3})
	a := anydiff.NewVar(c.MakeVectorData(c.MakeNumericList([]float64{1, 2, 3, 4})))
	b := anydiff.NewVar(c.MakeVectorData(c.MakeNumericList([]float64{5, 6, 7, 8})))
	out := depthJoin(aMap, bMap, a, b, 2)
	expected := c.MakeVectorData(c.MakeNumericList([]float64{1, 5, 2, 6, 3, 7, 4, 8}))
	assertClose(t, out.Output(), expected, 1e-12)

	ch := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return depthJoin(aMap, bMap, a, b, 2)
		},
		V:     []*anydiff.Var{a, b},
		Delta: 1e-6,
		Prec:  1e-5,
	}
	ch.FullCheck(t)
}

func TestLogOf(t *testing.T) {
	c := testCreator()
	vec := c.MakeVector(10)
	anyvec.Rand(vec, anyvec.Uniform, nil)
	vec.AddScalar(c.MakeNumeric(0.1))
	in := anydiff.NewVar(vec)

	out := vecFloats(logOf(in).Output())
	for i, x := range vecFloats(vec) {
		if math.Abs(out[i]-math.Log(x)) > 1e-8 {
			t.Errorf("component %d: expected %v but got %v", i, math.Log(x), out[i])
		}
	}

	ch := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return logOf(in)
		},
		V:     []*anydiff.Var{in},
		Delta: 1e-6,
		Prec:  1e-5,
	}
	ch.FullCheck(t)
}

func TestDiagOf(t *testing.T) {
	c := testCreator()
	in := anydiff.NewVar(c.MakeVectorData(c.MakeNumericList([]float64{1, 2, 3})))
	out := diagOf(in, 3)
	expected := c.MakeVectorData(c.MakeNumericList([]float64{
		1, 0, 0,
		0, 2, 0,
		0, 0, 3,
	}))
	assertClose(t, out.Output(), expected, 1e-12)

	ch := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return diagOf(in, 3)
		},
		V:     []*anydiff.Var{in},
		Delta: 1e-6,
		Prec:  1e-5,
	}
	ch.FullCheck(t)
}

func TestLogAbsDet(t *testing.T) {
	c := testCreator()
	in := anydiff.NewVar(c.MakeVectorData(c.MakeNumericList([]float64{
		2, 1,
		0.5, 3,
	})))
	out := vecFloats(logAbsDet(in, 2).Output())
	expected := math.Log(2*3 - 1*0.5)
	if math.Abs(out[0]-expected) > 1e-8 {
		t.Errorf("expected %v but got %v", expected, out[0])
	}

	ch := anydifftest.ResChecker{
		F: func() anydiff.Res {
			return logAbsDet(in, 2)
		},
		V:     []*anydiff.Var{in},
		Delta: 1e-6,
		Prec:  1e-5,
	}
	ch.FullCheck(t)
}

func TestLUDecompose(t *testing.T) {
	const d = 4
	a := randomOrthogonal(d, nil)
	p, l, u := luDecompose(a, d)

	for i := 0; i < d; i++ {
		if math.Abs(l[i*d+i]-1) > 1e-8 {
			t.Errorf("diagonal %d of L: expected 1 but got %v", i, l[i*d+i])
		}
		for j := i + 1; j < d; j++ {
			if l[i*d+j] != 0 {
				t.Errorf("entry (%d,%d) of L: expected 0 but got %v", i, j, l[i*d+j])
			}
		}
		for j := 0; j < i; j++ {
			if u[i*d+j] != 0 {
				t.Errorf("entry (%d,%d) of U: expected 0 but got %v", i, j, u[i*d+j])
			}
		}
	}

	product := matProduct(matProduct(p, l, d), u, d)
	for i, x := range a {
		if math.Abs(product[i]-x) > 1e-8 {
			t.Errorf("entry %d: expected %v but got %v", i, x, product[i])
		}
	}
}

func TestRandomOrthogonal(t *testing.T) {
	const d = 5
	q := randomOrthogonal(d, nil)
	qt := make([]float64, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			qt[i*d+j] = q[j*d+i]
		}
	}
	product := matProduct(q, qt, d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			expected := 0.0
			if i == j {
				expected = 1
			}
			if math.Abs(product[i*d+j]-expected) > 1e-8 {
				t.Errorf("entry (%d,%d): expected %v but got %v", i, j, expected,
					product[i*d+j])
			}
		}
	}
}

func matProduct(a, b []float64, d int) []float64 {
	res := make([]float64, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			var sum float64
			for k := 0; k < d; k++ {
				sum += a[i*d+k] * b[k*d+j]
			}
			res[i*d+j] = sum
		}
	}
	return res
}
