package anyflow

import (
	"math"
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"gonum.org/v1/gonum/mat"
)

// maskMul multiplies a packed batch by a repeating
// pattern, e.g. a per-sample mask or a per-channel scale.
func maskMul(in, mask anydiff.Res) anydiff.Res {
	if in.Output().Len()%mask.Output().Len() != 0 {
		panic("mask size must divide input size")
	}
	c := in.Output().Creator()
	zero := anydiff.NewConst(c.MakeVector(mask.Output().Len()))
	return anydiff.ScaleAddRepeated(in, mask, zero)
}

// vecFloats extracts a []float64 from a vector.
//
// Like the log-domain ops in anyctc, the float-touching
// ops in this package only work for creators that use
// []float64 numeric list types.
func vecFloats(v anyvec.Vector) []float64 {
	return v.Data().([]float64)
}

func floatsVec(c anyvec.Creator, d []float64) anyvec.Vector {
	return c.MakeVectorData(c.MakeNumericList(d))
}

type batchMapRes struct {
	In     anydiff.Res
	Mapper anyvec.Mapper
	OutVec anyvec.Vector
	Batch  int
}

// batchMap applies a gather mapping separately to every
// sample in a packed batch.
func batchMap(m anyvec.Mapper, in anydiff.Res, batch int) anydiff.Res {
	if in.Output().Len() != batch*m.InSize() {
		panic("incorrect input size")
	}
	c := in.Output().Creator()
	pieces := make([]anyvec.Vector, batch)
	for i := range pieces {
		sub := in.Output().Slice(m.InSize()*i, m.InSize()*(i+1))
		out := c.MakeVector(m.OutSize())
		m.Map(sub, out)
		pieces[i] = out
	}
	return &batchMapRes{
		In:     in,
		Mapper: m,
		OutVec: c.Concat(pieces...),
		Batch:  batch,
	}
}

func (b *batchMapRes) Output() anyvec.Vector {
	return b.OutVec
}

func (b *batchMapRes) Vars() anydiff.VarSet {
	return b.In.Vars()
}

func (b *batchMapRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	c := u.Creator()
	pieces := make([]anyvec.Vector, b.Batch)
	for i := range pieces {
		sub := u.Slice(b.Mapper.OutSize()*i, b.Mapper.OutSize()*(i+1))
		down := c.MakeVector(b.Mapper.InSize())
		b.Mapper.MapTranspose(sub, down)
		pieces[i] = down
	}
	b.In.Propagate(c.Concat(pieces...), g)
}

type batchUnmapRes struct {
	In     anydiff.Res
	Mapper anyvec.Mapper
	OutVec anyvec.Vector
	Batch  int
}

// batchUnmap inverts batchMap for permutation mappers,
// scattering each sample back through the mapping.
func batchUnmap(m anyvec.Mapper, in anydiff.Res, batch int) anydiff.Res {
	if in.Output().Len() != batch*m.OutSize() {
		panic("incorrect input size")
	}
	c := in.Output().Creator()
	pieces := make([]anyvec.Vector, batch)
	for i := range pieces {
		sub := in.Output().Slice(m.OutSize()*i, m.OutSize()*(i+1))
		out := c.MakeVector(m.InSize())
		m.MapTranspose(sub, out)
		pieces[i] = out
	}
	return &batchUnmapRes{
		In:     in,
		Mapper: m,
		OutVec: c.Concat(pieces...),
		Batch:  batch,
	}
}

func (b *batchUnmapRes) Output() anyvec.Vector {
	return b.OutVec
}

func (b *batchUnmapRes) Vars() anydiff.VarSet {
	return b.In.Vars()
}

func (b *batchUnmapRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	c := u.Creator()
	pieces := make([]anyvec.Vector, b.Batch)
	for i := range pieces {
		sub := u.Slice(b.Mapper.InSize()*i, b.Mapper.InSize()*(i+1))
		down := c.MakeVector(b.Mapper.OutSize())
		b.Mapper.Map(sub, down)
		pieces[i] = down
	}
	b.In.Propagate(c.Concat(pieces...), g)
}

type depthJoinRes struct {
	A, B       anydiff.Res
	AMap, BMap anyvec.Mapper
	OutVec     anyvec.Vector
	Batch      int
	V          anydiff.VarSet
}

// depthJoin merges two packed batches into one by
// scattering each one's samples through its mapper.
// Both mappers must target the same sample size.
func depthJoin(aMap, bMap anyvec.Mapper, a, b anydiff.Res, batch int) anydiff.Res {
	if aMap.InSize() != bMap.InSize() {
		panic("mapper target sizes must match")
	}
	if a.Output().Len() != batch*aMap.OutSize() ||
		b.Output().Len() != batch*bMap.OutSize() {
		panic("incorrect input size")
	}
	c := a.Output().Creator()
	pieces := make([]anyvec.Vector, batch)
	for i := range pieces {
		out := c.MakeVector(aMap.InSize())
		aSub := a.Output().Slice(aMap.OutSize()*i, aMap.OutSize()*(i+1))
		bSub := b.Output().Slice(bMap.OutSize()*i, bMap.OutSize()*(i+1))
		aMap.MapTranspose(aSub, out)
		bMap.MapTranspose(bSub, out)
		pieces[i] = out
	}
	return &depthJoinRes{
		A:      a,
		B:      b,
		AMap:   aMap,
		BMap:   bMap,
		OutVec: c.Concat(pieces...),
		Batch:  batch,
		V:      anydiff.MergeVarSets(a.Vars(), b.Vars()),
	}
}

func (d *depthJoinRes) Output() anyvec.Vector {
	return d.OutVec
}

func (d *depthJoinRes) Vars() anydiff.VarSet {
	return d.V
}

func (d *depthJoinRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	c := u.Creator()
	size := d.AMap.InSize()
	for _, x := range []struct {
		in anydiff.Res
		m  anyvec.Mapper
	}{{d.A, d.AMap}, {d.B, d.BMap}} {
		if !g.Intersects(x.in.Vars()) {
			continue
		}
		pieces := make([]anyvec.Vector, d.Batch)
		for i := range pieces {
			sub := u.Slice(size*i, size*(i+1))
			down := c.MakeVector(x.m.OutSize())
			x.m.Map(sub, down)
			pieces[i] = down
		}
		x.in.Propagate(c.Concat(pieces...), g)
	}
}

type logRes struct {
	In     anydiff.Res
	OutVec anyvec.Vector
}

// logOf computes the component-wise natural logarithm.
func logOf(in anydiff.Res) anydiff.Res {
	data := vecFloats(in.Output())
	out := make([]float64, len(data))
	for i, x := range data {
		out[i] = math.Log(x)
	}
	return &logRes{
		In:     in,
		OutVec: floatsVec(in.Output().Creator(), out),
	}
}

func (l *logRes) Output() anyvec.Vector {
	return l.OutVec
}

func (l *logRes) Vars() anydiff.VarSet {
	return l.In.Vars()
}

func (l *logRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	upstream := vecFloats(u)
	data := vecFloats(l.In.Output())
	down := make([]float64, len(data))
	for i, x := range data {
		down[i] = upstream[i] / x
	}
	l.In.Propagate(floatsVec(u.Creator(), down), g)
}

type diagRes struct {
	In     anydiff.Res
	OutVec anyvec.Vector
	Size   int
}

// diagOf embeds a length-d vector as the diagonal of a
// d-by-d row-major matrix.
func diagOf(in anydiff.Res, d int) anydiff.Res {
	if in.Output().Len() != d {
		panic("incorrect input size")
	}
	data := vecFloats(in.Output())
	out := make([]float64, d*d)
	for i, x := range data {
		out[i*d+i] = x
	}
	return &diagRes{
		In:     in,
		OutVec: floatsVec(in.Output().Creator(), out),
		Size:   d,
	}
}

func (d *diagRes) Output() anyvec.Vector {
	return d.OutVec
}

func (d *diagRes) Vars() anydiff.VarSet {
	return d.In.Vars()
}

func (d *diagRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	upstream := vecFloats(u)
	down := make([]float64, d.Size)
	for i := range down {
		down[i] = upstream[i*d.Size+i]
	}
	d.In.Propagate(floatsVec(u.Creator(), down), g)
}

type logAbsDetRes struct {
	In     anydiff.Res
	OutVec anyvec.Vector
	Size   int
}

// logAbsDet computes log|det(W)| of a d-by-d row-major
// matrix as a single-component result.
func logAbsDet(w anydiff.Res, d int) anydiff.Res {
	if w.Output().Len() != d*d {
		panic("incorrect input size")
	}
	var lu mat.LU
	lu.Factorize(denseFromFloats(vecFloats(w.Output()), d))
	det, _ := lu.LogDet()
	return &logAbsDetRes{
		In:     w,
		OutVec: floatsVec(w.Output().Creator(), []float64{det}),
		Size:   d,
	}
}

func (l *logAbsDetRes) Output() anyvec.Vector {
	return l.OutVec
}

func (l *logAbsDetRes) Vars() anydiff.VarSet {
	return l.In.Vars()
}

func (l *logAbsDetRes) Propagate(u anyvec.Vector, g anydiff.Grad) {
	// The gradient of log|det(W)| is the transpose of the
	// inverse of W.
	scale := vecFloats(u)[0]
	d := l.Size
	inv := invertMatrix(vecFloats(l.In.Output()), d)
	down := make([]float64, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			down[i*d+j] = scale * inv[j*d+i]
		}
	}
	l.In.Propagate(floatsVec(u.Creator(), down), g)
}

func denseFromFloats(data []float64, d int) *mat.Dense {
	return mat.NewDense(d, d, append([]float64{}, data...))
}

// invertMatrix inverts a d-by-d row-major matrix.
//
// A singular matrix is a fatal numerical condition and
// results in a panic.
func invertMatrix(data []float64, d int) []float64 {
	var inv mat.Dense
	if err := inv.Inverse(denseFromFloats(data, d)); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			panic("singular channel-mixing matrix")
		}
	}
	out := make([]float64, 0, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			out = append(out, inv.At(i, j))
		}
	}
	return out
}

// randomOrthogonal creates a random d-by-d orthogonal
// matrix via the QR decomposition of Gaussian noise.
func randomOrthogonal(d int, r *rand.Rand) []float64 {
	randn := rand.NormFloat64
	if r != nil {
		randn = r.NormFloat64
	}
	data := make([]float64, d*d)
	for i := range data {
		data[i] = randn()
	}
	var qr mat.QR
	qr.Factorize(mat.NewDense(d, d, data))
	var q mat.Dense
	qr.QTo(&q)
	out := make([]float64, 0, d*d)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			out = append(out, q.At(i, j))
		}
	}
	return out
}

// luDecompose factors a d-by-d row-major matrix a into
// p*l*u where p is a permutation matrix, l is unit
// lower-triangular, and u is upper-triangular.
//
// Partial pivoting keeps the factorization stable for the
// orthogonal matrices this package feeds it.
func luDecompose(a []float64, d int) (p, l, u []float64) {
	u = append([]float64{}, a...)
	l = make([]float64, d*d)
	rows := make([]int, d)
	for i := range rows {
		l[i*d+i] = 1
		rows[i] = i
	}

	for k := 0; k < d; k++ {
		pivot := k
		for i := k + 1; i < d; i++ {
			if math.Abs(u[i*d+k]) > math.Abs(u[pivot*d+k]) {
				pivot = i
			}
		}
		if pivot != k {
			for j := 0; j < d; j++ {
				u[k*d+j], u[pivot*d+j] = u[pivot*d+j], u[k*d+j]
			}
			for j := 0; j < k; j++ {
				l[k*d+j], l[pivot*d+j] = l[pivot*d+j], l[k*d+j]
			}
			rows[k], rows[pivot] = rows[pivot], rows[k]
		}
		for i := k + 1; i < d; i++ {
			f := u[i*d+k] / u[k*d+k]
			l[i*d+k] = f
			for j := k; j < d; j++ {
				u[i*d+j] -= f * u[k*d+j]
			}
		}
	}

	p = make([]float64, d*d)
	for j, orig := range rows {
		p[orig*d+j] = 1
	}
	return
}
