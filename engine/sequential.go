package engine

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/qcmpo/block"
	"github.com/fumin/qcmpo/expr"
)

var _ Functions = (*Sequential)(nil)

func always(expr.Label) bool { return true }

func (s *Sequential) LeftAssign(a, c *block.OperatorTensor, alloc block.Allocator) {
	if a.LMat == nil || c.LMat == nil {
		panic("left assign without row vectors")
	}
	s.assign(a, c, a.LMat, c.LMat, alloc, always)
}

func (s *Sequential) RightAssign(a, c *block.OperatorTensor, alloc block.Allocator) {
	if a.RMat == nil || c.RMat == nil {
		panic("right assign without column vectors")
	}
	s.assign(a, c, a.RMat, c.RMat, alloc, always)
}

// assign copies the operators of src in a into the operators of dst in c.
// Shapes of c may differ from those of a, in which case the overlapping blocks are copied.
func (s *Sequential) assign(a, c *block.OperatorTensor, src, dst *expr.Symbolic, alloc block.Allocator, available func(expr.Label) bool) {
	if src.Len() != dst.Len() {
		panic(fmt.Sprintf("%d %d", src.Len(), dst.Len()))
	}
	type task struct{ from, to *block.Matrix }
	tasks := make([]task, 0, src.Len())
	for i, h := range src.Data {
		if s.Arena.Kind(h) == expr.KindZero {
			dst.Data[i] = h
			continue
		}
		la, _ := label(s.Arena, h)
		lc, _ := label(s.Arena, dst.Data[i])
		if la != lc {
			panic(fmt.Sprintf("%d: %s, expected %s", i, lc, la))
		}
		if !available(la) {
			continue
		}
		to := c.Op(lc)
		if to.Allocated() {
			panic(fmt.Sprintf("%s is already allocated", lc))
		}
		if alloc.Bulk() {
			to.Allocate(alloc)
		}
		tasks = append(tasks, task{from: lookup(a.Ops, la), to: to})
	}
	s.parallelFor(len(tasks), func(i int) {
		t := tasks[i]
		if !t.to.Allocated() {
			t.to.Allocate(alloc)
		}
		if t.from.Rows == t.to.Rows && t.from.Cols == t.to.Cols {
			t.to.CopyFrom(t.from)
		} else {
			t.to.SelectiveCopyFrom(t.from)
		}
	})
}

func (s *Sequential) LeftRotate(a *block.OperatorTensor, bra, ket *mat.Dense, c *block.OperatorTensor, alloc block.Allocator) {
	c.LMat = a.LMat
	labels := a.Labels()
	s.prepareRotate(a, bra, ket, c, alloc, labels)
	s.rotate(a, bra, ket, c, labels)
}

func (s *Sequential) RightRotate(a *block.OperatorTensor, bra, ket *mat.Dense, c *block.OperatorTensor, alloc block.Allocator) {
	c.RMat = a.RMat
	labels := a.Labels()
	s.prepareRotate(a, bra, ket, c, alloc, labels)
	s.rotate(a, bra, ket, c, labels)
}

// prepareRotate allocates the rotated operators of labels in c, creating their shells when missing.
func (s *Sequential) prepareRotate(a *block.OperatorTensor, bra, ket *mat.Dense, c *block.OperatorTensor, alloc block.Allocator, labels []expr.Label) {
	_, rows := bra.Dims()
	_, cols := ket.Dims()
	for _, l := range labels {
		m, ok := c.Ops[l]
		if !ok {
			m = block.NewMatrix(rows, cols)
			c.Ops[l] = m
		}
		if m.Rows != rows || m.Cols != cols {
			panic(fmt.Sprintf("%s: %d %d, expected %d %d", l, m.Rows, m.Cols, rows, cols))
		}
		m.Allocate(alloc)
		m.Factor = a.Op(l).Factor
	}
}

// rotate computes the operators of labels in c, which must be allocated.
func (s *Sequential) rotate(a *block.OperatorTensor, bra, ket *mat.Dense, c *block.OperatorTensor, labels []expr.Label) {
	s.parallelFor(len(labels), func(i int) {
		l := labels[i]
		from := lookup(a.Ops, l)
		if br, _ := bra.Dims(); br != from.Rows {
			panic(fmt.Sprintf("%s: %d, expected %d", l, br, from.Rows))
		}
		if kr, _ := ket.Dims(); kr != from.Cols {
			panic(fmt.Sprintf("%s: %d, expected %d", l, kr, from.Cols))
		}
		rotate(c.Op(l).Data, from.Data, bra, ket)
	})
}

type termMats struct {
	f    float64
	a, b mat.Matrix
	// bT is the transpose of b.
	bT mat.Matrix
}

func (s *Sequential) termMats(n expr.Node, left, right map[expr.Label]*block.Matrix) termMats {
	a, b := lookup(left, n.A), lookup(right, n.B)
	t := termMats{f: n.Factor * a.Factor * b.Factor, a: transpose(a, n.Conj&expr.ConjA != 0), b: transpose(b, n.Conj&expr.ConjB != 0)}
	t.bT = t.b.T()
	return t
}

func (s *Sequential) Multiply(h expr.Handle, left, right *block.OperatorTensor, c, v *mat.Dense, allReduce bool) {
	terms := s.prods(h)
	v.Zero()
	s.parallelReduce(len(terms), v, func(acc *mat.Dense, i int) {
		t := s.termMats(terms[i], left.Ops, right.Ops)
		multiply(acc, t.f, t.a, c, t.bT)
	})
}

func (s *Sequential) MultiMultiply(h expr.Handle, left, right *block.OperatorTensor, cs, vs []*mat.Dense, allReduce bool) {
	if len(cs) != len(vs) {
		panic(fmt.Sprintf("%d %d", len(cs), len(vs)))
	}
	for i := range cs {
		s.Multiply(h, left, right, cs[i], vs[i], allReduce)
	}
}

func (s *Sequential) PartialMultiply(h expr.Handle, left, right *block.OperatorTensor, traceRight bool, c, v *mat.Dense, doReduce bool) {
	all := s.prods(h)
	terms := make([]expr.Node, 0, len(all))
	for _, n := range all {
		traced := n.A
		if traceRight {
			traced = n.B
		}
		if traced.Name == expr.I {
			terms = append(terms, n)
		}
	}
	v.Zero()
	s.parallelReduce(len(terms), v, func(acc *mat.Dense, i int) {
		n := terms[i]
		f := n.Factor
		var ac mat.Dense
		if traceRight {
			if m, ok := right.Ops[n.B]; ok {
				f *= m.Factor
			}
			a := lookup(left.Ops, n.A)
			ac.Mul(transpose(a, n.Conj&expr.ConjA != 0), c)
			f *= a.Factor
		} else {
			if m, ok := left.Ops[n.A]; ok {
				f *= m.Factor
			}
			b := lookup(right.Ops, n.B)
			ac.Mul(c, transpose(b, n.Conj&expr.ConjB != 0).T())
			f *= b.Factor
		}
		ac.Scale(f, &ac)
		acc.Add(acc, &ac)
	})
}

func (s *Sequential) Diagonal(h expr.Handle, left, right *block.OperatorTensor, d *mat.Dense) {
	terms := s.prods(h)
	d.Zero()
	s.parallelReduce(len(terms), d, func(acc *mat.Dense, i int) {
		t := s.termMats(terms[i], left.Ops, right.Ops)
		diagonal(acc, t.f, t.a, t.b)
	})
}

func (s *Sequential) TensorProduct(h expr.Handle, aOps, bOps map[expr.Label]*block.Matrix, c *block.Matrix) {
	for _, n := range s.prods(h) {
		t := s.termMats(n, aOps, bOps)
		ar, ac := t.a.Dims()
		br, bc := t.b.Dims()
		if ar*br != c.Rows || ac*bc != c.Cols {
			panic(fmt.Sprintf("%s x %s: %d %d, expected %d %d", n.A, n.B, ar*br, ac*bc, c.Rows, c.Cols))
		}
		kron(c.Data, t.f/c.Factor, t.a, t.b)
	}
}

func (s *Sequential) NumericalTransform(a *block.OperatorTensor, names, exprs *expr.Symbolic, alloc block.Allocator) {
	labels, scaled, mats := s.transformTargets(a, names, exprs, alloc, always)
	for i := range labels {
		if mats[i] != nil {
			s.Arena.MustMatch(labels[i], scaled[i])
		}
	}
	s.iadds(a, scaled, mats)
}

// transformTargets allocates the available operators of a and replaces its operator vector by names.
// It returns the unscaled targets of names, and exprs scaled accordingly.
// Entries of Zero names or expressions have nil mats.
func (s *Sequential) transformTargets(a *block.OperatorTensor, names, exprs *expr.Symbolic, alloc block.Allocator, available func(expr.Label) bool) ([]expr.Label, []expr.Handle, []*block.Matrix) {
	if (a.LMat == nil) == (a.RMat == nil) {
		panic("numerical transform needs exactly one of the row and column vectors")
	}
	if names.Len() != exprs.Len() {
		panic(fmt.Sprintf("%d %d", names.Len(), exprs.Len()))
	}
	for _, l := range a.Labels() {
		if m := a.Ops[l]; !m.Allocated() && available(l) {
			m.Allocate(alloc)
		}
	}
	if a.LMat == nil {
		a.RMat = names
	} else {
		a.LMat = names
	}

	labels := make([]expr.Label, names.Len())
	scaled := make([]expr.Handle, names.Len())
	mats := make([]*block.Matrix, names.Len())
	for k, name := range names.Data {
		scaled[k] = expr.None
		if s.Arena.Kind(name) == expr.KindZero || s.Arena.Kind(exprs.Data[k]) == expr.KindZero {
			continue
		}
		l, f := label(s.Arena, name)
		labels[k] = l
		scaled[k] = s.Arena.Scale(exprs.Data[k], 1/f)
		mats[k] = a.Op(l)
	}
	s.logger().Debug("numerical transform", zap.Int("targets", len(labels)))
	return labels, scaled, mats
}

// iadds computes mats[k] += hs[k] from the operators of a.
// Targets are processed in parallel, and the terms of each target in order.
func (s *Sequential) iadds(a *block.OperatorTensor, hs []expr.Handle, mats []*block.Matrix) {
	s.parallelFor(len(hs), func(k int) {
		if hs[k] == expr.None || mats[k] == nil {
			return
		}
		dst := mats[k]
		for _, t := range s.terms(hs[k]) {
			if t.Kind != expr.KindElem {
				panic(fmt.Sprintf("%s term in numerical transform", t.Kind))
			}
			src := lookup(a.Ops, t.A)
			if src == dst {
				panic(fmt.Sprintf("%s is both source and target", t.A))
			}
			iadd(dst, src, t.Factor, t.Conj&expr.ConjA != 0)
		}
	})
}

// iadd computes a += f b', where the prime is a transpose when conj is set.
func iadd(a, b *block.Matrix, f float64, conj bool) {
	bm := transpose(b, conj)
	if r, c := bm.Dims(); r != a.Rows || c != a.Cols {
		panic(fmt.Sprintf("%d %d, expected %d %d", r, c, a.Rows, a.Cols))
	}
	var fb mat.Dense
	fb.Scale(f*b.Factor/a.Factor, bm)
	a.Data.Add(a.Data, &fb)
}

func (s *Sequential) DelayedContract(a, b *block.OperatorTensor, op expr.Handle) *block.Delayed {
	h := expr.MulRowCol(s.Arena, a.LMat, b.RMat)
	l, _ := label(s.Arena, op)
	s.Arena.MustMatch(l, h)
	return &block.Delayed{Left: a, Right: b, Ops: []expr.Handle{op}, Exprs: []expr.Handle{h}}
}

func (s *Sequential) DelayedContractExprs(a, b *block.OperatorTensor, ops, exprs *expr.Symbolic) *block.Delayed {
	if ops.Len() != exprs.Len() {
		panic(fmt.Sprintf("%d %d", ops.Len(), exprs.Len()))
	}
	d := &block.Delayed{Left: a, Right: b, Ops: make([]expr.Handle, 0, ops.Len()), Exprs: make([]expr.Handle, 0, ops.Len())}
	for i, op := range ops.Data {
		if s.Arena.Kind(op) == expr.KindZero {
			continue
		}
		l, _ := label(s.Arena, op)
		s.Arena.MustMatch(l, exprs.Data[i])
		d.Ops = append(d.Ops, op)
		d.Exprs = append(d.Exprs, exprs.Data[i])
	}
	return d
}

func (s *Sequential) LeftContract(a, b, c *block.OperatorTensor, cexprs *expr.Symbolic, delayed expr.NameSet, alloc block.Allocator) {
	if a == nil {
		s.LeftAssign(b, c, alloc)
		return
	}
	exprs := cexprs
	if exprs == nil {
		exprs = expr.MulRowMat(s.Arena, a.LMat, b.LMat)
	}
	names, hs, mats := s.contractTargets(c, c.LMat, exprs, delayed)
	s.contract(hs, names, mats, a.Ops, b.Ops, alloc)
}

func (s *Sequential) RightContract(a, b, c *block.OperatorTensor, cexprs *expr.Symbolic, delayed expr.NameSet, alloc block.Allocator) {
	if a == nil {
		s.RightAssign(b, c, alloc)
		return
	}
	exprs := cexprs
	if exprs == nil {
		exprs = expr.MulMatCol(s.Arena, b.RMat, a.RMat)
	}
	names, hs, mats := s.contractTargets(c, c.RMat, exprs, delayed)
	s.contract(hs, names, mats, b.Ops, a.Ops, alloc)
}

// contractTargets pairs the operators of vec in c with exprs.
// Zero entries and operators whose names are delayed get nil mats.
func (s *Sequential) contractTargets(c *block.OperatorTensor, vec, exprs *expr.Symbolic, delayed expr.NameSet) ([]expr.Label, []expr.Handle, []*block.Matrix) {
	if vec.Len() != exprs.Len() {
		panic(fmt.Sprintf("%d %d", vec.Len(), exprs.Len()))
	}
	names := make([]expr.Label, vec.Len())
	hs := make([]expr.Handle, vec.Len())
	mats := make([]*block.Matrix, vec.Len())
	for i, h := range vec.Data {
		hs[i] = expr.None
		if s.Arena.Kind(h) == expr.KindZero {
			continue
		}
		l, _ := label(s.Arena, h)
		names[i] = l
		if delayed.Has(l.Name) {
			c.Delayed = true
			continue
		}
		hs[i] = exprs.Data[i]
		mats[i] = c.Op(l)
	}
	return names, hs, mats
}

// contract computes mats[i] = hs[i], skipping None entries.
func (s *Sequential) contract(hs []expr.Handle, names []expr.Label, mats []*block.Matrix, aOps, bOps map[expr.Label]*block.Matrix, alloc block.Allocator) {
	idx := make([]int, 0, len(hs))
	for i, h := range hs {
		if h == expr.None || mats[i] == nil {
			continue
		}
		s.Arena.MustMatch(names[i], h)
		if alloc.Bulk() && !mats[i].Allocated() {
			mats[i].Allocate(alloc)
		}
		idx = append(idx, i)
	}
	s.parallelFor(len(idx), func(j int) {
		i := idx[j]
		if !mats[i].Allocated() {
			mats[i].Allocate(alloc)
		}
		s.TensorProduct(hs[i], aOps, bOps, mats[i])
	})
}
