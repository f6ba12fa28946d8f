// Package engine evaluates operator expressions against numeric block operators.
//
// Sequential computes everything in one process.
// Distributed composes a Sequential with an ownership rule, and reconciles partial results with collectives.
package engine

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/qcmpo/block"
	"github.com/fumin/qcmpo/expr"
)

// Functions are the contraction entry points.
//
// Expressions of left blocks live in LMat row vectors, and those of right blocks in RMat column vectors.
// Super block vectors are matrices of shape (left dim, right dim), so that a product a x b acts on c as a c b^T.
type Functions interface {
	// LeftAssign copies the operators of a into c.
	LeftAssign(a, c *block.OperatorTensor, alloc block.Allocator)
	RightAssign(a, c *block.OperatorTensor, alloc block.Allocator)
	// LeftRotate computes c = bra^T a ket for every operator of a.
	LeftRotate(a *block.OperatorTensor, bra, ket *mat.Dense, c *block.OperatorTensor, alloc block.Allocator)
	RightRotate(a *block.OperatorTensor, bra, ket *mat.Dense, c *block.OperatorTensor, alloc block.Allocator)
	// Multiply computes v = h c.
	Multiply(h expr.Handle, left, right *block.OperatorTensor, c, v *mat.Dense, allReduce bool)
	// MultiMultiply computes vs[i] = h cs[i].
	MultiMultiply(h expr.Handle, left, right *block.OperatorTensor, cs, vs []*mat.Dense, allReduce bool)
	// PartialMultiply computes v = h' c, where h' are the terms of h whose right operator is the identity,
	// or whose left operator is the identity when traceRight is false.
	PartialMultiply(h expr.Handle, left, right *block.OperatorTensor, traceRight bool, c, v *mat.Dense, doReduce bool)
	// Diagonal computes the diagonal of h, in the shape of a super block vector.
	Diagonal(h expr.Handle, left, right *block.OperatorTensor, d *mat.Dense)
	// TensorProduct adds the super block operator of h to c.
	TensorProduct(h expr.Handle, aOps, bOps map[expr.Label]*block.Matrix, c *block.Matrix)
	// NumericalTransform replaces the operator vector of a by names, computing names[i] = exprs[i]
	// from the operators already in a.
	NumericalTransform(a *block.OperatorTensor, names, exprs *expr.Symbolic, alloc block.Allocator)
	// DelayedContract defers the product of a and b needed by op.
	DelayedContract(a, b *block.OperatorTensor, op expr.Handle) *block.Delayed
	DelayedContractExprs(a, b *block.OperatorTensor, ops, exprs *expr.Symbolic) *block.Delayed
	// LeftContract computes the operators of c = a x b, where b is a site whose LMat is an operator matrix.
	// Operators whose names are in delayed are not computed.
	LeftContract(a, b, c *block.OperatorTensor, cexprs *expr.Symbolic, delayed expr.NameSet, alloc block.Allocator)
	// RightContract computes the operators of c = b x a, where b is a site whose RMat is an operator matrix.
	RightContract(a, b, c *block.OperatorTensor, cexprs *expr.Symbolic, delayed expr.NameSet, alloc block.Allocator)
}

func label(ar *expr.Arena, h expr.Handle) (expr.Label, float64) {
	n := ar.Node(h)
	if n.Kind != expr.KindElem {
		panic(fmt.Sprintf("%d %s", h, n.Kind))
	}
	return n.A, n.Factor
}

func lookup(ops map[expr.Label]*block.Matrix, l expr.Label) *block.Matrix {
	m, ok := ops[l]
	if !ok {
		panic(fmt.Sprintf("no operator %s", l))
	}
	if !m.Allocated() {
		panic(fmt.Sprintf("operator %s is not allocated", l))
	}
	return m
}

func transpose(m *block.Matrix, conj bool) mat.Matrix {
	if conj {
		return m.Data.T()
	}
	return m.Data
}

func raw(m *mat.Dense) []float64 {
	r := m.RawMatrix()
	if r.Stride != r.Cols {
		panic(fmt.Sprintf("%d %d", r.Stride, r.Cols))
	}
	return r.Data
}

// kron computes c += f a x b.
func kron(c *mat.Dense, f float64, a, b mat.Matrix) {
	var k mat.Dense
	k.Kronecker(a, b)
	k.Scale(f, &k)
	c.Add(c, &k)
}

// multiply computes v += f a c bT.
func multiply(v *mat.Dense, f float64, a, c, bT mat.Matrix) {
	var ac, acb mat.Dense
	ac.Mul(a, c)
	acb.Mul(&ac, bT)
	acb.Scale(f, &acb)
	v.Add(v, &acb)
}

// diagonal computes d_ij += f a_ii b_jj.
func diagonal(d *mat.Dense, f float64, a, b mat.Matrix) {
	rows, cols := d.Dims()
	for i := range rows {
		ai := f * a.At(i, i)
		for j := range cols {
			d.Set(i, j, d.At(i, j)+ai*b.At(j, j))
		}
	}
}

// rotate computes c = bra^T a ket.
func rotate(c *mat.Dense, a mat.Matrix, bra, ket *mat.Dense) {
	var t mat.Dense
	t.Mul(bra.T(), a)
	c.Mul(&t, ket)
}

// Sequential evaluates expressions in a single process with a pool of Threads goroutines.
type Sequential struct {
	Arena *expr.Arena
	// Threads is the size of the worker pool.
	Threads int
	// Replicated is set when every process computes complete results, which need no communication.
	Replicated bool
	Logger     *zap.Logger
}

func NewSequential(ar *expr.Arena, threads int) *Sequential {
	return &Sequential{Arena: ar, Threads: threads, Logger: zap.NewNop()}
}

func (s *Sequential) threads() int {
	return max(1, s.Threads)
}

func (s *Sequential) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// parallelFor calls f(i) for i in [0, n) on the worker pool.
// Tasks must not share destinations.
func (s *Sequential) parallelFor(n int, f func(i int)) {
	if s.threads() == 1 || n <= 1 {
		for i := range n {
			f(i)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(s.threads())
	for i := range n {
		g.Go(func() error {
			f(i)
			return nil
		})
	}
	g.Wait()
}

// parallelReduce accumulates f(acc, i) for i in [0, n) into dst.
// Work is split into contiguous chunks, one per worker, and the partial accumulators are added
// to dst in chunk order, so the result is deterministic for a fixed number of threads.
func (s *Sequential) parallelReduce(n int, dst *mat.Dense, f func(acc *mat.Dense, i int)) {
	workers := min(s.threads(), n)
	if workers <= 1 {
		for i := range n {
			f(dst, i)
		}
		return
	}
	rows, cols := dst.Dims()
	accs := make([]*mat.Dense, workers)
	var g errgroup.Group
	for w := range workers {
		g.Go(func() error {
			acc := mat.NewDense(rows, cols, nil)
			for i := w * n / workers; i < (w+1)*n/workers; i++ {
				f(acc, i)
			}
			accs[w] = acc
			return nil
		})
	}
	g.Wait()
	for _, acc := range accs {
		dst.Add(dst, acc)
	}
}

// terms returns the terms of h, which must not be a Ref.
func (s *Sequential) terms(h expr.Handle) []expr.Node {
	if h == expr.None {
		return nil
	}
	if k := s.Arena.Kind(h); k == expr.KindRef {
		panic(fmt.Sprintf("unexpected ref %d", h))
	}
	hs := s.Arena.Terms(h)
	nodes := make([]expr.Node, 0, len(hs))
	for _, t := range hs {
		nodes = append(nodes, s.Arena.Node(t))
	}
	return nodes
}

// prods returns the Prod terms of h.
func (s *Sequential) prods(h expr.Handle) []expr.Node {
	nodes := s.terms(h)
	for i, n := range nodes {
		if n.Kind != expr.KindProd {
			panic(fmt.Sprintf("term %d of %d is %s", i, h, n.Kind))
		}
	}
	return nodes
}
