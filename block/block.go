package block

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/fumin/qcmpo/expr"
)

// Matrix is the numeric value Factor * Data of an operator.
// Data is nil until the matrix is allocated.
type Matrix struct {
	Rows   int
	Cols   int
	Factor float64
	Data   *mat.Dense
}

// NewMatrix creates an unallocated matrix shell.
func NewMatrix(rows, cols int) *Matrix {
	if rows <= 0 || cols <= 0 {
		panic(fmt.Sprintf("%d %d", rows, cols))
	}
	return &Matrix{Rows: rows, Cols: cols, Factor: 1}
}

// Allocate gives m zeroed storage from alloc. It panics when m is already allocated.
func (m *Matrix) Allocate(alloc Allocator) {
	if m.Data != nil {
		panic(fmt.Sprintf("allocated %d %d", m.Rows, m.Cols))
	}
	m.Data = mat.NewDense(m.Rows, m.Cols, alloc.Alloc(m.Rows*m.Cols))
}

func (m *Matrix) Allocated() bool { return m.Data != nil }

// Deallocate drops the storage of m. The storage itself is returned by its allocator.
func (m *Matrix) Deallocate() { m.Data = nil }

// Raw returns the contiguous row major elements of m.
func (m *Matrix) Raw() []float64 {
	if m.Data == nil {
		panic(fmt.Sprintf("not allocated %d %d", m.Rows, m.Cols))
	}
	return m.Data.RawMatrix().Data
}

// CopyFrom copies o, which must be of the same shape, into m.
func (m *Matrix) CopyFrom(o *Matrix) {
	if m.Rows != o.Rows || m.Cols != o.Cols {
		panic(fmt.Sprintf("%d %d %d %d", m.Rows, m.Cols, o.Rows, o.Cols))
	}
	m.Data.Copy(o.Data)
	m.Factor = o.Factor
}

// SelectiveCopyFrom copies the overlapping top left block of o into m, and zeroes the rest.
func (m *Matrix) SelectiveCopyFrom(o *Matrix) {
	m.Data.Zero()
	m.Data.Copy(o.Data)
	m.Factor = o.Factor
}

// Value returns Factor * Data.
func (m *Matrix) Value() *mat.Dense {
	var v mat.Dense
	v.Scale(m.Factor, m.Data)
	return &v
}

// OperatorTensor holds the operators of a block.
// LMat is the row vector of operators of a left block, and RMat the column vector of a right block.
// Their entries are Elem expressions whose labels key Ops.
type OperatorTensor struct {
	LMat    *expr.Symbolic
	RMat    *expr.Symbolic
	Ops     map[expr.Label]*Matrix
	Delayed bool
}

func NewOperatorTensor() *OperatorTensor {
	return &OperatorTensor{Ops: make(map[expr.Label]*Matrix)}
}

// Op returns the operator of l. It panics when l is absent.
func (t *OperatorTensor) Op(l expr.Label) *Matrix {
	m, ok := t.Ops[l]
	if !ok {
		panic(fmt.Sprintf("no operator %s", l))
	}
	return m
}

// Labels returns the sorted labels of t.
func (t *OperatorTensor) Labels() []expr.Label {
	ls := make([]expr.Label, 0, len(t.Ops))
	for l := range t.Ops {
		ls = append(ls, l)
	}
	slices.SortFunc(ls, expr.Label.Compare)
	return ls
}

// Deallocate drops the storage of all operators.
func (t *OperatorTensor) Deallocate() {
	for _, m := range t.Ops {
		m.Deallocate()
	}
}

// Delayed is a pair of blocks whose product is evaluated only when one of Ops is needed.
// Exprs[i] is the expression of Ops[i] in terms of the operators of Left and Right.
type Delayed struct {
	Left  *OperatorTensor
	Right *OperatorTensor
	Ops   []expr.Handle
	Exprs []expr.Handle
}
