package block

import (
	"fmt"
	"slices"

	"github.com/fumin/qcmpo/expr"
)

// Shape returns the matrix shape of operators with quantum number q.
type Shape func(q expr.Quantum) (rows, cols int)

// Square returns a Shape of dim x dim matrices for every quantum number.
func Square(dim int) Shape {
	return func(expr.Quantum) (int, int) { return dim, dim }
}

// BuildLeft creates the unallocated operators of a left block.
// The first of mats is the row vector of the block, and the others contribute additional operators.
func BuildLeft(ar *expr.Arena, mats []*expr.Symbolic, shape Shape) *OperatorTensor {
	if mats[0].Rows != 1 {
		panic(fmt.Sprintf("%d %d", mats[0].Rows, mats[0].Cols))
	}
	t := NewOperatorTensor()
	t.LMat = cloneSymbolic(mats[0])
	addShells(ar, t, mats, shape)
	return t
}

// BuildRight creates the unallocated operators of a right block.
// The first of mats is the column vector of the block.
func BuildRight(ar *expr.Arena, mats []*expr.Symbolic, shape Shape) *OperatorTensor {
	if mats[0].Cols != 1 {
		panic(fmt.Sprintf("%d %d", mats[0].Rows, mats[0].Cols))
	}
	t := NewOperatorTensor()
	t.RMat = cloneSymbolic(mats[0])
	addShells(ar, t, mats, shape)
	return t
}

func addShells(ar *expr.Arena, t *OperatorTensor, mats []*expr.Symbolic, shape Shape) {
	for _, m := range mats {
		for _, h := range m.Data {
			n := ar.Node(h)
			switch n.Kind {
			case expr.KindZero:
				continue
			case expr.KindElem:
			default:
				panic(fmt.Sprintf("%d %s", h, n.Kind))
			}
			if _, ok := t.Ops[n.A]; ok {
				continue
			}
			rows, cols := shape(n.A.Q)
			t.Ops[n.A] = NewMatrix(rows, cols)
		}
	}
}

func cloneSymbolic(s *expr.Symbolic) *expr.Symbolic {
	return &expr.Symbolic{Rows: s.Rows, Cols: s.Cols, Data: slices.Clone(s.Data)}
}

// UniqueQuantums returns the sorted distinct quantum numbers of the operators in mats.
func UniqueQuantums(ar *expr.Arena, mats []*expr.Symbolic) []expr.Quantum {
	var qs []expr.Quantum
	for _, m := range mats {
		for _, h := range m.Data {
			if q, ok := ar.Quantum(h); ok {
				qs = append(qs, q)
			}
		}
	}
	cmp := func(a, b expr.Quantum) int {
		return expr.Label{Q: a}.Compare(expr.Label{Q: b})
	}
	slices.SortFunc(qs, cmp)
	return slices.CompactFunc(qs, func(a, b expr.Quantum) bool { return a == b })
}
