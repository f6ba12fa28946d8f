package expr

import (
	"fmt"
)

// Symbolic is a matrix of expressions, such as the operator vector of a block
// or the operator matrix of a site. Unset entries are Zero.
type Symbolic struct {
	Rows int
	Cols int
	Data []Handle
}

func NewSymbolic(rows, cols int) *Symbolic {
	return &Symbolic{Rows: rows, Cols: cols, Data: make([]Handle, rows*cols)}
}

// NewRow creates a row vector.
func NewRow(hs ...Handle) *Symbolic {
	s := NewSymbolic(1, len(hs))
	copy(s.Data, hs)
	return s
}

// NewCol creates a column vector.
func NewCol(hs ...Handle) *Symbolic {
	s := NewSymbolic(len(hs), 1)
	copy(s.Data, hs)
	return s
}

func (s *Symbolic) At(i, j int) Handle     { return s.Data[i*s.Cols+j] }
func (s *Symbolic) Set(i, j int, h Handle) { s.Data[i*s.Cols+j] = h }

// Len is the number of entries.
func (s *Symbolic) Len() int { return len(s.Data) }

// MulRowMat multiplies row vector row by m. Entries of row and m must be Elem or Zero.
func MulRowMat(ar *Arena, row, m *Symbolic) *Symbolic {
	if row.Rows != 1 || row.Cols != m.Rows {
		panic(fmt.Sprintf("%d %d %d %d", row.Rows, row.Cols, m.Rows, m.Cols))
	}
	r := NewSymbolic(1, m.Cols)
	for j := range m.Cols {
		terms := make([]Handle, 0, row.Cols)
		for k := range row.Cols {
			terms = append(terms, ar.Mul(row.At(0, k), m.At(k, j)))
		}
		r.Set(0, j, ar.Sum(terms...))
	}
	return r
}

// MulMatCol multiplies m by column vector col.
func MulMatCol(ar *Arena, m, col *Symbolic) *Symbolic {
	if col.Cols != 1 || m.Cols != col.Rows {
		panic(fmt.Sprintf("%d %d %d %d", m.Rows, m.Cols, col.Rows, col.Cols))
	}
	r := NewSymbolic(m.Rows, 1)
	for i := range m.Rows {
		terms := make([]Handle, 0, m.Cols)
		for k := range m.Cols {
			terms = append(terms, ar.Mul(m.At(i, k), col.At(k, 0)))
		}
		r.Set(i, 0, ar.Sum(terms...))
	}
	return r
}

// MulRowCol contracts a left block row vector with a right block column vector into a sum of products.
func MulRowCol(ar *Arena, row, col *Symbolic) Handle {
	if row.Rows != 1 || col.Cols != 1 || row.Cols != col.Rows {
		panic(fmt.Sprintf("%d %d %d %d", row.Rows, row.Cols, col.Rows, col.Cols))
	}
	terms := make([]Handle, 0, row.Cols)
	for k := range row.Cols {
		terms = append(terms, ar.Mul(row.At(0, k), col.At(k, 0)))
	}
	return ar.Sum(terms...)
}
