// Package integral stores one- and two-electron integrals with index permutation symmetry,
// and reads and writes them in the FCIDUMP format.
package integral

import (
	"bufio"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Table is an integral array whose elements live in a caller provided slice.
type Table interface {
	// Size is the number of stored elements under the table's symmetry.
	Size() int
	// Clear zero fills the table.
	Clear()
	// WriteTo writes one FCIDUMP record per nonzero element.
	WriteTo(w io.Writer) (int64, error)

	view(data []float64)
}

// TriIndex is the packed index of the unordered pair (i, j).
func TriIndex(i, j int) int {
	if i < j {
		return j*(j+1)/2 + i
	}
	return i*(i+1)/2 + j
}

// TInt stores one-electron integrals t_ij = t_ji.
type TInt struct {
	// N is the number of orbitals.
	N    int
	data []float64
}

// NewTInt creates an unbound one-electron table of n orbitals.
func NewTInt(n int) TInt { return TInt{N: n} }

func (t *TInt) Size() int          { return t.N * (t.N + 1) / 2 }
func (t *TInt) Clear()             { clear(t.data) }
func (t *TInt) view(data []float64) { t.data = data }

func (t *TInt) At(i, j int) float64     { return t.data[TriIndex(i, j)] }
func (t *TInt) Set(i, j int, v float64) { t.data[TriIndex(i, j)] = v }

func (t *TInt) WriteTo(w io.Writer) (int64, error) {
	rw := newRecordWriter(w)
	for i := range t.N {
		for j := 0; j <= i; j++ {
			rw.write(t.At(i, j), i+1, j+1, 0, 0)
		}
	}
	return rw.flush()
}

// V1Int stores two-electron integrals without any symmetry.
type V1Int struct {
	N    int
	data []float64
}

// NewV1Int creates an unbound two-electron table of n orbitals without permutational symmetry.
func NewV1Int(n int) V1Int { return V1Int{N: n} }

func (v *V1Int) Size() int          { return v.N * v.N * v.N * v.N }
func (v *V1Int) Clear()             { clear(v.data) }
func (v *V1Int) view(data []float64) { v.data = data }

func (v *V1Int) index(i, j, k, l int) int { return ((i*v.N+j)*v.N+k)*v.N + l }

func (v *V1Int) At(i, j, k, l int) float64     { return v.data[v.index(i, j, k, l)] }
func (v *V1Int) Set(i, j, k, l int, x float64) { v.data[v.index(i, j, k, l)] = x }

func (v *V1Int) WriteTo(w io.Writer) (int64, error) {
	rw := newRecordWriter(w)
	for i := range v.N {
		for j := range v.N {
			for k := range v.N {
				for l := range v.N {
					rw.write(v.At(i, j, k, l), i+1, j+1, k+1, l+1)
				}
			}
		}
	}
	return rw.flush()
}

// V4Int stores two-electron integrals with the 4-fold symmetry [ijkl] = [jikl] = [jilk] = [ijlk].
// The pair indices p = (ij) and q = (kl) address a dense m x m grid, which is not symmetric in (p, q).
type V4Int struct {
	N    int
	data []float64
}

// NewV4Int creates an unbound two-electron table of n orbitals with four-fold symmetry.
func NewV4Int(n int) V4Int { return V4Int{N: n} }

func (v *V4Int) m() int              { return v.N * (v.N + 1) / 2 }
func (v *V4Int) Size() int           { return v.m() * v.m() }
func (v *V4Int) Clear()              { clear(v.data) }
func (v *V4Int) view(data []float64) { v.data = data }

func (v *V4Int) index(i, j, k, l int) int { return TriIndex(i, j)*v.m() + TriIndex(k, l) }

func (v *V4Int) At(i, j, k, l int) float64     { return v.data[v.index(i, j, k, l)] }
func (v *V4Int) Set(i, j, k, l int, x float64) { v.data[v.index(i, j, k, l)] = x }

func (v *V4Int) WriteTo(w io.Writer) (int64, error) {
	rw := newRecordWriter(w)
	for i := range v.N {
		for j := 0; j <= i; j++ {
			for k := range v.N {
				for l := 0; l <= k; l++ {
					rw.write(v.At(i, j, k, l), i+1, j+1, k+1, l+1)
				}
			}
		}
	}
	return rw.flush()
}

// V8Int stores two-electron integrals with the 8-fold symmetry
// [ijkl] = [jikl] = [jilk] = [ijlk] = [klij] = [klji] = [lkji] = [lkij].
type V8Int struct {
	N    int
	data []float64
}

// NewV8Int creates an unbound two-electron table of n orbitals with eight-fold symmetry.
func NewV8Int(n int) V8Int { return V8Int{N: n} }

func (v *V8Int) Size() int {
	m := v.N * (v.N + 1) / 2
	return m * (m + 1) / 2
}
func (v *V8Int) Clear()              { clear(v.data) }
func (v *V8Int) view(data []float64) { v.data = data }

func (v *V8Int) index(i, j, k, l int) int { return TriIndex(TriIndex(i, j), TriIndex(k, l)) }

func (v *V8Int) At(i, j, k, l int) float64     { return v.data[v.index(i, j, k, l)] }
func (v *V8Int) Set(i, j, k, l int, x float64) { v.data[v.index(i, j, k, l)] = x }

func (v *V8Int) WriteTo(w io.Writer) (int64, error) {
	rw := newRecordWriter(w)
	for i, ij := 0, 0; i < v.N; i++ {
		for j := 0; j <= i; j, ij = j+1, ij+1 {
			for k, kl := 0, 0; k <= i; k++ {
				for l := 0; l <= k; l, kl = l+1, kl+1 {
					if ij >= kl {
						rw.write(v.At(i, j, k, l), i+1, j+1, k+1, l+1)
					}
				}
			}
		}
	}
	return rw.flush()
}

// recordWriter writes FCIDUMP records and remembers the first error.
type recordWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func newRecordWriter(w io.Writer) *recordWriter {
	return &recordWriter{w: bufio.NewWriter(w)}
}

func (rw *recordWriter) write(v float64, i, j, k, l int) {
	if v == 0 || rw.err != nil {
		return
	}
	n, err := fmt.Fprintf(rw.w, "%20.16f%4d%4d%4d%4d\n", v, i, j, k, l)
	rw.n += int64(n)
	if err != nil {
		rw.err = errors.Wrap(err, "")
	}
}

// writeConst writes a zero-index record even when v is zero.
func (rw *recordWriter) writeConst(v float64) {
	if rw.err != nil {
		return
	}
	n, err := fmt.Fprintf(rw.w, "%20.16f%4d%4d%4d%4d\n", v, 0, 0, 0, 0)
	rw.n += int64(n)
	if err != nil {
		rw.err = errors.Wrap(err, "")
	}
}

func (rw *recordWriter) flush() (int64, error) {
	if err := rw.w.Flush(); err != nil && rw.err == nil {
		rw.err = errors.Wrap(err, "")
	}
	return rw.n, rw.err
}
