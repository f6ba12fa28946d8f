// Package mps holds matrix product state site tensors, and turns canonical sites into the basis rotations of blocks.
//
// References:
//   - The density-matrix renormalization group in the age of matrix product states, Ulrich Schollwock
package mps

import (
	"fmt"
	"math/cmplx"
	"math/rand/v2"
	"slices"

	"github.com/fumin/tensor"
	"gonum.org/v1/gonum/mat"
)

const (
	// leftAxis is the axis of a_{l-1} in Figure 6.
	leftAxis  = 0
	physAxis  = 1
	rightAxis = 2

	// Machine precision.
	epsilon = 0x1p-23
)

// BondDims returns the bond dimensions of a chain with physical dimensions physDs.
// Bond i sits to the left of site i, and is bounded by maxD and by the dimensions of the Hilbert spaces on either side.
func BondDims(physDs []int, maxD int) []int {
	n := len(physDs)
	bonds := make([]int, n+1)
	bonds[0], bonds[n] = 1, 1
	left := 1
	for i := 1; i < n; i++ {
		left = min(left*physDs[i-1], maxD)
		bonds[i] = left
	}
	right := 1
	for i := n - 1; i >= 1; i-- {
		right = min(right*physDs[i], maxD)
		bonds[i] = min(bonds[i], right)
	}
	return bonds
}

// RandMPS creates a random real matrix product state.
// maxD is the maximum bond dimension, which is D in the discussion below equation 71 in section 4.1.4, Ulrich Schollwock.
func RandMPS(rnd *rand.Rand, physDs []int, maxD int) []*tensor.Dense {
	bonds := BondDims(physDs, maxD)
	sites := make([]*tensor.Dense, 0, len(physDs))
	for i, physD := range physDs {
		sites = append(sites, RandSite(rnd, bonds[i], physD, bonds[i+1]))
	}
	return sites
}

// RandSite creates a site tensor of shape (left, phys, right) with real entries uniform in [-1, 1).
func RandSite(rnd *rand.Rand, left, phys, right int) *tensor.Dense {
	t := tensor.Zeros(left, phys, right)
	for ijk := range t.All() {
		t.SetAt(ijk, complex(rnd.Float32()*2-1, 0))
	}
	return t
}

// InnerProduct computes the inner product between x and y.
// See Section 4.2.1 Efficient evaluation of contractions, Ulrich Schollwock.
func InnerProduct(x, y []*tensor.Dense, bufs [2]*tensor.Dense) complex64 {
	if len(x) != len(y) {
		panic(fmt.Sprintf("%d %d", len(x), len(y)))
	}

	f := ones(bufs[0], 1, 1)
	const fTopAxis, fBottomAxis = 0, 1
	for i, xi := range x {
		yi := y[i]

		fyi := tensor.Contract(bufs[1], f, yi, [][2]int{{fBottomAxis, leftAxis}})
		tensor.Contract(f, xi.Conj(), fyi, [][2]int{{leftAxis, fTopAxis}, {physAxis, physAxis}})
	}

	if !slices.Equal(f.Shape(), []int{1, 1}) {
		panic(fmt.Sprintf("%#v", f.Shape()))
	}
	return f.At(0, 0)
}

// LeftCanonical left normalizes sites[:end], pushing the norm into sites[end].
// See Section 4.4.1 Generation of a left-canonical MPS, Ulrich Schollwock.
func LeftCanonical(ms []*tensor.Dense, end int, bufs [3]*tensor.Dense) {
	if end < 0 || end >= len(ms) {
		panic(fmt.Sprintf("%d %d", end, len(ms)))
	}
	for i := range end {
		leftNormalize(ms, i, bufs[:])
	}
}

// RightCanonical right normalizes sites[begin+1:], pushing the norm into sites[begin].
// See Section 4.4.2 Generation of a right-canonical MPS, Ulrich Schollwock.
func RightCanonical(ms []*tensor.Dense, begin int, bufs [3]*tensor.Dense) {
	if begin < 0 || begin >= len(ms) {
		panic(fmt.Sprintf("%d %d", begin, len(ms)))
	}
	for i := len(ms) - 1; i > begin; i-- {
		rightNormalize(ms, i, bufs[:])
	}
}

// rightNormalize normalizes a MPS site from the right.
func rightNormalize(ms []*tensor.Dense, i int, bufs []*tensor.Dense) {
	s := ms[i].Shape()
	dUp, dRight := s[physAxis], s[rightAxis]

	// Decompose ms[i] = l @ q.H.
	mi := ms[i].Reshape(s[leftAxis], dUp*dRight)
	q, lqbufs := bufs[0], [2]*tensor.Dense(bufs[1:])
	l := lq(q, mi, lqbufs)

	// ms[i-1] = ms[i-1] @ l.
	axes := [][2]int{{rightAxis, 0}}
	resetCopy(ms[i-1], tensor.Contract(bufs[1], ms[i-1], l, axes))

	// ms[i] = q.H.
	ms[i] = resetCopy(ms[i], q.H()).Reshape(-1, dUp, dRight)
}

func leftNormalize(ms []*tensor.Dense, i int, bufs []*tensor.Dense) {
	s := ms[i].Shape()
	dLeft, dUp := s[leftAxis], s[physAxis]

	// Decompose ms[i] = q @ r.
	mi := ms[i].Reshape(dLeft*dUp, s[rightAxis])
	q, qrbufs := bufs[0], [2]*tensor.Dense(bufs[1:])
	r := tensor.QR(q, mi, qrbufs)

	// ms[i+1] = r @ ms[i+1].
	axes := [][2]int{{1, leftAxis}}
	resetCopy(ms[i+1], tensor.Contract(bufs[1], r, ms[i+1], axes))

	// ms[i] = q.
	ms[i] = resetCopy(ms[i], q).Reshape(dLeft, dUp, -1)
}

func lq(q, a *tensor.Dense, bufs [2]*tensor.Dense) *tensor.Dense {
	r := tensor.QR(q, a.H(), bufs)
	return r.H()
}

// LeftRotation returns the rotation of a left block enlarged by the site,
// of shape (left*phys, right) with rows indexed by block state major.
// The site must be left canonical and real.
func LeftRotation(site *tensor.Dense) *mat.Dense {
	s := site.Shape()
	m := mat.NewDense(s[leftAxis]*s[physAxis], s[rightAxis], nil)
	for l := range s[leftAxis] {
		for p := range s[physAxis] {
			for r := range s[rightAxis] {
				m.Set(l*s[physAxis]+p, r, realPart(site.At(l, p, r)))
			}
		}
	}
	return m
}

// RightRotation returns the rotation of a right block enlarged by the site,
// of shape (phys*right, left) with rows indexed by site state major.
// The site must be right canonical and real.
func RightRotation(site *tensor.Dense) *mat.Dense {
	s := site.Shape()
	m := mat.NewDense(s[physAxis]*s[rightAxis], s[leftAxis], nil)
	for l := range s[leftAxis] {
		for p := range s[physAxis] {
			for r := range s[rightAxis] {
				m.Set(p*s[rightAxis]+r, l, realPart(site.At(l, p, r)))
			}
		}
	}
	return m
}

func realPart(v complex64) float64 {
	if abs(complex(0, imag(v))) > epsilon {
		panic(fmt.Sprintf("%v", v))
	}
	return float64(real(v))
}

// NewBufs returns scratch tensors for the functions of this package.
func NewBufs() [3]*tensor.Dense {
	return [3]*tensor.Dense{tensor.Zeros(1), tensor.Zeros(1), tensor.Zeros(1)}
}

func resetCopy(dst, src *tensor.Dense) *tensor.Dense {
	shape := src.Shape()
	zeroDigit := make([]int, len(shape))
	dst.Reset(shape...).Set(zeroDigit, src)
	return dst
}

func ones(t *tensor.Dense, shape ...int) *tensor.Dense {
	t.Reset(shape...)
	for ijk := range t.All() {
		t.SetAt(ijk, 1)
	}
	return t
}

func abs(x complex64) float32 {
	return float32(cmplx.Abs(complex128(x)))
}
