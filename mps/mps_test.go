package mps

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/fumin/tensor"
	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"
)

func TestBondDims(t *testing.T) {
	t.Parallel()
	tests := []struct {
		physDs []int
		maxD   int
		bonds  []int
	}{
		{physDs: []int{2, 2, 2, 2}, maxD: 3, bonds: []int{1, 2, 3, 2, 1}},
		{physDs: []int{4, 4}, maxD: 10, bonds: []int{1, 4, 1}},
		{physDs: []int{4, 4, 4}, maxD: 2, bonds: []int{1, 2, 2, 1}},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%#v", test), func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(test.bonds, BondDims(test.physDs, test.maxD)); diff != "" {
				t.Fatalf("%s", diff)
			}
		})
	}
}

func isometric(t *testing.T, r *mat.Dense) {
	_, cols := r.Dims()
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	id := mat.NewDense(cols, cols, nil)
	for i := range cols {
		id.Set(i, i, 1)
	}
	if !mat.EqualApprox(&rtr, id, 1e-5) {
		t.Fatalf("%v", mat.Formatted(&rtr))
	}
}

func TestLeftRotation(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewPCG(1, 2))
	ms := RandMPS(rnd, []int{2, 2, 2, 2}, 3)
	bufs := NewBufs()
	before := InnerProduct(ms, ms, [2]*tensor.Dense{bufs[0], bufs[1]})

	LeftCanonical(ms, len(ms)-1, bufs)
	after := InnerProduct(ms, ms, [2]*tensor.Dense{bufs[0], bufs[1]})
	if abs(after-before) > 1e-4*abs(before) {
		t.Fatalf("%v, expected %v", after, before)
	}
	for i, site := range ms[:len(ms)-1] {
		r := LeftRotation(site)
		s := site.Shape()
		if rows, cols := r.Dims(); rows != s[0]*s[1] || cols != s[2] {
			t.Fatalf("%d: %d %d, %#v", i, rows, cols, s)
		}
		isometric(t, r)
	}
}

func TestRightRotation(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewPCG(3, 4))
	ms := RandMPS(rnd, []int{2, 3, 2}, 4)
	bufs := NewBufs()

	RightCanonical(ms, 0, bufs)
	for i, site := range ms[1:] {
		r := RightRotation(site)
		s := site.Shape()
		if rows, cols := r.Dims(); rows != s[1]*s[2] || cols != s[0] {
			t.Fatalf("%d: %d %d, %#v", i, rows, cols, s)
		}
		isometric(t, r)
	}
}
