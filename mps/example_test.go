package mps_test

import (
	"fmt"
	"math/rand/v2"

	"github.com/fumin/qcmpo/mps"
)

func Example() {
	// A chain of 6 spatial orbitals, each with 4 states.
	physDs := []int{4, 4, 4, 4, 4, 4}
	const bondDim = 8
	fmt.Println(mps.BondDims(physDs, bondDim))

	// Rotations of the left block after absorbing the first two sites.
	ms := mps.RandMPS(rand.New(rand.NewPCG(1, 1)), physDs, bondDim)
	mps.LeftCanonical(ms, 2, mps.NewBufs())
	rows, cols := mps.LeftRotation(ms[1]).Dims()
	fmt.Println(rows, cols)

	// Output:
	// [1 4 8 8 8 4 1]
	// 16 8
}
