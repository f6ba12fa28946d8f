package expr

import (
	"slices"
	"testing"
)

var (
	vacuum = Quantum{}
	plus   = Quantum{N: 1, TwoSz: 1, PG: 2}
)

func TestQuantumInvariant(t *testing.T) {
	t.Parallel()
	ar := NewArena()
	c0, d1 := Op(C, plus, 0), Op(D, plus.Neg(), 1)
	cd := ar.Prod(c0, d1, 0, 0.5)
	dc := ar.Prod(d1, c0, 0, -0.5)
	if q, _ := ar.Quantum(cd); q != vacuum {
		t.Fatalf("%s, expected %s", q, vacuum)
	}

	// C0 x C0^T also has the vacuum quantum number.
	cc := ar.Prod(c0, c0, ConjB, 2)
	sum := ar.Sum(cd, dc, cc)
	if err := ar.Check(sum); err != nil {
		t.Fatalf("%+v", err)
	}
	ar.MustMatch(Op(H, vacuum), sum)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic")
			}
		}()
		ar.Sum(cd, ar.Prod(c0, d1, ConjB, 1))
	}()
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic")
			}
		}()
		ar.MustMatch(Op(C, plus), sum)
	}()
}

func TestMul(t *testing.T) {
	t.Parallel()
	ar := NewArena()
	a := ar.Sum(ar.Elem(Op(C, plus, 0), 2, false), ar.Elem(Op(C, plus, 1), 3, false))
	b := ar.Elem(Op(C, plus, 2), 5, true)
	p := ar.Mul(a, b)
	terms := ar.Terms(p)
	if len(terms) != 2 {
		t.Fatalf("%d, expected %d", len(terms), 2)
	}
	for i, factor := range []float64{10, 15} {
		n := ar.Node(terms[i])
		if n.Kind != KindProd || n.Factor != factor || n.Conj != ConjB {
			t.Fatalf("%#v", n)
		}
	}
	if q, _ := ar.Quantum(p); q != vacuum {
		t.Fatalf("%s, expected %s", q, vacuum)
	}
	if ar.Mul(Zero, b) != Zero {
		t.Fatalf("expected zero")
	}

	s := ar.Scale(p, -1)
	for i, factor := range []float64{-10, -15} {
		if n := ar.Node(ar.Terms(s)[i]); n.Factor != factor {
			t.Fatalf("%f, expected %f", n.Factor, factor)
		}
	}
}

func TestRef(t *testing.T) {
	t.Parallel()
	ar := NewArena()
	x := ar.Elem(Op(D, plus.Neg(), 3), 1, false)
	ref := ar.Ref(x, x, true, 2, Right)
	payload, local := ar.Unwrap(ref)
	if payload != x || !local {
		t.Fatalf("%d %t", payload, local)
	}
	if h, local := ar.Unwrap(x); h != x || local {
		t.Fatalf("%d %t", h, local)
	}
	if q, _ := ar.Quantum(ref); q != plus.Neg() {
		t.Fatalf("%s, expected %s", q, plus.Neg())
	}
	if err := ar.Check(ref); err != nil {
		t.Fatalf("%+v", err)
	}
}

func TestLabelCompare(t *testing.T) {
	t.Parallel()
	labels := []Label{
		Op(D, plus, 1),
		Op(C, plus, 2),
		Op(C, plus, 1),
		{Name: C, Index: Index(1).WithSpins(1), Q: plus},
		Op(I, vacuum),
		Op(C, vacuum, 1),
	}
	slices.SortFunc(labels, Label.Compare)
	want := []string{"I[]<N=0 SZ=0 PG=0>", "C[1]<N=0 SZ=0 PG=0>", "C[1]<N=1 SZ=1 PG=2>", "C[1b]<N=1 SZ=1 PG=2>", "C[2]<N=1 SZ=1 PG=2>", "D[1]<N=1 SZ=1 PG=2>"}
	for i, l := range labels {
		if l.String() != want[i] {
			t.Fatalf("%d: %s, expected %s", i, l, want[i])
		}
	}
	if Op(C, plus, 1) != Op(C, plus, 1) {
		t.Fatalf("labels are not comparable")
	}
}

func TestSymbolic(t *testing.T) {
	t.Parallel()
	q := Quantum{N: 1, TwoSz: 1}
	ar := NewArena()
	row := NewRow(ar.Elem(Op(I, vacuum), 1, false), ar.Elem(Op(C, q, 0), 1, false))
	// Site operator matrix taking (I, C) to (I, C, H).
	m := NewSymbolic(2, 3)
	m.Set(0, 0, ar.Elem(Op(I, vacuum), 1, false))
	m.Set(0, 1, ar.Elem(Op(C, q, 1), 1, false))
	m.Set(1, 2, ar.Elem(Op(C, q, 1), 1, true))
	next := MulRowMat(ar, row, m)
	for j := range next.Cols {
		if err := ar.Check(next.At(0, j)); err != nil {
			t.Fatalf("%d: %+v", j, err)
		}
	}
	if n := ar.Node(next.At(0, 2)); n.Kind != KindProd || n.A != Op(C, q, 0) || n.Conj != ConjB {
		t.Fatalf("%#v", n)
	}

	col := NewCol(ar.Elem(Op(I, vacuum), 1, false), ar.Elem(Op(C, q, 1), 1, true))
	h := MulRowCol(ar, row, col)
	if got := len(ar.Terms(h)); got != 2 {
		t.Fatalf("%d, expected %d", got, 2)
	}
	if colNext := MulMatCol(ar, NewSymbolic(3, 2), col); colNext.Rows != 3 || colNext.At(1, 0) != Zero {
		t.Fatalf("%#v", colNext)
	}
}
