package block

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/qcmpo/expr"
)

func TestAllocators(t *testing.T) {
	t.Parallel()
	tests := []struct {
		alloc Allocator
		bulk  bool
	}{
		{alloc: NewStack(64), bulk: true},
		{alloc: Heap{}, bulk: false},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%T", test.alloc), func(t *testing.T) {
			t.Parallel()
			if test.alloc.Bulk() != test.bulk {
				t.Fatalf("%t, expected %t", test.alloc.Bulk(), test.bulk)
			}
			a, b := NewMatrix(3, 4), NewMatrix(2, 2)
			a.Allocate(test.alloc)
			b.Allocate(test.alloc)
			a.Data.Set(2, 3, 7)
			if b.Data.At(1, 1) != 0 {
				t.Fatalf("%f", b.Data.At(1, 1))
			}
			b.Data.Set(0, 0, 1)
			if a.Raw()[11] != 7 || a.Raw()[0] != 0 {
				t.Fatalf("%v", a.Raw())
			}
			test.alloc.Release()
		})
	}
}

func TestStackExhausted(t *testing.T) {
	t.Parallel()
	s := NewStack(10)
	NewMatrix(3, 3).Allocate(s)
	if s.Used() != 9 {
		t.Fatalf("%d, expected %d", s.Used(), 9)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewMatrix(1, 2).Allocate(s)
}

func TestStackRelease(t *testing.T) {
	t.Parallel()
	s := NewStack(8)
	m := NewMatrix(2, 4)
	m.Allocate(s)
	m.Data.Set(1, 1, 3)
	s.Release()

	m.Deallocate()
	m.Allocate(s)
	if m.Data.At(1, 1) != 0 {
		t.Fatalf("%f", m.Data.At(1, 1))
	}
	if s.Peak() != 8 {
		t.Fatalf("%d, expected %d", s.Peak(), 8)
	}
}

func TestCopy(t *testing.T) {
	t.Parallel()
	src := NewMatrix(2, 3)
	src.Allocate(Heap{})
	src.Data.Copy(mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}))
	src.Factor = 0.5

	same := NewMatrix(2, 3)
	same.Allocate(Heap{})
	same.CopyFrom(src)
	if !mat.Equal(same.Data, src.Data) || same.Factor != 0.5 {
		t.Fatalf("%v", mat.Formatted(same.Data))
	}

	big := NewMatrix(3, 2)
	big.Allocate(Heap{})
	big.Data.Set(2, 1, 9)
	big.SelectiveCopyFrom(src)
	if diff := cmp.Diff([]float64{1, 2, 4, 5, 0, 0}, big.Raw()); diff != "" {
		t.Fatalf("%s", diff)
	}
	if diff := cmp.Diff([]float64{0.5, 1, 1.5, 2, 2.5, 3}, src.Value().RawMatrix().Data); diff != "" {
		t.Fatalf("%s", diff)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	big.CopyFrom(src)
}

func TestBuildLeft(t *testing.T) {
	t.Parallel()
	ar := expr.NewArena()
	q := expr.Quantum{N: 1, TwoSz: 1}
	i := ar.Elem(expr.Op(expr.I, expr.Quantum{}), 1, false)
	c0 := ar.Elem(expr.Op(expr.C, q, 0), 1, false)
	d0 := ar.Elem(expr.Op(expr.D, q.Neg(), 0), 1, false)
	row := expr.NewRow(i, c0, expr.Zero)
	extra := expr.NewRow(d0, c0)

	dims := map[expr.Quantum]int{{}: 4, q: 3, q.Neg(): 2}
	left := BuildLeft(ar, []*expr.Symbolic{row, extra}, func(q expr.Quantum) (int, int) { return dims[q], 5 })
	if len(left.Ops) != 3 {
		t.Fatalf("%v", left.Labels())
	}
	if m := left.Op(expr.Op(expr.C, q, 0)); m.Rows != 3 || m.Cols != 5 || m.Allocated() {
		t.Fatalf("%#v", m)
	}
	row.Set(0, 0, expr.Zero)
	if left.LMat.At(0, 0) != i {
		t.Fatalf("row is not copied")
	}

	right := BuildRight(ar, []*expr.Symbolic{expr.NewCol(i, d0)}, Square(2))
	if len(right.Ops) != 2 || right.RMat.Rows != 2 {
		t.Fatalf("%v", right.Labels())
	}

	qs := UniqueQuantums(ar, []*expr.Symbolic{row, extra, expr.NewCol(i, d0)})
	if diff := cmp.Diff([]expr.Quantum{q.Neg(), {}, q}, qs); diff != "" {
		t.Fatalf("%s", diff)
	}
}
