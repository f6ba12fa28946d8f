package integral

import (
	"fmt"
	"testing"
)

func TestTriIndex(t *testing.T) {
	t.Parallel()
	for n := 1; n <= 9; n++ {
		t.Run(fmt.Sprintf("%d", n), func(t *testing.T) {
			t.Parallel()
			seen := make(map[int]bool)
			for i := range n {
				for j := range n {
					p := TriIndex(i, j)
					if p != TriIndex(j, i) {
						t.Fatalf("%d %d: %d, expected %d", i, j, p, TriIndex(j, i))
					}
					if p < 0 || p >= n*(n+1)/2 {
						t.Fatalf("%d %d: %d out of range %d", i, j, p, n*(n+1)/2)
					}
					seen[p] = true
				}
			}
			if len(seen) != n*(n+1)/2 {
				t.Fatalf("%d, expected %d", len(seen), n*(n+1)/2)
			}
		})
	}
}

func TestV8Symmetry(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n int
	}{
		{n: 1},
		{n: 3},
		{n: 5},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%#v", test), func(t *testing.T) {
			t.Parallel()
			v := NewV8Int(test.n)
			v.view(make([]float64, v.Size()))
			for i := range test.n {
				for j := 0; j <= i; j++ {
					for k := range test.n {
						for l := 0; l <= k; l++ {
							v.Set(i, j, k, l, float64(1000*i+100*j+10*k+l))
						}
					}
				}
			}

			for i := range test.n {
				for j := range test.n {
					for k := range test.n {
						for l := range test.n {
							x := v.At(i, j, k, l)
							for _, y := range []float64{v.At(j, i, k, l), v.At(i, j, l, k), v.At(k, l, i, j), v.At(l, k, j, i)} {
								if y != x {
									t.Fatalf("%d %d %d %d: %f, expected %f", i, j, k, l, y, x)
								}
							}
						}
					}
				}
			}
		})
	}
}

func TestV4Symmetry(t *testing.T) {
	t.Parallel()
	n := 3
	v := NewV4Int(n)
	v.view(make([]float64, v.Size()))
	v.Set(2, 1, 1, 0, 1)
	v.Set(1, 0, 2, 1, 2)

	for _, idx := range [][4]int{{2, 1, 1, 0}, {1, 2, 1, 0}, {1, 2, 0, 1}, {2, 1, 0, 1}} {
		if got := v.At(idx[0], idx[1], idx[2], idx[3]); got != 1 {
			t.Fatalf("%v: %f, expected %f", idx, got, 1.0)
		}
	}
	// (ij) and (kl) are not interchangeable.
	if got := v.At(1, 0, 2, 1); got != 2 {
		t.Fatalf("%f, expected %f", got, 2.0)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	n := 3
	tt, v1, v4, v8 := NewTInt(n), NewV1Int(n), NewV4Int(n), NewV8Int(n)
	tables := []Table{&tt, &v1, &v4, &v8}
	for _, tb := range tables {
		data := make([]float64, tb.Size())
		for i := range data {
			data[i] = float64(i + 1)
		}
		tb.view(data)
		tb.Clear()
	}

	for i := range n {
		for j := range n {
			if tt.At(i, j) != 0 {
				t.Fatalf("%d %d: %f", i, j, tt.At(i, j))
			}
			for k := range n {
				for l := range n {
					if x := v1.At(i, j, k, l) + v4.At(i, j, k, l) + v8.At(i, j, k, l); x != 0 {
						t.Fatalf("%d %d %d %d: %f", i, j, k, l, x)
					}
				}
			}
		}
	}
}

func TestSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		table Table
		size  int
	}{
		{table: &TInt{N: 4}, size: 10},
		{table: &V1Int{N: 4}, size: 256},
		{table: &V4Int{N: 4}, size: 100},
		{table: &V8Int{N: 4}, size: 55},
	}
	for _, test := range tests {
		if test.table.Size() != test.size {
			t.Fatalf("%T: %d, expected %d", test.table, test.table.Size(), test.size)
		}
	}
}
