package comm

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCollectives(t *testing.T) {
	t.Parallel()
	tests := []struct {
		size int
	}{
		{size: 1},
		{size: 2},
		{size: 5},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%#v", test), func(t *testing.T) {
			t.Parallel()
			ranks := NewLocalWorld(test.size)
			got := make([][4][]float64, test.size)
			err := Run(context.Background(), ranks, func(ctx context.Context, c *Local) error {
				r := float64(c.Rank())
				bcast := []float64{r, r}
				c.Broadcast(bcast, c.Size()-1)

				reduce := []float64{1, r}
				c.Reduce(reduce, 0)

				all := []float64{0.1 * (r + 1), 1 / (r + 3)}
				c.AllReduce(all)

				ibcast := []float64{r * 10}
				req := c.IBroadcast(ibcast, 0)
				c.Barrier()
				c.WaitAll(req)

				got[c.Rank()] = [4][]float64{bcast, reduce, all, ibcast}
				return nil
			})
			if err != nil {
				t.Fatalf("%+v", err)
			}

			n := float64(test.size)
			last := n - 1
			for rank, g := range got {
				if diff := cmp.Diff([]float64{last, last}, g[0]); diff != "" {
					t.Fatalf("rank %d broadcast: %s", rank, diff)
				}
				if rank == 0 {
					if diff := cmp.Diff([]float64{n, n * (n - 1) / 2}, g[1]); diff != "" {
						t.Fatalf("reduce: %s", diff)
					}
				}
				// Every rank holds the same bits.
				for i := range g[2] {
					if math.Float64bits(g[2][i]) != math.Float64bits(got[0][2][i]) {
						t.Fatalf("rank %d allreduce: %v, expected %v", rank, g[2], got[0][2])
					}
				}
				if diff := cmp.Diff([]float64{0}, g[3]); diff != "" {
					t.Fatalf("rank %d ibroadcast: %s", rank, diff)
				}
			}
			var want float64
			for r := range test.size {
				want += 0.1 * float64(r+1)
			}
			if math.Abs(got[0][2][0]-want) > 1e-12 {
				t.Fatalf("%f, expected %f", got[0][2][0], want)
			}
		})
	}
}

func TestIBroadcastOrder(t *testing.T) {
	t.Parallel()
	const size, n = 4, 16
	ranks := NewLocalWorld(size)
	got := make([][][]float64, size)
	err := Run(context.Background(), ranks, func(ctx context.Context, c *Local) error {
		bufs := make([][]float64, n)
		reqs := make([]*Request, 0, n)
		for i := range bufs {
			bufs[i] = []float64{float64(100*c.Rank() + i)}
			reqs = append(reqs, c.IBroadcast(bufs[i], i%size))
		}
		sum := []float64{1}
		c.AllReduce(sum)
		c.WaitAll(reqs...)
		if sum[0] != size {
			return fmt.Errorf("%f", sum[0])
		}
		got[c.Rank()] = bufs
		return nil
	})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	for rank := range size {
		for i := range n {
			if want := float64(100*(i%size) + i); got[rank][i][0] != want {
				t.Fatalf("rank %d buf %d: %f, expected %f", rank, i, got[rank][i][0], want)
			}
		}
		if c := ranks[rank].Count(OpIBroadcast); c != n {
			t.Fatalf("%d, expected %d", c, n)
		}
	}
}
