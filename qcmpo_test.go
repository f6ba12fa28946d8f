package qcmpo

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/qcmpo/archive"
	"github.com/fumin/qcmpo/block"
	"github.com/fumin/qcmpo/config"
	"github.com/fumin/qcmpo/engine"
	"github.com/fumin/qcmpo/integral"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// chain returns the integrals of n orbitals with hopping decaying with distance.
func chain(t *testing.T, n int) *integral.FCIDUMP {
	tt := integral.NewTInt(n)
	ts := make([]float64, tt.Size())
	for i := range n {
		for j := range i + 1 {
			ts[integral.TriIndex(i, j)] = -1 / float64(1+i-j)
		}
	}
	v := integral.NewV8Int(n)
	fd, err := integral.InitializeSU2(n, n, 0, 1, 0.25, ts, make([]float64, v.Size()))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	return fd
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.BondDim = 6
	return cfg
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*max(1, math.Abs(b))
}

func TestNewScenario(t *testing.T) {
	t.Parallel()
	fd := chain(t, 5)
	cfg := testConfig()
	s, err := NewScenario(fd, cfg)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if diff := cmp.Diff([]int{0, 1}, s.LeftSites); diff != "" {
		t.Fatalf("%s", diff)
	}
	if diff := cmp.Diff([]int{1, 4, 6, 6, 4, 1}, s.Bonds); diff != "" {
		t.Fatalf("%s", diff)
	}
	lrows, lcols := s.LeftRot.Dims()
	rrows, rcols := s.RightRot.Dims()
	if lrows != 16 || lcols != 6 || rrows != 24 || rcols != 6 {
		t.Fatalf("%d %d %d %d", lrows, lcols, rrows, rcols)
	}
	if s.Norm <= 0 {
		t.Fatalf("%f", s.Norm)
	}
	if math.Abs(mat.Norm(s.C, 2)-1) > 1e-12 {
		t.Fatalf("%f", mat.Norm(s.C, 2))
	}

	again, err := NewScenario(fd, cfg)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	for _, l := range s.Left.Labels() {
		if diff := cmp.Diff(s.Left.Op(l).Raw(), again.Left.Op(l).Raw()); diff != "" {
			t.Fatalf("%s: %s", l, diff)
		}
	}

	bad := testConfig()
	bad.Split = 5
	if _, err := NewScenario(fd, bad); err == nil {
		t.Fatalf("expected error")
	}
}

// explicit returns the rotated super block Hamiltonian as a dense matrix.
func explicit(t *testing.T, s *Scenario) *mat.SymDense {
	e := engine.NewSequential(s.Arena, 1)
	left, right := block.NewOperatorTensor(), block.NewOperatorTensor()
	e.LeftRotate(s.Left, s.LeftRot, s.LeftRot, left, block.Heap{})
	e.RightRotate(s.Right, s.RightRot, s.RightRot, right, block.Heap{})
	rows, cols := s.C.Dims()
	super := block.NewMatrix(rows*cols, rows*cols)
	super.Allocate(block.Heap{})
	e.TensorProduct(s.Hamiltonian(), left.Ops, right.Ops, super)
	if !mat.EqualApprox(super.Data, super.Data.T(), 1e-10) {
		t.Fatalf("not symmetric")
	}
	return mat.NewSymDense(rows*cols, super.Raw())
}

func TestEnergy(t *testing.T) {
	t.Parallel()
	fd := chain(t, 5)
	cfg := testConfig()
	results, err := Simulate(context.Background(), fd, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	res := results[0]

	s, err := NewScenario(fd, cfg)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	super := explicit(t, s)
	c := denseVec(s.C)
	var hc mat.VecDense
	hc.MulVec(super, c)
	if want := mat.Dot(c, &hc); !near(res.Energy, want) {
		t.Fatalf("%f, expected %f", res.Energy, want)
	}
	if !near(res.Transformed, res.Energy) {
		t.Fatalf("%f, expected %f", res.Transformed, res.Energy)
	}
	if want := mat.Trace(super); !near(res.Trace, want) {
		t.Fatalf("%f, expected %f", res.Trace, want)
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(super, false); !ok {
		t.Fatalf("eigen decomposition failed")
	}
	vals := eig.Values(nil)
	lo, hi := slices.Min(vals), slices.Max(vals)
	if res.Energy < lo-1e-9 || res.Energy > hi+1e-9 {
		t.Fatalf("%f not in [%f, %f]", res.Energy, lo, hi)
	}
	if res.Peak == 0 {
		t.Fatalf("no stack usage")
	}
}

func TestSimulate(t *testing.T) {
	t.Parallel()
	fd := chain(t, 5)
	ref, err := Simulate(context.Background(), fd, testConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	want := ref[0]

	tests := []struct {
		name   string
		modify func(c *config.Config)
	}{
		{name: "replicated", modify: func(c *config.Config) { c.Replicated = true; c.Threads = 3 }},
		{name: "site", modify: func(c *config.Config) { c.Processes = 3; c.Threads = 2 }},
		{name: "site repeat D", modify: func(c *config.Config) {
			c.Processes = 3
			c.Rule.Repeat = []string{"I", "D"}
			c.Allocator = config.AllocHeap
		}},
		{name: "site repeat C non blocking", modify: func(c *config.Config) {
			c.Processes = 4
			c.Rule.Repeat = []string{"I", "C"}
			c.Rule.NonBlocking = true
		}},
		{name: "single", modify: func(c *config.Config) {
			c.Processes = 2
			c.Rule = config.RuleConfig{Kind: config.RuleSingle}
		}},
		{name: "single repeat", modify: func(c *config.Config) {
			c.Processes = 3
			c.Rule = config.RuleConfig{Kind: config.RuleSingle, RepeatAll: true, NonBlocking: true}
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			test.modify(cfg)
			results, err := Simulate(context.Background(), fd, cfg, zap.NewNop())
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if len(results) != cfg.Processes {
				t.Fatalf("%d, expected %d", len(results), cfg.Processes)
			}
			for rank, res := range results {
				got := []float64{res.Energy, res.Transformed, res.Trace}
				exp := []float64{want.Energy, want.Transformed, want.Trace}
				for i := range got {
					if !near(got[i], exp[i]) {
						t.Fatalf("rank %d: %v, expected %v", rank, got, exp)
					}
				}
			}
			if !near(results[0].LeftEnergy, want.LeftEnergy) {
				t.Fatalf("%f, expected %f", results[0].LeftEnergy, want.LeftEnergy)
			}
		})
	}
}

func TestSimulateUnreachable(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Processes = 3
	cfg.Rule.Repeat = []string{"I"}
	if _, err := Simulate(context.Background(), chain(t, 5), cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestArchive(t *testing.T) {
	t.Parallel()
	dir, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer os.RemoveAll(dir)

	cfg := testConfig()
	cfg.Archive = filepath.Join(dir, "ops.db")
	results, err := Simulate(context.Background(), chain(t, 5), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	// Left: H, I, C_0, C_1, D_0, D_1, and RD_j, R_j for j in 2, 3, 4.
	// Right: I, H, and C_j, D_j for j in 2, 3, 4.
	if n := results[0].Archived; n != 20 {
		t.Fatalf("%d, expected %d", n, 20)
	}

	a, err := archive.Open(cfg.Archive)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer a.Close()
	m, err := a.Get(context.Background(), archive.TensorKey("left", rdOp(3)), block.Heap{})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if m.Rows != 6 || m.Cols != 6 {
		t.Fatalf("%d %d", m.Rows, m.Cols)
	}
}

func ExampleSimulate() {
	tt := integral.NewTInt(4)
	ts := make([]float64, tt.Size())
	for i := range 4 {
		ts[integral.TriIndex(i, i)] = -1
		if i > 0 {
			ts[integral.TriIndex(i, i-1)] = -0.5
		}
	}
	v := integral.NewV8Int(4)
	fd, err := integral.InitializeSU2(4, 4, 0, 1, 0, ts, make([]float64, v.Size()))
	if err != nil {
		panic(err)
	}
	cfg := config.Default()
	cfg.Processes = 2
	results, err := Simulate(context.Background(), fd, cfg, zap.NewNop())
	if err != nil {
		panic(err)
	}
	fmt.Println(len(results), near(results[0].Energy, results[1].Energy), near(results[0].Energy, results[0].Transformed))
	// Output:
	// 2 true true
}
