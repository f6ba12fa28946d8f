// Package qcmpo contracts the block operators of a quantum chemistry Hamiltonian split into a left and right block.
//
// The orbitals of an FCIDUMP are split at a bond of a random matrix product state.
// Each block carries the operators I, H, C_i and D_i, which are rotated into the bond basis,
// transformed into the complementary operators R_j and RD_j, and applied to a super block vector.
package qcmpo

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/qcmpo/archive"
	"github.com/fumin/qcmpo/block"
	"github.com/fumin/qcmpo/comm"
	"github.com/fumin/qcmpo/config"
	"github.com/fumin/qcmpo/engine"
	"github.com/fumin/qcmpo/expr"
	"github.com/fumin/qcmpo/integral"
	"github.com/fumin/qcmpo/mps"
	"github.com/fumin/qcmpo/rule"
)

// physD is the dimension of a spatial orbital: empty, up, down and doubly occupied.
const physD = 4

var (
	vacuum = expr.Quantum{}
	elec   = expr.Quantum{N: 1, TwoSz: 1}

	iOp = expr.Op(expr.I, vacuum)
	hOp = expr.Op(expr.H, vacuum)
)

func cOp(i int) expr.Label  { return expr.Op(expr.C, elec, i) }
func dOp(i int) expr.Label  { return expr.Op(expr.D, elec.Neg(), i) }
func rOp(j int) expr.Label  { return expr.Op(expr.R, elec.Neg(), j) }
func rdOp(j int) expr.Label { return expr.Op(expr.RD, elec, j) }

// Scenario is a two block system.
type Scenario struct {
	Arena   *expr.Arena
	FCIDUMP *integral.FCIDUMP

	LeftSites  []int
	RightSites []int
	// Bonds are the bond dimensions of the state.
	Bonds []int
	// Norm is the squared norm of the state.
	Norm float64

	// Left and Right are the blocks enlarged by the sites next to the split, before rotation.
	Left  *block.OperatorTensor
	Right *block.OperatorTensor
	// LeftRot and RightRot rotate the enlarged blocks into the basis of the bond at the split.
	LeftRot  *mat.Dense
	RightRot *mat.Dense

	// C is a normalized super block vector in the rotated basis.
	C *mat.Dense
}

// NewScenario creates the system of fd with the settings of cfg.
// Scenarios created from the same arguments are identical, so that every rank can create its own.
func NewScenario(fd *integral.FCIDUMP, cfg *config.Config) (*Scenario, error) {
	n := fd.NSites()
	split := cfg.Split
	if split == 0 {
		split = n / 2
	}
	if n < 2 || split < 1 || split >= n {
		return nil, errors.Errorf("%d orbitals split at %d", n, split)
	}
	s := &Scenario{Arena: expr.NewArena(), FCIDUMP: fd}
	for i := range n {
		if i < split {
			s.LeftSites = append(s.LeftSites, i)
		} else {
			s.RightSites = append(s.RightSites, i)
		}
	}

	physDs := make([]int, n)
	for i := range physDs {
		physDs[i] = physD
	}
	s.Bonds = mps.BondDims(physDs, cfg.BondDim)
	bufs := mps.NewBufs()
	// The same state, canonicalized towards either side of the split.
	lstate := mps.RandMPS(rand.New(rand.NewPCG(cfg.Seed, 1)), physDs, cfg.BondDim)
	mps.LeftCanonical(lstate, split, bufs)
	s.LeftRot = mps.LeftRotation(lstate[split-1])
	rstate := mps.RandMPS(rand.New(rand.NewPCG(cfg.Seed, 1)), physDs, cfg.BondDim)
	mps.RightCanonical(rstate, split-1, bufs)
	s.RightRot = mps.RightRotation(rstate[split])
	ip := [2]*tensor.Dense{bufs[0], bufs[1]}
	// The norm is accumulated in single precision and may overflow for long chains.
	norm := float64(real(mps.InnerProduct(lstate, lstate, ip)))
	overlap := float64(real(mps.InnerProduct(lstate, rstate, ip)))
	if !math.IsInf(norm, 0) && !math.IsInf(overlap, 0) && math.Abs(overlap-norm) > 1e-3*norm {
		return nil, errors.Errorf("canonical forms disagree: overlap %f, norm %f", overlap, norm)
	}
	s.Norm = norm

	rnd := rand.New(rand.NewPCG(cfg.Seed, 2))
	ldim, _ := s.LeftRot.Dims()
	rdim, _ := s.RightRot.Dims()
	lvals := s.blockValues(rnd, ldim, s.LeftSites, fd.E)
	rvals := s.blockValues(rnd, rdim, s.RightSites, 0)

	ar := s.Arena
	row := []expr.Handle{ar.Elem(hOp, 1, false), ar.Elem(iOp, 1, false)}
	for _, i := range s.LeftSites {
		row = append(row, ar.Elem(cOp(i), 1, false))
	}
	for _, i := range s.LeftSites {
		row = append(row, ar.Elem(dOp(i), 1, false))
	}
	s.Left = block.BuildLeft(ar, []*expr.Symbolic{expr.NewRow(row...)}, block.Square(ldim))
	fill(s.Left, lvals)

	// The column pairs with the row of the transformed left block:
	// H x I + I x H + sum_j RD_j x D_j + R_j x C_j.
	col := []expr.Handle{ar.Elem(iOp, 1, false), ar.Elem(hOp, 1, false)}
	for _, j := range s.RightSites {
		col = append(col, ar.Elem(dOp(j), 1, false))
	}
	for _, j := range s.RightSites {
		col = append(col, ar.Elem(cOp(j), 1, false))
	}
	s.Right = block.BuildRight(ar, []*expr.Symbolic{expr.NewCol(col...)}, block.Square(rdim))
	fill(s.Right, rvals)

	bond := s.Bonds[split]
	s.C = mat.NewDense(bond, bond, nil)
	for i := range bond {
		for j := range bond {
			s.C.Set(i, j, rnd.Float64()*2-1)
		}
	}
	s.C.Scale(1/mat.Norm(s.C, 2), s.C)
	return s, nil
}

// blockValues creates the operators of a block of dimension dim holding sites.
// C_i are random, D_i their transposes, and H = e I + sum_ij t_ij C_i D_j.
func (s *Scenario) blockValues(rnd *rand.Rand, dim int, sites []int, e float64) map[expr.Label]*mat.Dense {
	id := mat.NewDense(dim, dim, nil)
	for i := range dim {
		id.Set(i, i, 1)
	}
	values := map[expr.Label]*mat.Dense{iOp: id}
	scale := 1 / math.Sqrt(float64(dim))
	for _, i := range sites {
		c := mat.NewDense(dim, dim, nil)
		for r := range dim {
			for k := range dim {
				c.Set(r, k, (rnd.Float64()*2-1)*scale)
			}
		}
		values[cOp(i)] = c
		values[dOp(i)] = mat.DenseCopyOf(c.T())
	}

	h := mat.NewDense(dim, dim, nil)
	h.Scale(e, id)
	var cd mat.Dense
	for _, i := range sites {
		for _, j := range sites {
			t := s.FCIDUMP.T(i, j)
			if t == 0 {
				continue
			}
			cd.Mul(values[cOp(i)], values[dOp(j)])
			cd.Scale(t, &cd)
			h.Add(h, &cd)
		}
	}
	values[hOp] = h
	return values
}

func fill(t *block.OperatorTensor, values map[expr.Label]*mat.Dense) {
	for l, v := range values {
		m := t.Op(l)
		m.Allocate(block.Heap{})
		m.Data.Copy(v)
	}
}

// Hamiltonian returns H_L x I + I x H_R + sum_ij t_ij (C_i x D_j + D_i x C_j),
// with i in the left block and j in the right block.
func (s *Scenario) Hamiltonian() expr.Handle {
	ar := s.Arena
	terms := []expr.Handle{ar.Prod(hOp, iOp, 0, 1), ar.Prod(iOp, hOp, 0, 1)}
	for _, i := range s.LeftSites {
		for _, j := range s.RightSites {
			t := s.FCIDUMP.T(i, j)
			if t == 0 {
				continue
			}
			terms = append(terms, ar.Prod(cOp(i), dOp(j), 0, t), ar.Prod(dOp(i), cOp(j), 0, t))
		}
	}
	return ar.Sum(terms...)
}

// transform returns the row vector H, I, RD_j, R_j of the left block, together with the expressions
// RD_j = sum_i t_ij C_i and R_j = sum_i t_ij D_i. H and I are kept as they are.
// Shells of the new operators are added to left, whose operators have dimension dim.
func (s *Scenario) transform(left *block.OperatorTensor, dim int) (*expr.Symbolic, *expr.Symbolic) {
	ar := s.Arena
	nr := len(s.RightSites)
	names := expr.NewSymbolic(1, 2+2*nr)
	exprs := expr.NewSymbolic(1, 2+2*nr)
	names.Set(0, 0, ar.Elem(hOp, 1, false))
	names.Set(0, 1, ar.Elem(iOp, 1, false))
	for k, j := range s.RightSites {
		rd := make([]expr.Handle, 0, len(s.LeftSites))
		r := make([]expr.Handle, 0, len(s.LeftSites))
		for _, i := range s.LeftSites {
			t := s.FCIDUMP.T(i, j)
			if t == 0 {
				continue
			}
			rd = append(rd, ar.Elem(cOp(i), t, false))
			r = append(r, ar.Elem(dOp(i), t, false))
		}
		if len(rd) == 0 {
			continue
		}
		left.Ops[rdOp(j)] = block.NewMatrix(dim, dim)
		left.Ops[rOp(j)] = block.NewMatrix(dim, dim)
		names.Set(0, 2+k, ar.Elem(rdOp(j), 1, false))
		names.Set(0, 2+nr+k, ar.Elem(rOp(j), 1, false))
		exprs.Set(0, 2+k, ar.Sum(rd...))
		exprs.Set(0, 2+nr+k, ar.Sum(r...))
	}
	return names, exprs
}

// Result are the observables of a run on the super block vector C.
type Result struct {
	// Energy is <C|H|C> with H in terms of C_i and D_j.
	Energy float64
	// Transformed is <C|H|C> with H contracted from the row vector of R_j and RD_j.
	Transformed float64
	// LeftEnergy is <C|H_L x I|C>, only complete on the root.
	LeftEnergy float64
	// Trace is the trace of H.
	Trace float64
	// Peak is the peak usage of the stack allocator in floats.
	Peak int
	// Archived is the number of operators saved to the archive.
	Archived int
}

// NewRule returns the ownership rule of cfg over c.
func NewRule(c comm.Communicator, cfg config.RuleConfig) (rule.Rule, error) {
	switch cfg.Kind {
	case config.RuleSingle:
		return rule.NewSingle(c).WithRepeat(cfg.RepeatAll).WithNonBlocking(cfg.NonBlocking), nil
	case config.RuleSite:
		names, err := cfg.RepeatNames()
		if err != nil {
			return nil, errors.Wrap(err, "")
		}
		return rule.NewSite(c).WithRepeat(names).WithNonBlocking(cfg.NonBlocking), nil
	default:
		return nil, errors.Errorf("rule %q", cfg.Kind)
	}
}

func newAllocator(cfg *config.Config) block.Allocator {
	if cfg.Allocator == config.AllocStack {
		return block.NewStack(cfg.StackSize)
	}
	return block.Heap{}
}

// checkRepeat fails when a term C_i x D_j or D_i x C_j would need operators held by two different ranks.
func checkRepeat(r rule.Rule, s *Scenario) error {
	for _, i := range s.LeftSites {
		for _, j := range s.RightSites {
			for _, p := range [][2]expr.Label{{cOp(i), dOp(j)}, {dOp(i), cOp(j)}} {
				a, b := p[0], p[1]
				if r.Repeat(a) || r.Repeat(b) || r.Owner(a) == r.Owner(b) {
					continue
				}
				return errors.Errorf("%s and %s live on ranks %d and %d", a, b, r.Owner(a), r.Owner(b))
			}
		}
	}
	return nil
}

// Run evaluates the scenario on the rank of c. The scenario is modified.
func Run(ctx context.Context, c comm.Communicator, s *Scenario, cfg *config.Config, logger *zap.Logger) (Result, error) {
	var res Result
	if err := ctx.Err(); err != nil {
		return res, errors.Wrap(err, "")
	}
	r, err := NewRule(c, cfg.Rule)
	if err != nil {
		return res, errors.Wrap(err, "")
	}
	if err := checkRepeat(r, s); err != nil {
		return res, errors.Wrap(err, "")
	}
	logger = logger.With(zap.Int("rank", c.Rank()))
	alloc := newAllocator(cfg)
	seq := engine.NewSequential(s.Arena, cfg.Threads)
	seq.Replicated = cfg.Replicated
	seq.Logger = logger
	e := engine.NewDistributed(seq, r)
	ar := s.Arena

	left, right := block.NewOperatorTensor(), block.NewOperatorTensor()
	e.LeftRotate(s.Left, s.LeftRot, s.LeftRot, left, alloc)
	e.RightRotate(s.Right, s.RightRot, s.RightRot, right, alloc)
	logger.Debug("rotated", zap.Int("left", len(left.Ops)), zap.Int("right", len(right.Ops)))

	h := rule.LocalizeExpr(r, ar, s.Hamiltonian(), r.Owner(hOp), expr.Left)
	rows, cols := s.C.Dims()
	v := mat.NewDense(rows, cols, nil)
	e.Multiply(h, left, right, s.C, v, true)
	res.Energy = mat.Dot(denseVec(s.C), denseVec(v))

	d := mat.NewDense(rows, cols, nil)
	e.Diagonal(h, left, right, d)
	res.Trace = mat.Sum(d)

	e.PartialMultiply(h, left, right, true, s.C, v, true)
	res.LeftEnergy = mat.Dot(denseVec(s.C), denseVec(v))

	_, bond := s.LeftRot.Dims()
	names, exprs := s.transform(left, bond)
	e.NumericalTransform(left, names, exprs, alloc)
	dl := e.DelayedContract(left, right, ar.Elem(hOp, 1, false))
	e.Multiply(dl.Exprs[0], dl.Left, dl.Right, s.C, v, true)
	res.Transformed = mat.Dot(denseVec(s.C), denseVec(v))

	if stack, ok := alloc.(*block.Stack); ok {
		res.Peak = stack.Peak()
	}
	if cfg.Archive != "" && c.Rank() == c.Root() {
		n, err := save(ctx, cfg.Archive, left, right)
		if err != nil {
			return res, errors.Wrap(err, "")
		}
		res.Archived = n
	}
	logger.Info("done", zap.Float64("energy", res.Energy), zap.Float64("transformed", res.Transformed), zap.Int("peak", res.Peak))
	return res, nil
}

func denseVec(m *mat.Dense) *mat.VecDense {
	rows, cols := m.Dims()
	return mat.NewVecDense(rows*cols, m.RawMatrix().Data)
}

func save(ctx context.Context, path string, left, right *block.OperatorTensor) (n int, err error) {
	a, err := archive.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	defer func() {
		if err1 := a.Close(); err1 != nil && err == nil {
			err = errors.Wrap(err1, "")
		}
	}()
	for name, t := range map[string]*block.OperatorTensor{"left": left, "right": right} {
		if err := a.SaveTensor(ctx, name, t); err != nil {
			return 0, errors.Wrap(err, name)
		}
	}
	keys, err := a.Keys(ctx, "")
	if err != nil {
		return 0, errors.Wrap(err, "")
	}
	return len(keys), nil
}

// Simulate runs the scenario of fd on an in process world of cfg.Processes ranks.
// It returns the result of every rank.
func Simulate(ctx context.Context, fd *integral.FCIDUMP, cfg *config.Config, logger *zap.Logger) ([]Result, error) {
	ranks := comm.NewLocalWorld(cfg.Processes)
	results := make([]Result, len(ranks))
	err := comm.Run(ctx, ranks, func(ctx context.Context, c *comm.Local) error {
		s, err := NewScenario(fd, cfg)
		if err != nil {
			return errors.Wrap(err, "")
		}
		res, err := Run(ctx, c.WithLogger(logger), s, cfg, logger)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("rank %d", c.Rank()))
		}
		results[c.Rank()] = res
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	return results, nil
}
