package engine

import (
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/fumin/qcmpo/block"
	"github.com/fumin/qcmpo/comm"
	"github.com/fumin/qcmpo/expr"
	"github.com/fumin/qcmpo/rule"
)

var _ Functions = (*Distributed)(nil)

// Distributed evaluates expressions across the ranks of a communicator.
// Each rank computes the terms assigned to it by Rule with Local, and partial results are combined by collectives.
// All ranks must call the same entry points in the same order.
type Distributed struct {
	Local *Sequential
	Rule  rule.Rule
}

func NewDistributed(local *Sequential, r rule.Rule) *Distributed {
	return &Distributed{Local: local, Rule: r}
}

func (d *Distributed) comm() comm.Communicator { return d.Rule.Comm() }

func (d *Distributed) logger() *zap.Logger {
	return d.Local.logger().With(zap.Int("rank", d.comm().Rank()))
}

func (d *Distributed) LeftAssign(a, c *block.OperatorTensor, alloc block.Allocator) {
	if a.LMat == nil || c.LMat == nil {
		panic("left assign without row vectors")
	}
	d.Local.assign(a, c, a.LMat, c.LMat, alloc, d.Rule.Available)
}

func (d *Distributed) RightAssign(a, c *block.OperatorTensor, alloc block.Allocator) {
	if a.RMat == nil || c.RMat == nil {
		panic("right assign without column vectors")
	}
	d.Local.assign(a, c, a.RMat, c.RMat, alloc, d.Rule.Available)
}

func (d *Distributed) LeftRotate(a *block.OperatorTensor, bra, ket *mat.Dense, c *block.OperatorTensor, alloc block.Allocator) {
	c.LMat = a.LMat
	d.rotate(a, bra, ket, c, alloc)
}

func (d *Distributed) RightRotate(a *block.OperatorTensor, bra, ket *mat.Dense, c *block.OperatorTensor, alloc block.Allocator) {
	c.RMat = a.RMat
	d.rotate(a, bra, ket, c, alloc)
}

// rotate computes the owned operators, and broadcasts the repeated ones from their owners.
// With non-blocking broadcasts, the operators that are not repeated are rotated while the broadcasts are in flight.
func (d *Distributed) rotate(a *block.OperatorTensor, bra, ket *mat.Dense, c *block.OperatorTensor, alloc block.Allocator) {
	r := d.Rule
	available := make([]expr.Label, 0, len(a.Ops))
	for _, l := range a.Labels() {
		if r.Available(l) {
			available = append(available, l)
		}
	}
	d.Local.prepareRotate(a, bra, ket, c, alloc, available)

	selected := func(repeat, noRepeat bool) []expr.Label {
		ls := make([]expr.Label, 0, len(available))
		for _, l := range available {
			if r.Own(l) && ((repeat && r.Repeat(l)) || (noRepeat && !r.Repeat(l))) {
				ls = append(ls, l)
			}
		}
		return ls
	}
	nonBlocking := r.NonBlocking()
	d.Local.rotate(a, bra, ket, c, selected(true, !nonBlocking))

	cm := d.comm()
	reqs := make([]*comm.Request, 0, len(available))
	for _, l := range available {
		if !r.Repeat(l) {
			continue
		}
		if nonBlocking {
			reqs = append(reqs, cm.IBroadcast(c.Op(l).Raw(), r.Owner(l)))
		} else {
			cm.Broadcast(c.Op(l).Raw(), r.Owner(l))
		}
	}
	if nonBlocking {
		d.Local.rotate(a, bra, ket, c, selected(false, true))
		cm.WaitAll(reqs...)
	}
	d.logger().Debug("rotate", zap.Int("operators", len(available)), zap.Int("broadcasts", len(reqs)), zap.Bool("nonBlocking", nonBlocking))
}

func (d *Distributed) Multiply(h expr.Handle, left, right *block.OperatorTensor, c, v *mat.Dense, allReduce bool) {
	ar := d.Local.Arena
	if ar.Kind(h) != expr.KindRef {
		d.Local.Multiply(h, left, right, c, v, allReduce)
		return
	}
	payload, _ := ar.Unwrap(h)
	d.Local.Multiply(payload, left, right, c, v, allReduce)
	if allReduce {
		d.comm().AllReduce(raw(v))
	}
}

func (d *Distributed) MultiMultiply(h expr.Handle, left, right *block.OperatorTensor, cs, vs []*mat.Dense, allReduce bool) {
	ar := d.Local.Arena
	if ar.Kind(h) != expr.KindRef {
		d.Local.MultiMultiply(h, left, right, cs, vs, allReduce)
		return
	}
	payload, _ := ar.Unwrap(h)
	d.Local.MultiMultiply(payload, left, right, cs, vs, allReduce)
	if allReduce {
		for _, v := range vs {
			d.comm().AllReduce(raw(v))
		}
	}
}

// PartialMultiply reduces the result to the root when doReduce is set.
func (d *Distributed) PartialMultiply(h expr.Handle, left, right *block.OperatorTensor, traceRight bool, c, v *mat.Dense, doReduce bool) {
	ar := d.Local.Arena
	if ar.Kind(h) != expr.KindRef {
		d.Local.PartialMultiply(h, left, right, traceRight, c, v, doReduce)
		return
	}
	payload, _ := ar.Unwrap(h)
	d.Local.PartialMultiply(payload, left, right, traceRight, c, v, doReduce)
	if !d.Local.Replicated && doReduce {
		d.comm().Reduce(raw(v), d.comm().Root())
	}
}

func (d *Distributed) Diagonal(h expr.Handle, left, right *block.OperatorTensor, dg *mat.Dense) {
	ar := d.Local.Arena
	if ar.Kind(h) != expr.KindRef {
		d.Local.Diagonal(h, left, right, dg)
		return
	}
	payload, _ := ar.Unwrap(h)
	d.Local.Diagonal(payload, left, right, dg)
	if !d.Local.Replicated {
		d.comm().AllReduce(raw(dg))
	}
}

func (d *Distributed) TensorProduct(h expr.Handle, aOps, bOps map[expr.Label]*block.Matrix, c *block.Matrix) {
	payload, _ := d.Local.Arena.Unwrap(h)
	d.Local.TensorProduct(payload, aOps, bOps, c)
}

// NumericalTransform computes each target from the terms this rank holds.
// Partial targets are reduced to their owners, and repeated targets end up on every rank.
func (d *Distributed) NumericalTransform(a *block.OperatorTensor, names, exprs *expr.Symbolic, alloc block.Allocator) {
	side := expr.Left
	if a.LMat == nil {
		side = expr.Right
	}
	labels, scaled, mats := d.Local.transformTargets(a, names, exprs, alloc, d.Rule.Available)
	f := func(local []expr.Handle) { d.Local.iadds(a, local, mats) }
	rule.DistributedApply(d.Rule, d.Local.Arena, side, f, labels, scaled, mats, alloc)
}

// DelayedContract localizes the deferred expression at the owner of op.
func (d *Distributed) DelayedContract(a, b *block.OperatorTensor, op expr.Handle) *block.Delayed {
	dl := d.Local.DelayedContract(a, b, op)
	d.localize(dl, a.Delayed)
	return dl
}

func (d *Distributed) DelayedContractExprs(a, b *block.OperatorTensor, ops, exprs *expr.Symbolic) *block.Delayed {
	dl := d.Local.DelayedContractExprs(a, b, ops, exprs)
	d.localize(dl, a.Delayed)
	return dl
}

func (d *Distributed) localize(dl *block.Delayed, delayedLeft bool) {
	side := expr.Right
	if delayedLeft {
		side = expr.Left
	}
	ar := d.Local.Arena
	for i, op := range dl.Ops {
		l, _ := label(ar, op)
		dl.Exprs[i] = rule.LocalizeExpr(d.Rule, ar, dl.Exprs[i], d.Rule.Owner(l), side)
	}
}

func (d *Distributed) LeftContract(a, b, c *block.OperatorTensor, cexprs *expr.Symbolic, delayed expr.NameSet, alloc block.Allocator) {
	if a == nil {
		d.LeftAssign(b, c, alloc)
		return
	}
	s := d.Local
	exprs := cexprs
	if exprs == nil {
		exprs = expr.MulRowMat(s.Arena, a.LMat, b.LMat)
	}
	names, hs, mats := s.contractTargets(c, c.LMat, exprs, delayed)
	f := func(local []expr.Handle) { s.contract(local, names, mats, a.Ops, b.Ops, alloc) }
	rule.DistributedApply(d.Rule, s.Arena, expr.Left, f, names, hs, mats, alloc)
}

func (d *Distributed) RightContract(a, b, c *block.OperatorTensor, cexprs *expr.Symbolic, delayed expr.NameSet, alloc block.Allocator) {
	if a == nil {
		d.RightAssign(b, c, alloc)
		return
	}
	s := d.Local
	exprs := cexprs
	if exprs == nil {
		exprs = expr.MulMatCol(s.Arena, b.RMat, a.RMat)
	}
	names, hs, mats := s.contractTargets(c, c.RMat, exprs, delayed)
	f := func(local []expr.Handle) { s.contract(local, names, mats, b.Ops, a.Ops, alloc) }
	rule.DistributedApply(d.Rule, s.Arena, expr.Right, f, names, hs, mats, alloc)
}
