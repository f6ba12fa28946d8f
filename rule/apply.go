package rule

import (
	"fmt"

	"github.com/fumin/qcmpo/block"
	"github.com/fumin/qcmpo/expr"
)

// LocalizeExpr wraps h in a Ref whose payload holds the terms this rank computes.
// A term is computed by the owner of its first operand that is not repeated,
// with operands visited from side, or by owner when every operand is repeated.
// The Ref is local when owner computes every term.
// LocalizeExpr panics when this rank would compute a term with an operand it does not hold.
func LocalizeExpr(r Rule, ar *expr.Arena, h expr.Handle, owner int, side expr.Side) expr.Handle {
	if ar.Kind(h) == expr.KindRef {
		return h
	}
	rank := r.Comm().Rank()
	local := true
	var mine []expr.Handle
	for _, t := range ar.Terms(h) {
		operands := termOperands(ar.Node(t), side)
		o := owner
		for _, l := range operands {
			if !r.Repeat(l) {
				o = r.Owner(l)
				break
			}
		}
		if o != owner {
			local = false
		}
		if o != rank {
			continue
		}
		for _, l := range operands {
			if !r.Available(l) {
				panic(fmt.Sprintf("rank %d: operand %s of term %d is not available", rank, l, t))
			}
		}
		mine = append(mine, t)
	}
	return ar.Ref(ar.Sum(mine...), h, local, owner, side)
}

func termOperands(n expr.Node, side expr.Side) []expr.Label {
	switch n.Kind {
	case expr.KindElem:
		return []expr.Label{n.A}
	case expr.KindProd:
		if side == expr.Right {
			return []expr.Label{n.B, n.A}
		}
		return []expr.Label{n.A, n.B}
	default:
		panic(fmt.Sprintf("%s", n.Kind))
	}
}

// DistributedApply computes names[i] = exprs[i] into mats[i] across ranks.
// f is called once with the expressions this rank computes, None marking the skipped ones.
// Afterwards, repeated operators computed by their owner are broadcast,
// partially computed repeated operators are all-reduced, and partially computed
// operators that are not repeated are reduced to their owner.
// Entries with a nil mats[i] are skipped entirely.
// Storage of the targets this rank computes or receives is allocated from alloc when missing,
// and storage of targets not available on this rank is dropped, so that reading them panics.
func DistributedApply(r Rule, ar *expr.Arena, side expr.Side, f func(local []expr.Handle), names []expr.Label, exprs []expr.Handle, mats []*block.Matrix, alloc block.Allocator) {
	if len(names) != len(exprs) || len(exprs) != len(mats) {
		panic(fmt.Sprintf("%d %d %d", len(names), len(exprs), len(mats)))
	}
	type pending struct {
		i       int
		isLocal bool
	}
	local := make([]expr.Handle, len(exprs))
	todo := make([]pending, 0, len(exprs))
	for i, h := range exprs {
		local[i] = expr.None
		if mats[i] == nil || h == expr.None {
			continue
		}
		ar.MustMatch(names[i], h)
		ref := LocalizeExpr(r, ar, h, r.Owner(names[i]), side)
		payload, isLocal := ar.Unwrap(ref)
		if !isLocal || r.Own(names[i]) {
			local[i] = payload
		}
		todo = append(todo, pending{i: i, isLocal: isLocal})
		if local[i] != expr.None && !mats[i].Allocated() {
			mats[i].Allocate(alloc)
		}
	}

	f(local)

	c := r.Comm()
	for _, p := range todo {
		name, m := names[p.i], mats[p.i]
		repeat := r.Repeat(name)
		if p.isLocal && !repeat {
			if !r.Available(name) && m.Allocated() {
				m.Deallocate()
			}
			continue
		}
		if !m.Allocated() {
			m.Allocate(alloc)
		}
		switch {
		case p.isLocal:
			c.Broadcast(m.Raw(), r.Owner(name))
		case repeat:
			c.AllReduce(m.Raw())
		default:
			c.Reduce(m.Raw(), r.Owner(name))
			if !r.Available(name) {
				m.Deallocate()
			}
		}
	}
}
