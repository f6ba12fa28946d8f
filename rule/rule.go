// Package rule decides which process computes and stores each operator.
package rule

import (
	"fmt"

	"github.com/fumin/qcmpo/comm"
	"github.com/fumin/qcmpo/expr"
	"github.com/fumin/qcmpo/integral"
)

// Rule maps operator labels to owning ranks.
// Every method must be a pure function of the label, so that all ranks agree without communication.
type Rule interface {
	Comm() comm.Communicator
	// Owner is the rank that computes the operator.
	Owner(l expr.Label) int
	// Own reports whether this rank computes the operator.
	Own(l expr.Label) bool
	// Repeat reports whether every rank holds a copy of the operator, rather than only the owner.
	Repeat(l expr.Label) bool
	// Available reports whether the operator may be allocated and read on this rank.
	Available(l expr.Label) bool
	// NonBlocking reports whether broadcasts of repeated operators overlap with computation.
	NonBlocking() bool
}

// Single assigns every operator to the root rank.
type Single struct {
	c           comm.Communicator
	repeat      bool
	nonBlocking bool
}

// NewSingle creates a Single rule where the root owns every operator.
func NewSingle(c comm.Communicator) Single {
	return Single{c: c}
}

// WithRepeat makes every operator repeated.
func (r Single) WithRepeat(repeat bool) Single {
	r.repeat = repeat
	return r
}

// WithNonBlocking sets whether broadcasts of repeated operators overlap with computation.
func (r Single) WithNonBlocking(nonBlocking bool) Single {
	r.nonBlocking = nonBlocking
	return r
}

func (r Single) Comm() comm.Communicator     { return r.c }
func (r Single) Owner(expr.Label) int        { return r.c.Root() }
func (r Single) Own(l expr.Label) bool       { return r.c.Rank() == r.Owner(l) }
func (r Single) Repeat(expr.Label) bool      { return r.repeat }
func (r Single) Available(l expr.Label) bool { return r.Own(l) || r.Repeat(l) }
func (r Single) NonBlocking() bool           { return r.nonBlocking }

// Site distributes quantum chemistry operators by their site indices.
// I and H belong to the root. Operators on one site i belong to rank i mod size,
// and operators on two sites i, j to rank idx(i, j) mod size, where idx is the packed pair index.
type Site struct {
	c           comm.Communicator
	repeat      expr.NameSet
	nonBlocking bool
}

// NewSite creates a Site rule which repeats I, C and D.
func NewSite(c comm.Communicator) Site {
	return Site{c: c, repeat: expr.Names(expr.I, expr.C, expr.D)}
}

// WithRepeat sets the names of repeated operators.
func (r Site) WithRepeat(names expr.NameSet) Site {
	r.repeat = names
	return r
}

// WithNonBlocking sets whether broadcasts of repeated operators overlap with computation.
func (r Site) WithNonBlocking(nonBlocking bool) Site {
	r.nonBlocking = nonBlocking
	return r
}

func (r Site) Comm() comm.Communicator { return r.c }

func (r Site) Owner(l expr.Label) int {
	size := r.c.Size()
	switch l.Name {
	case expr.I, expr.H:
		return r.c.Root()
	case expr.C, expr.D, expr.R, expr.RD:
		return l.Index.Site(0) % size
	case expr.A, expr.AD, expr.P, expr.PD, expr.B, expr.BD, expr.Q:
		return integral.TriIndex(l.Index.Site(0), l.Index.Site(1)) % size
	default:
		if l.Index.Len == 0 {
			return r.c.Root()
		}
		panic(fmt.Sprintf("no owner %s", l))
	}
}

func (r Site) Own(l expr.Label) bool       { return r.c.Rank() == r.Owner(l) }
func (r Site) Repeat(l expr.Label) bool    { return r.repeat.Has(l.Name) }
func (r Site) Available(l expr.Label) bool { return r.Own(l) || r.Repeat(l) }
func (r Site) NonBlocking() bool           { return r.nonBlocking }
