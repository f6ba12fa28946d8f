// Package expr implements the symbolic algebra of operator expressions.
//
// Expressions are nodes in an Arena addressed by Handles.
// A node is one of Zero, Elem, Prod, Sum and Ref.
package expr

import (
	"cmp"
	"fmt"
	"strings"
)

// Quantum is a conserved quantum number label: particle number, twice the spin projection,
// and a point group irreducible representation.
type Quantum struct {
	N     int
	TwoSz int
	PG    uint8
}

// Add combines two quantum numbers. Point group irreps of abelian groups combine by XOR.
func (q Quantum) Add(o Quantum) Quantum {
	return Quantum{N: q.N + o.N, TwoSz: q.TwoSz + o.TwoSz, PG: q.PG ^ o.PG}
}

// Neg returns the quantum number of the conjugate operator.
func (q Quantum) Neg() Quantum {
	return Quantum{N: -q.N, TwoSz: -q.TwoSz, PG: q.PG}
}

func (q Quantum) String() string {
	return fmt.Sprintf("<N=%d SZ=%d PG=%d>", q.N, q.TwoSz, q.PG)
}

// Name is the kind of an operator.
type Name uint8

const (
	I Name = iota
	H
	C
	D
	R
	RD
	A
	AD
	P
	PD
	B
	BD
	Q
	TEMP
)

var nameStrings = [...]string{"I", "H", "C", "D", "R", "RD", "A", "AD", "P", "PD", "B", "BD", "Q", "TEMP"}

func (n Name) String() string {
	if int(n) < len(nameStrings) {
		return nameStrings[n]
	}
	return fmt.Sprintf("Name(%d)", uint8(n))
}

// NameSet is a set of Names.
type NameSet uint32

// Names returns the set of ns.
func Names(ns ...Name) NameSet {
	var s NameSet
	for _, n := range ns {
		s |= 1 << n
	}
	return s
}

func (s NameSet) Has(n Name) bool { return s&(1<<n) != 0 }

// SiteIndex holds up to four site indices and a spin bit per site.
type SiteIndex struct {
	Sites [4]int16
	Len   uint8
	Spins uint8
}

// Index creates a SiteIndex over sites.
func Index(sites ...int) SiteIndex {
	if len(sites) > 4 {
		panic(fmt.Sprintf("%#v", sites))
	}
	var s SiteIndex
	for i, site := range sites {
		s.Sites[i] = int16(site)
	}
	s.Len = uint8(len(sites))
	return s
}

// WithSpins returns a copy of s with the spin bits set.
func (s SiteIndex) WithSpins(spins ...uint8) SiteIndex {
	s.Spins = 0
	for i, b := range spins {
		s.Spins |= (b & 1) << i
	}
	return s
}

// Site returns the i-th site.
func (s SiteIndex) Site(i int) int { return int(s.Sites[i]) }

// Spin returns the spin bit of the i-th site.
func (s SiteIndex) Spin(i int) uint8 { return (s.Spins >> i) & 1 }

func (s SiteIndex) compare(o SiteIndex) int {
	if c := cmp.Compare(s.Len, o.Len); c != 0 {
		return c
	}
	for i := range int(s.Len) {
		if c := cmp.Compare(s.Sites[i], o.Sites[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(s.Spins, o.Spins)
}

func (s SiteIndex) String() string {
	var b strings.Builder
	b.WriteString("[")
	for i := range int(s.Len) {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%d", s.Sites[i])
		if s.Spins != 0 {
			fmt.Fprintf(&b, "%c", "ab"[s.Spin(i)])
		}
	}
	b.WriteString("]")
	return b.String()
}

// Label identifies a symbolic operator.
// Labels are comparable and can be used as map keys.
type Label struct {
	Name  Name
	Index SiteIndex
	Q     Quantum
}

// Op creates a Label.
func Op(name Name, q Quantum, sites ...int) Label {
	return Label{Name: name, Index: Index(sites...), Q: q}
}

// Compare orders labels by name, then index, then quantum number.
func (l Label) Compare(o Label) int {
	if c := cmp.Compare(l.Name, o.Name); c != 0 {
		return c
	}
	if c := l.Index.compare(o.Index); c != 0 {
		return c
	}
	if c := cmp.Compare(l.Q.N, o.Q.N); c != 0 {
		return c
	}
	if c := cmp.Compare(l.Q.TwoSz, o.Q.TwoSz); c != 0 {
		return c
	}
	return cmp.Compare(l.Q.PG, o.Q.PG)
}

func (l Label) String() string {
	return fmt.Sprintf("%s%s%s", l.Name, l.Index, l.Q)
}

// Side is the block an operator lives on.
type Side uint8

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "L"
	}
	return "R"
}
