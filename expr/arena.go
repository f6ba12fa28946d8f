package expr

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Kind is the variant of a Node.
type Kind uint8

const (
	KindZero Kind = iota
	KindElem
	KindProd
	KindSum
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindZero:
		return "Zero"
	case KindElem:
		return "Elem"
	case KindProd:
		return "Prod"
	case KindSum:
		return "Sum"
	case KindRef:
		return "Ref"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Handle addresses a Node in an Arena.
type Handle int32

const (
	// Zero is the expression that evaluates to nothing.
	Zero Handle = 0
	// None marks a slot with nothing to compute.
	None Handle = -1
)

// Conjugation bits of a Prod.
const (
	ConjA uint8 = 1 << iota
	ConjB
)

// Node is a tagged union over the expression variants.
// Fields not used by Kind are zero.
type Node struct {
	Kind Kind

	// A is the operator of an Elem, and the left operator of a Prod.
	A Label
	// B is the right operator of a Prod.
	B      Label
	Factor float64
	// Conj holds ConjA and ConjB. An Elem only uses ConjA.
	Conj uint8

	// Terms are Elem or Prod handles of a Sum.
	// The slice is owned by the arena and must not be modified.
	Terms []Handle

	// Payload is the expression a Ref evaluates, owned by the same arena.
	Payload Handle
	// Orig is the borrowed expression the Ref was derived from.
	Orig Handle
	// Local is true when the Payload computes the whole of Orig.
	Local bool
	Owner int
	Side  Side
}

// Arena stores expression nodes.
// Handles are stable for the lifetime of the arena, and nodes are never mutated after creation.
type Arena struct {
	mu    sync.RWMutex
	nodes []Node
}

func NewArena() *Arena {
	return &Arena{nodes: []Node{{Kind: KindZero}}}
}

// Len is the number of nodes.
func (ar *Arena) Len() int {
	ar.mu.RLock()
	defer ar.mu.RUnlock()
	return len(ar.nodes)
}

// Node returns the node of h.
func (ar *Arena) Node(h Handle) Node {
	if h == None {
		panic("none")
	}
	ar.mu.RLock()
	defer ar.mu.RUnlock()
	if int(h) >= len(ar.nodes) || h < 0 {
		panic(fmt.Sprintf("%d %d", h, len(ar.nodes)))
	}
	return ar.nodes[h]
}

// Kind returns the kind of h.
func (ar *Arena) Kind(h Handle) Kind {
	return ar.Node(h).Kind
}

func (ar *Arena) push(n Node) Handle {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.nodes = append(ar.nodes, n)
	return Handle(len(ar.nodes) - 1)
}

// Elem creates factor * a, or factor * a^T when conj is set.
func (ar *Arena) Elem(a Label, factor float64, conj bool) Handle {
	if factor == 0 {
		return Zero
	}
	n := Node{Kind: KindElem, A: a, Factor: factor}
	if conj {
		n.Conj = ConjA
	}
	return ar.push(n)
}

// Prod creates factor * a' x b', where the primes are transposes selected by conj.
func (ar *Arena) Prod(a, b Label, conj uint8, factor float64) Handle {
	if factor == 0 {
		return Zero
	}
	return ar.push(Node{Kind: KindProd, A: a, B: b, Conj: conj & (ConjA | ConjB), Factor: factor})
}

// Sum creates the sum of terms.
// Zero terms are dropped, nested sums are flattened and a single term is returned as is.
// Sum panics when the terms carry different quantum numbers.
func (ar *Arena) Sum(terms ...Handle) Handle {
	flat := make([]Handle, 0, len(terms))
	for _, t := range terms {
		switch n := ar.Node(t); n.Kind {
		case KindZero:
		case KindElem, KindProd:
			flat = append(flat, t)
		case KindSum:
			flat = append(flat, n.Terms...)
		default:
			panic(fmt.Sprintf("%d %s", t, n.Kind))
		}
	}
	switch len(flat) {
	case 0:
		return Zero
	case 1:
		return flat[0]
	}
	q, _ := ar.Quantum(flat[0])
	for _, t := range flat[1:] {
		if tq, _ := ar.Quantum(t); tq != q {
			panic(fmt.Sprintf("%s %s", tq, q))
		}
	}
	return ar.push(Node{Kind: KindSum, Terms: flat})
}

// Ref wraps payload, the part of orig computed by this process.
func (ar *Arena) Ref(payload, orig Handle, local bool, owner int, side Side) Handle {
	return ar.push(Node{Kind: KindRef, Payload: payload, Orig: orig, Local: local, Owner: owner, Side: side})
}

// Unwrap returns the payload of a Ref, and whether it is known to be local.
// Other expressions are returned as is, and are not local.
func (ar *Arena) Unwrap(h Handle) (Handle, bool) {
	if h == None {
		return None, false
	}
	n := ar.Node(h)
	if n.Kind != KindRef {
		return h, false
	}
	return n.Payload, n.Local
}

// Scale multiplies h by f.
func (ar *Arena) Scale(h Handle, f float64) Handle {
	switch n := ar.Node(h); n.Kind {
	case KindZero:
		return Zero
	case KindElem, KindProd:
		if f*n.Factor == 0 {
			return Zero
		}
		n.Factor *= f
		return ar.push(n)
	case KindSum:
		terms := make([]Handle, 0, len(n.Terms))
		for _, t := range n.Terms {
			terms = append(terms, ar.Scale(t, f))
		}
		return ar.Sum(terms...)
	default:
		panic(fmt.Sprintf("%d %s", h, n.Kind))
	}
}

// Add returns x + y.
func (ar *Arena) Add(x, y Handle) Handle {
	return ar.Sum(x, y)
}

// Mul returns the product of a left block expression x and a right block expression y.
// Sums are distributed.
func (ar *Arena) Mul(x, y Handle) Handle {
	nx, ny := ar.Node(x), ar.Node(y)
	switch {
	case nx.Kind == KindZero || ny.Kind == KindZero:
		return Zero
	case nx.Kind == KindSum:
		terms := make([]Handle, 0, len(nx.Terms))
		for _, t := range nx.Terms {
			terms = append(terms, ar.Mul(t, y))
		}
		return ar.Sum(terms...)
	case ny.Kind == KindSum:
		terms := make([]Handle, 0, len(ny.Terms))
		for _, t := range ny.Terms {
			terms = append(terms, ar.Mul(x, t))
		}
		return ar.Sum(terms...)
	case nx.Kind == KindElem && ny.Kind == KindElem:
		var conj uint8
		if nx.Conj&ConjA != 0 {
			conj |= ConjA
		}
		if ny.Conj&ConjA != 0 {
			conj |= ConjB
		}
		return ar.Prod(nx.A, ny.A, conj, nx.Factor*ny.Factor)
	default:
		panic(fmt.Sprintf("%s %s", nx.Kind, ny.Kind))
	}
}

// Quantum returns the quantum number of h. It returns false for Zero.
func (ar *Arena) Quantum(h Handle) (Quantum, bool) {
	switch n := ar.Node(h); n.Kind {
	case KindZero:
		return Quantum{}, false
	case KindElem:
		if n.Conj&ConjA != 0 {
			return n.A.Q.Neg(), true
		}
		return n.A.Q, true
	case KindProd:
		qa, qb := n.A.Q, n.B.Q
		if n.Conj&ConjA != 0 {
			qa = qa.Neg()
		}
		if n.Conj&ConjB != 0 {
			qb = qb.Neg()
		}
		return qa.Add(qb), true
	case KindSum:
		return ar.Quantum(n.Terms[0])
	case KindRef:
		return ar.Quantum(n.Orig)
	default:
		panic(fmt.Sprintf("%d %s", h, n.Kind))
	}
}

// Check verifies the quantum number invariant of h and of everything it references.
func (ar *Arena) Check(h Handle) error {
	switch n := ar.Node(h); n.Kind {
	case KindZero, KindElem, KindProd:
		return nil
	case KindSum:
		q, _ := ar.Quantum(n.Terms[0])
		for _, t := range n.Terms {
			if k := ar.Kind(t); k != KindElem && k != KindProd {
				return errors.Errorf("term %d of %d is %s", t, h, k)
			}
			if tq, _ := ar.Quantum(t); tq != q {
				return errors.Errorf("term %d of %d: %s, expected %s", t, h, tq, q)
			}
		}
		return nil
	case KindRef:
		if err := ar.Check(n.Orig); err != nil {
			return errors.Wrap(err, "")
		}
		if err := ar.Check(n.Payload); err != nil {
			return errors.Wrap(err, "")
		}
		pq, pok := ar.Quantum(n.Payload)
		oq, _ := ar.Quantum(n.Orig)
		if pok && pq != oq {
			return errors.Errorf("ref %d: payload %s, expected %s", h, pq, oq)
		}
		return nil
	default:
		return errors.Errorf("%d %s", h, n.Kind)
	}
}

// MustMatch panics when h does not produce an operator with the quantum number of target.
func (ar *Arena) MustMatch(target Label, h Handle) {
	if h == None {
		return
	}
	if err := ar.Check(h); err != nil {
		panic(fmt.Sprintf("%s: %+v", target, err))
	}
	if q, ok := ar.Quantum(h); ok && q != target.Q {
		panic(fmt.Sprintf("%s: %s, expected %s", target, q, target.Q))
	}
}

// Terms returns the Elem or Prod terms of h.
func (ar *Arena) Terms(h Handle) []Handle {
	switch n := ar.Node(h); n.Kind {
	case KindZero:
		return nil
	case KindElem, KindProd:
		return []Handle{h}
	case KindSum:
		return n.Terms
	case KindRef:
		return ar.Terms(n.Payload)
	default:
		panic(fmt.Sprintf("%d %s", h, n.Kind))
	}
}
