// Package comm provides the collective communication between cooperating processes.
//
// Processes are modelled as ranks of a world. NewLocalWorld runs every rank in the same
// address space, in its own goroutine, and implements collectives on shared memory.
// All ranks must issue the same sequence of collectives.
package comm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Communicator is the view of a world from one rank.
// Collectives block until every rank has made the matching call, and a stalled rank blocks the others forever.
type Communicator interface {
	Rank() int
	Size() int
	Root() int
	Barrier()
	// Broadcast copies the owner's buf into the buf of every other rank.
	Broadcast(buf []float64, owner int)
	// IBroadcast starts a Broadcast, which completes when the returned request is waited for.
	// buf must not be accessed until then.
	IBroadcast(buf []float64, owner int) *Request
	// WaitAll blocks until all reqs complete.
	WaitAll(reqs ...*Request)
	// Reduce sums buf over all ranks into the owner's buf.
	Reduce(buf []float64, owner int)
	// AllReduce sums buf over all ranks into the buf of every rank.
	AllReduce(buf []float64)
}

// Op is the kind of a collective.
type Op int

const (
	OpBarrier Op = iota
	OpBroadcast
	OpIBroadcast
	OpReduce
	OpAllReduce
	numOps
)

func (op Op) String() string {
	switch op {
	case OpBarrier:
		return "barrier"
	case OpBroadcast:
		return "broadcast"
	case OpIBroadcast:
		return "ibroadcast"
	case OpReduce:
		return "reduce"
	case OpAllReduce:
		return "allreduce"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

// Request is an outstanding non-blocking collective.
type Request struct {
	done chan struct{}
}

func completed() *Request {
	r := &Request{done: make(chan struct{})}
	close(r.done)
	return r
}

// Wait blocks until the request completes.
func (r *Request) Wait() { <-r.done }

// collective is one collective call shared by all ranks.
type collective struct {
	op    Op
	owner int
	n     int
	bufs  [][]float64
	// result is the rank ordered sum of bufs.
	result []float64

	arrived  int
	finished int
	ready    chan struct{}
	done     chan struct{}
}

type world struct {
	size int

	mu          sync.Mutex
	collectives map[uint64]*collective
}

func (w *world) arrive(seq uint64, op Op, owner, rank int, buf []float64) *collective {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.collectives[seq]
	if !ok {
		c = &collective{op: op, owner: owner, n: len(buf), bufs: make([][]float64, w.size), ready: make(chan struct{}), done: make(chan struct{})}
		w.collectives[seq] = c
	}
	if c.op != op || c.owner != owner || c.n != len(buf) {
		panic(fmt.Sprintf("rank %d seq %d: %s %d %d, expected %s %d %d", rank, seq, op, owner, len(buf), c.op, c.owner, c.n))
	}
	c.bufs[rank] = buf
	c.arrived++
	if c.arrived == w.size {
		close(c.ready)
	}
	return c
}

func (w *world) finish(seq uint64, c *collective) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c.finished++
	if c.finished == w.size {
		delete(w.collectives, seq)
		close(c.done)
	}
}

func sum(bufs [][]float64) []float64 {
	r := make([]float64, len(bufs[0]))
	copy(r, bufs[0])
	for _, b := range bufs[1:] {
		for i, v := range b {
			r[i] += v
		}
	}
	return r
}

// Local is a rank of an in-memory world.
type Local struct {
	rank   int
	w      *world
	seq    atomic.Uint64
	counts [numOps]atomic.Int64
	logger *zap.Logger
}

// NewLocalWorld creates a world of size ranks.
func NewLocalWorld(size int) []*Local {
	if size < 1 {
		panic(fmt.Sprintf("%d", size))
	}
	w := &world{size: size, collectives: make(map[uint64]*collective)}
	ranks := make([]*Local, 0, size)
	for rank := range size {
		ranks = append(ranks, &Local{rank: rank, w: w, logger: zap.NewNop()})
	}
	return ranks
}

// Serial returns the only rank of a world of size one.
func Serial() *Local {
	return NewLocalWorld(1)[0]
}

// WithLogger sets the logger of collective calls.
func (c *Local) WithLogger(logger *zap.Logger) *Local {
	c.logger = logger.With(zap.Int("rank", c.rank))
	return c
}

func (c *Local) Rank() int { return c.rank }
func (c *Local) Size() int { return c.w.size }
func (c *Local) Root() int { return 0 }

// Count returns the number of collectives of kind op issued by this rank.
func (c *Local) Count(op Op) int64 { return c.counts[op].Load() }

func (c *Local) Barrier() {
	c.run(c.next(OpBarrier), OpBarrier, 0, nil)
}

func (c *Local) Broadcast(buf []float64, owner int) {
	c.run(c.next(OpBroadcast), OpBroadcast, owner, buf)
}

func (c *Local) IBroadcast(buf []float64, owner int) *Request {
	seq := c.next(OpIBroadcast)
	if c.w.size == 1 {
		return completed()
	}
	r := &Request{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		c.run(seq, OpBroadcast, owner, buf)
	}()
	return r
}

func (c *Local) WaitAll(reqs ...*Request) {
	for _, r := range reqs {
		r.Wait()
	}
}

func (c *Local) Reduce(buf []float64, owner int) {
	c.run(c.next(OpReduce), OpReduce, owner, buf)
}

func (c *Local) AllReduce(buf []float64) {
	c.run(c.next(OpAllReduce), OpAllReduce, 0, buf)
}

func (c *Local) next(op Op) uint64 {
	c.counts[op].Add(1)
	return c.seq.Add(1)
}

// run executes a collective in three phases: wait for every rank to arrive, do this rank's share
// of the work, then wait for every rank to finish before writing results.
func (c *Local) run(seq uint64, op Op, owner int, buf []float64) {
	if owner < 0 || owner >= c.w.size {
		panic(fmt.Sprintf("%d %d", owner, c.w.size))
	}
	c.logger.Debug("collective", zap.Uint64("seq", seq), zap.Stringer("op", op), zap.Int("owner", owner), zap.Int("n", len(buf)))
	if c.w.size == 1 {
		return
	}

	cl := c.w.arrive(seq, op, owner, c.rank, buf)
	<-cl.ready
	switch op {
	case OpBroadcast:
		if c.rank != owner {
			copy(buf, cl.bufs[owner])
		}
	case OpReduce:
		if c.rank == owner {
			cl.result = sum(cl.bufs)
		}
	case OpAllReduce:
		if c.rank == c.Root() {
			cl.result = sum(cl.bufs)
		}
	}
	c.w.finish(seq, cl)
	<-cl.done

	switch {
	case op == OpReduce && c.rank == owner:
		copy(buf, cl.result)
	case op == OpAllReduce:
		copy(buf, cl.result)
	}
}

// Run calls f concurrently on every rank, and returns the first error.
func Run[T Communicator](ctx context.Context, ranks []T, f func(ctx context.Context, c T) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range ranks {
		g.Go(func() error { return f(ctx, c) })
	}
	return g.Wait()
}
