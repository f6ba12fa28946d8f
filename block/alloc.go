// Package block stores the numeric operators of a block of sites.
package block

import (
	"fmt"
	"sync"
)

// Allocator provides storage for operator matrices.
type Allocator interface {
	// Alloc returns n zeroed elements.
	Alloc(n int) []float64
	// Bulk reports whether storage is freed all at once by Release, rather than by the garbage collector.
	// Callers allocate bulk storage up front, before farming out work to goroutines.
	Bulk() bool
	Release()
}

// Stack is an arena allocator freed in bulk.
type Stack struct {
	mu   sync.Mutex
	buf  []float64
	used int
	peak int
}

// NewStack creates an arena of capacity elements.
func NewStack(capacity int) *Stack {
	return &Stack{buf: make([]float64, capacity)}
}

func (s *Stack) Alloc(n int) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used+n > len(s.buf) {
		panic(fmt.Sprintf("stack exhausted: %d used, %d requested, %d capacity", s.used, n, len(s.buf)))
	}
	r := s.buf[s.used : s.used+n : s.used+n]
	clear(r)
	s.used += n
	s.peak = max(s.peak, s.used)
	return r
}

func (s *Stack) Bulk() bool { return true }

// Release frees everything allocated so far.
// Matrices allocated from s must not be used afterwards.
func (s *Stack) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = 0
}

// Used returns the number of allocated elements.
func (s *Stack) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Peak returns the largest number of elements ever allocated at once.
func (s *Stack) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Heap allocates every call independently.
type Heap struct{}

func (Heap) Alloc(n int) []float64 { return make([]float64, n) }
func (Heap) Bulk() bool            { return false }
func (Heap) Release()              {}
