// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package stack provides a lock-free LIFO built on a single atomic top
// pointer. Popped nodes are retired through the reclamation engine, so a
// concurrent popper that lost the race can still dereference the node it
// read without a use-after-free, and the allocator cannot recycle the
// node's address while any critical section might observe it.
package stack

import (
	"sync/atomic"

	"github.com/viega/hatrack-sub002/internal/concurrency/reclaim"
)

type node[T any] struct {
	reclaim.Header
	val  T
	next *node[T]
}

// Stack is a lock-free LIFO. All operations require a critical-section
// token from the stack's reclamation manager.
type Stack[T any] struct {
	m     *reclaim.Manager
	eject func(T)

	top    atomic.Pointer[node[T]]
	length atomic.Int64
}

// New creates an empty stack. eject, if non-nil, is called for values
// still on the stack when it closes.
func New[T any](m *reclaim.Manager, eject func(T)) *Stack[T] {
	return &Stack[T]{m: m, eject: eject}
}

// Manager returns the reclamation manager operations enter through.
func (s *Stack[T]) Manager() *reclaim.Manager {
	return s.m
}

// Len returns the number of values on the stack.
func (s *Stack[T]) Len() int {
	return int(s.length.Load())
}

// Push places v on top of the stack.
func (s *Stack[T]) Push(tok reclaim.Token, v T) {
	n := &node[T]{val: v}
	for {
		old := s.top.Load()
		n.next = old
		if s.top.CompareAndSwap(old, n) {
			s.m.CommitWrite(&n.Header)
			s.length.Add(1)
			return
		}
	}
}

// Pop removes and returns the top value. ok is false when the stack is
// empty.
func (s *Stack[T]) Pop(tok reclaim.Token) (T, bool) {
	var zero T
	for {
		n := s.top.Load()
		if n == nil {
			return zero, false
		}
		if s.top.CompareAndSwap(n, n.next) {
			s.m.HelpCommit(&n.Header)
			s.length.Add(-1)
			v := n.val
			s.m.Retire(tok, &n.Header, func() {
				n.val = zero
				n.next = nil
			})
			return v, true
		}
	}
}

// Peek returns the top value without removing it.
func (s *Stack[T]) Peek(tok reclaim.Token) (T, bool) {
	var zero T
	n := s.top.Load()
	if n == nil {
		return zero, false
	}
	s.m.HelpCommit(&n.Header)
	return n.val, true
}

// Close hands remaining values to the eject callback and drains the
// reclamation backlog. The stack must be quiescent.
func (s *Stack[T]) Close() {
	for n := s.top.Swap(nil); n != nil; n = n.next {
		if s.eject != nil {
			s.eject(n.val)
		}
	}
	s.length.Store(0)
	s.m.Drain()
}
