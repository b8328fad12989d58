// Package oal provides the OS abstraction layer primitives the stack is
// ported against once per host: a recursive-safe mutex, an event flag set
// with blocking/timed wait, a monotonic millisecond clock, and a task
// spawner. The Linux build backs the clock with golang.org/x/sys/unix;
// other hosts fall back to time.Now.
package oal

import (
	"sync"
	"time"
)

// Mutex is a recursive-safe lock keyed by Token: a holder may call Lock
// again with the same Token while already holding it. The stack uses exactly one of these — the
// "stack mutex" — to serialize every external API entry and driver
// callback.
type Mutex struct {
	mu     sync.Mutex
	owner  uint64
	depth  int
	nextID uint64
}

// Token identifies a lock holder across recursive Lock calls. Callers that
// may re-enter the stack mutex (e.g. a callback invoked while already
// holding it) must thread the same Token through.
type Token struct{ id uint64 }

// NewMutex constructs an unlocked recursive mutex.
func NewMutex() *Mutex { return &Mutex{} }

// NewToken allocates a fresh lock-holder identity for a task.
func (m *Mutex) NewToken() Token {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()
	return Token{id: id}
}

// Lock acquires the mutex on behalf of tok, recursing if tok already holds
// it.
func (m *Mutex) Lock(tok Token) {
	m.mu.Lock()
	if m.depth > 0 && m.owner == tok.id {
		m.depth++
		m.mu.Unlock()
		return
	}
	for m.depth > 0 {
		m.mu.Unlock()
		time.Sleep(time.Microsecond * 50)
		m.mu.Lock()
	}
	m.owner = tok.id
	m.depth = 1
	m.mu.Unlock()
}

// Unlock releases one level of recursion for tok.
func (m *Mutex) Unlock(tok Token) {
	m.mu.Lock()
	if m.depth == 0 || m.owner != tok.id {
		m.mu.Unlock()
		panic("oal: unlock of unowned mutex")
	}
	m.depth--
	m.mu.Unlock()
}

// Flags is a set of event bits a waiter can block on. Wait does not touch
// the stack mutex; a caller holding it unlocks it before Wait and locks it
// again afterwards, as the socket layer does.
type Flags struct {
	mu   sync.Mutex
	cond *sync.Cond
	bits uint32
}

// NewFlags constructs an empty flag set.
func NewFlags() *Flags {
	f := &Flags{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Set ORs bits into the set and wakes any waiters.
func (f *Flags) Set(bits uint32) {
	f.mu.Lock()
	f.bits |= bits
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Clear ANDs out bits from the set.
func (f *Flags) Clear(bits uint32) {
	f.mu.Lock()
	f.bits &^= bits
	f.mu.Unlock()
}

// Peek returns the currently set bits without blocking.
func (f *Flags) Peek() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bits
}

// Wait blocks until any bit in mask is set, or timeout elapses (zero means
// wait forever). It returns the bits that were set at wake time (zero on
// timeout).
func (f *Flags) Wait(mask uint32, timeout time.Duration) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bits&mask != 0 {
		return f.bits & mask
	}
	if timeout <= 0 {
		for f.bits&mask == 0 {
			f.cond.Wait()
		}
		return f.bits & mask
	}
	timer := time.AfterFunc(timeout, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer timer.Stop()
	deadline := time.Now().Add(timeout)
	for f.bits&mask == 0 {
		if !time.Now().Before(deadline) {
			return 0
		}
		f.cond.Wait()
	}
	return f.bits & mask
}

// Clock exposes the monotonic millisecond counter used for every deadline
// in the stack (ARP timeouts, TCP state timers, ICMP ping retries).
type Clock interface {
	GetMsCounter() int64
}

// Task spawns a function as an independent unit of execution — one
// goroutine per interface/consumer in the hosted preemptive build.
func Task(fn func()) {
	go fn()
}
