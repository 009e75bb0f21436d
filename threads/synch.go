// Semaphores, locks and condition variables.
//
// All three block by putting the current thread on a wait list and
// calling Block, and wake threads with Unblock. Wait lists are kept in
// descending priority order and re-sorted right before a wakeup, since a
// waiter's priority may have changed while it was queued: the highest
// priority waiter always goes first.

package threads

import (
	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
	"github.com/pianoyeg94/kernel-threads-inside-out/intr"
	"github.com/pianoyeg94/kernel-threads-inside-out/list"
)

// Semaphore is a nonnegative integer along with two atomic operators for
// manipulating it:
//
//   - down or "P": wait for the value to become positive, then
//     decrement it.
//
//   - up or "V": increment the value (and wake up one waiting thread, if
//     any).
type Semaphore struct {
	value   uint              // Current value.
	waiters list.List[Thread] // List of waiting threads.
}

// Init initializes s to value.
func (s *Semaphore) Init(value uint) {
	s.value = value
	s.waiters.Init()
}

// Value returns s's current value.
func (s *Semaphore) Value() uint {
	old := intr.Disable()
	v := s.value
	intr.SetLevel(old)
	return v
}

// Down is the "P" operation. Waits for s's value to become positive and
// then atomically decrements it.
//
// This function may sleep, so it must not be called within an interrupt
// handler. This function may be called with interrupts disabled, but if
// it sleeps then the next scheduled thread will probably turn interrupts
// back on.
func (s *Semaphore) Down() {
	debug.Assert(!intr.Context(), "!intr.Context()")

	old := intr.Disable()
	for s.value == 0 {
		s.waiters.InsertOrdered(&Current().elem, higherPriority, nil)
		Block()
	}
	s.value--
	intr.SetLevel(old)
}

// TryDown is the "P" operation, but only if s is not already 0. Reports
// whether s was decremented.
//
// This function may be called from an interrupt handler.
func (s *Semaphore) TryDown() bool {
	old := intr.Disable()
	success := false
	if s.value > 0 {
		s.value--
		success = true
	}
	intr.SetLevel(old)
	return success
}

// Up is the "V" operation. Increments s's value and wakes up the highest
// priority thread of those waiting for s, if any. If that thread outranks
// the running one, the running thread yields to it right away, or, in an
// interrupt handler, as soon as the handler returns.
//
// This function may be called from an interrupt handler.
func (s *Semaphore) Up() {
	old := intr.Disable()
	s.value++

	if !s.waiters.Empty() {
		s.waiters.Sort(higherPriority, nil)
		t := s.waiters.PopFront().Value()
		Unblock(t)

		if t.priority > Current().priority {
			if intr.Context() {
				intr.YieldOnReturn()
			} else {
				Yield()
			}
		}
	}
	intr.SetLevel(old)
}

// SemaSelfTest makes control "ping-pong" between a pair of threads.
func SemaSelfTest() {
	var sema [2]Semaphore

	debug.Log.Info("Testing semaphores...")
	sema[0].Init(0)
	sema[1].Init(0)
	Create("sema-test", PriDefault, semaTestHelper, &sema)
	for i := 0; i < 10; i++ {
		sema[0].Up()
		sema[1].Down()
	}
	debug.Log.Info("Testing semaphores... done.")
}

// semaTestHelper is the thread function used by SemaSelfTest.
func semaTestHelper(aux any) {
	sema := aux.(*[2]Semaphore)
	for i := 0; i < 10; i++ {
		sema[0].Down()
		sema[1].Up()
	}
}

// Lock can be held by at most a single thread at any given time. Locks
// are not "recursive", that is, it is an error for the thread currently
// holding a lock to try to acquire that lock.
//
// A lock is a specialization of a semaphore with an initial value of 1.
// The difference between a lock and such a semaphore is twofold. First,
// a semaphore can have a value greater than 1, but a lock can only be
// owned by a single thread at a time. Second, a semaphore does not have
// an owner, meaning that one thread can "down" the semaphore and then
// another one "up" it, but with a lock the same thread must both acquire
// and release it. When these restrictions prove onerous, it's a good
// sign that a semaphore should be used, instead of a lock.
//
// Locks don't donate priority: a low priority holder keeps its own
// priority even while a higher priority thread waits for the lock.
type Lock struct {
	holder    *Thread   // Thread holding lock (for debugging).
	semaphore Semaphore // Binary semaphore controlling access.
}

// Init initializes l, unlocked.
func (l *Lock) Init() {
	l.holder = nil
	l.semaphore.Init(1)
}

// Acquire acquires l, sleeping until it becomes available if necessary.
// The lock must not already be held by the current thread.
//
// This function may sleep, so it must not be called within an interrupt
// handler.
func (l *Lock) Acquire() {
	debug.Assert(!intr.Context(), "!intr.Context()")
	debug.Assert(!l.HeldByCurrentThread(), "!l.HeldByCurrentThread()")

	curr := Current()
	curr.waitOnLock = l
	l.semaphore.Down()
	curr.waitOnLock = nil
	l.holder = curr
}

// TryAcquire tries to acquire l and reports whether it succeeded. The
// lock must not already be held by the current thread.
//
// This function will not sleep, so it may be called within an interrupt
// handler.
func (l *Lock) TryAcquire() bool {
	debug.Assert(!l.HeldByCurrentThread(), "!l.HeldByCurrentThread()")

	success := l.semaphore.TryDown()
	if success {
		l.holder = Current()
	}
	return success
}

// Release releases l, which must be owned by the current thread.
//
// An interrupt handler cannot acquire a lock, so it does not make sense
// to try to release a lock within an interrupt handler.
func (l *Lock) Release() {
	debug.Assert(l.HeldByCurrentThread(), "l.HeldByCurrentThread()")

	l.holder = nil
	l.semaphore.Up()
}

// HeldByCurrentThread reports whether the current thread holds l. (Note
// that testing whether some other thread holds a lock would be racy.)
func (l *Lock) HeldByCurrentThread() bool {
	return l.holder == Current()
}

// Holder returns the thread holding l, or nil.
func (l *Lock) Holder() *Thread {
	return l.holder
}

// semaphoreElem is one waiter of a condition variable.
type semaphoreElem struct {
	elem      list.Elem[semaphoreElem]
	semaphore Semaphore
	thread    *Thread // the waiting thread, orders the wait list
}

// higherPriorityWaiter orders condition waiters by descending priority
// of their threads.
func higherPriorityWaiter(a, b *list.Elem[semaphoreElem], _ any) bool {
	return a.Value().thread.priority > b.Value().thread.priority
}

// Condition allows one piece of code to signal a condition and
// cooperating code to receive the signal and act upon it.
//
// A given condition variable is associated with only a single lock, but
// one lock may be associated with any number of condition variables.
type Condition struct {
	waiters list.List[semaphoreElem]
}

// Init initializes c.
func (c *Condition) Init() {
	c.waiters.Init()
}

// Wait atomically releases lock and waits for c to be signaled by some
// other piece of code. After c is signaled, lock is reacquired before
// returning. lock must be held before calling this function.
//
// The monitor implemented by this function is "Mesa" style, not "Hoare"
// style, that is, sending and receiving a signal are not an atomic
// operation. Thus, typically the caller must recheck the condition after
// the wait completes and, if necessary, wait again.
//
// This function may sleep, so it must not be called within an interrupt
// handler.
func (c *Condition) Wait(lock *Lock) {
	debug.Assert(lock != nil, "lock != nil")
	debug.Assert(!intr.Context(), "!intr.Context()")
	debug.Assert(lock.HeldByCurrentThread(), "lock.HeldByCurrentThread()")

	waiter := &semaphoreElem{thread: Current()}
	waiter.elem.Init(waiter)
	waiter.semaphore.Init(0)
	c.waiters.InsertOrdered(&waiter.elem, higherPriorityWaiter, nil)
	lock.Release()
	waiter.semaphore.Down()
	lock.Acquire()
}

// Signal wakes up the highest priority thread waiting on c (protected by
// lock), if any. lock must be held before calling this function.
//
// An interrupt handler cannot acquire a lock, so it does not make sense
// to try to signal a condition variable within an interrupt handler.
func (c *Condition) Signal(lock *Lock) {
	debug.Assert(lock != nil, "lock != nil")
	debug.Assert(!intr.Context(), "!intr.Context()")
	debug.Assert(lock.HeldByCurrentThread(), "lock.HeldByCurrentThread()")

	if !c.waiters.Empty() {
		c.waiters.Sort(higherPriorityWaiter, nil)
		c.waiters.PopFront().Value().semaphore.Up()
	}
}

// Broadcast wakes up all threads, if any, waiting on c (protected by
// lock). lock must be held before calling this function.
func (c *Condition) Broadcast(lock *Lock) {
	debug.Assert(lock != nil, "lock != nil")
	debug.Assert(!intr.Context(), "!intr.Context()")
	debug.Assert(lock.HeldByCurrentThread(), "lock.HeldByCurrentThread()")

	for !c.waiters.Empty() {
		c.Signal(lock)
	}
}
