// Doubly linked list with embedded link nodes.
//
// A list element is not allocated separately: the structure that wants
// to be on a list embeds an Elem and registers itself as the element's
// owner, and Value converts a link node back to its owner. That means
// list membership never allocates, and a node can be unlinked in O(1)
// from anywhere given only the node.
//
// Every list has two sentinel nodes, the head just before the first
// element and the tail just after the last one. For an empty list
// Begin() == End(). The sentinels make insertion and removal branch
// free:
//
//	+------+     +-------+         +-------+     +------+
//	| head |<--->|   1   |<-->...<-->|   n   |<--->| tail |
//	+------+     +-------+         +-------+     +------+
//
// The list does no locking of its own. Callers hold whatever protects
// the container (in the kernel: interrupts turned off).
//
// An element may be on at most one list at a time. Removing an element
// clears its links, and inserting an element that is still linked
// somewhere halts the kernel.

package list

import "github.com/pianoyeg94/kernel-threads-inside-out/debug"

// Elem is a list link node embedded into its owner.
type Elem[T any] struct {
	prev  *Elem[T]
	next  *Elem[T]
	owner *T // nil for sentinels
}

// List is a doubly linked list of owners of type T.
type List[T any] struct {
	head Elem[T]
	tail Elem[T]
}

// LessFunc reports whether a is strictly ordered before b, given
// auxiliary data aux.
type LessFunc[T any] func(a, b *Elem[T], aux any) bool

// Init records owner as the structure e is embedded into. Must be called
// once before e is put on any list.
func (e *Elem[T]) Init(owner *T) {
	e.owner = owner
	e.prev = nil
	e.next = nil
}

// Value returns the structure e is embedded into (list_entry).
func (e *Elem[T]) Value() *T {
	debug.Assert(e.owner != nil, "e.owner != nil")
	return e.owner
}

// Linked reports whether e is currently on a list.
func (e *Elem[T]) Linked() bool {
	return e.prev != nil || e.next != nil
}

// Next returns the element after e. If e is the last element, returns
// the list tail. Results are undefined if e is itself the tail.
func (e *Elem[T]) Next() *Elem[T] {
	debug.Assert(e.isHead() || e.isInterior(), "e.isHead() || e.isInterior()")
	return e.next
}

// Prev returns the element before e. If e is the first element,
// returns the list head. Results are undefined if e is itself the head.
func (e *Elem[T]) Prev() *Elem[T] {
	debug.Assert(e.isInterior() || e.isTail(), "e.isInterior() || e.isTail()")
	return e.prev
}

func (e *Elem[T]) isHead() bool     { return e != nil && e.prev == nil && e.next != nil }
func (e *Elem[T]) isInterior() bool { return e != nil && e.prev != nil && e.next != nil }
func (e *Elem[T]) isTail() bool     { return e != nil && e.prev != nil && e.next == nil }

// Init initializes l as an empty list.
func (l *List[T]) Init() {
	l.head.prev = nil
	l.head.next = &l.tail
	l.tail.prev = &l.head
	l.tail.next = nil
}

// Begin returns the first element of l, or End() when l is empty.
func (l *List[T]) Begin() *Elem[T] { return l.head.next }

// End returns the tail sentinel of l.
func (l *List[T]) End() *Elem[T] { return &l.tail }

// RBegin returns the last element of l for reverse iteration, or REnd()
// when l is empty.
func (l *List[T]) RBegin() *Elem[T] { return l.tail.prev }

// REnd returns the head sentinel of l.
func (l *List[T]) REnd() *Elem[T] { return &l.head }

// Insert inserts elem just before before, which may be either an
// interior element or a tail.
func Insert[T any](before, elem *Elem[T]) {
	debug.Assert(before.isInterior() || before.isTail(), "before.isInterior() || before.isTail()")
	debug.Assert(elem != nil, "elem != nil")
	debug.Assert(!elem.Linked(), "!elem.Linked()")

	elem.prev = before.prev
	elem.next = before
	before.prev.next = elem
	before.prev = elem
}

// Splice removes elements first through last (exclusive) from their
// current list, then inserts them just before before, which may be
// either an interior element or a tail.
func Splice[T any](before, first, last *Elem[T]) {
	debug.Assert(before.isInterior() || before.isTail(), "before.isInterior() || before.isTail()")
	if first == last {
		return
	}
	last = last.Prev()

	debug.Assert(first.isInterior(), "first.isInterior()")
	debug.Assert(last.isInterior(), "last.isInterior()")

	// Cleanly remove FIRST...LAST from its current list.
	first.prev.next = last.next
	last.next.prev = first.prev

	// Splice FIRST...LAST into new list.
	first.prev = before.prev
	last.next = before
	before.prev.next = first
	before.prev = last
}

// PushFront inserts elem at the beginning of l.
func (l *List[T]) PushFront(elem *Elem[T]) {
	Insert(l.Begin(), elem)
}

// PushBack inserts elem at the end of l.
func (l *List[T]) PushBack(elem *Elem[T]) {
	Insert(l.End(), elem)
}

// Remove removes elem from its list and returns the element that
// followed it. Undefined behavior if elem is not in a list.
//
// Iterating while removing therefore looks like
//
//	for e := l.Begin(); e != l.End(); {
//		if drop(e) {
//			e = list.Remove(e)
//		} else {
//			e = e.Next()
//		}
//	}
func Remove[T any](elem *Elem[T]) *Elem[T] {
	debug.Assert(elem.isInterior(), "elem.isInterior()")
	next := elem.next
	elem.prev.next = elem.next
	elem.next.prev = elem.prev
	elem.prev = nil
	elem.next = nil
	return next
}

// PopFront removes the front element from l and returns it.
// Undefined behavior if l is empty before removal.
func (l *List[T]) PopFront() *Elem[T] {
	front := l.Front()
	Remove(front)
	return front
}

// PopBack removes the back element from l and returns it.
func (l *List[T]) PopBack() *Elem[T] {
	back := l.Back()
	Remove(back)
	return back
}

// Front returns the front element in l. Halts if l is empty.
func (l *List[T]) Front() *Elem[T] {
	debug.Assert(!l.Empty(), "!l.Empty()")
	return l.head.next
}

// Back returns the back element in l. Halts if l is empty.
func (l *List[T]) Back() *Elem[T] {
	debug.Assert(!l.Empty(), "!l.Empty()")
	return l.tail.prev
}

// Size returns the number of elements in l. Runs in O(n).
func (l *List[T]) Size() int {
	n := 0
	for e := l.Begin(); e != l.End(); e = e.Next() {
		n++
	}
	return n
}

// Empty reports whether l is empty.
func (l *List[T]) Empty() bool {
	return l.Begin() == l.End()
}

// Reverse reverses the order of l.
func (l *List[T]) Reverse() {
	if l.Empty() {
		return
	}
	for e := l.Begin(); e != l.End(); e = e.prev {
		e.prev, e.next = e.next, e.prev
	}
	l.head.next, l.tail.prev = l.tail.prev, l.head.next
	l.head.next.prev, l.tail.prev.next = l.tail.prev.next, l.head.next.prev
}

// isSorted reports whether elements a through b (exclusive) are in
// order according to less given auxiliary data aux.
func isSorted[T any](a, b *Elem[T], less LessFunc[T], aux any) bool {
	if a != b {
		for a = a.Next(); a != b; a = a.Next() {
			if less(a, a.Prev(), aux) {
				return false
			}
		}
	}
	return true
}

// findEndOfRun finds a run, starting at a and ending not after b, of
// elements that are in nondecreasing order according to less. Returns
// the (exclusive) end of the run.
func findEndOfRun[T any](a, b *Elem[T], less LessFunc[T], aux any) *Elem[T] {
	debug.Assert(a != b, "a != b")
	for {
		a = a.Next()
		if a == b || less(a, a.Prev(), aux) {
			return a
		}
	}
}

// inplaceMerge merges a0 through a1b0 (exclusive) with a1b0 through b1
// (exclusive) to form a combined range also ending at b1 (exclusive).
// Both input ranges must be nonempty and sorted in nondecreasing order.
func inplaceMerge[T any](a0, a1b0, b1 *Elem[T], less LessFunc[T], aux any) {
	for a0 != a1b0 && a1b0 != b1 {
		if !less(a1b0, a0, aux) {
			a0 = a0.Next()
		} else {
			a1b0 = a1b0.Next()
			Splice(a0, a1b0.Prev(), a1b0)
		}
	}
}

// Sort sorts l according to less using a natural iterative merge sort
// that runs in O(n lg n) time and O(1) space. The sort is stable:
// elements that compare equal keep their relative order.
func (l *List[T]) Sort(less LessFunc[T], aux any) {
	// Pass over the list repeatedly, merging adjacent runs of
	// nondecreasing elements, until only one run is left.
	for {
		outputRunCnt := 0
		var b1 *Elem[T]
		for a0 := l.Begin(); a0 != l.End(); a0 = b1 {
			// Each iteration produces one output run.
			outputRunCnt++

			// Locate two adjacent runs of nondecreasing elements
			// A0...A1B0 and A1B0...B1.
			a1b0 := findEndOfRun(a0, l.End(), less, aux)
			if a1b0 == l.End() {
				break
			}
			b1 = findEndOfRun(a1b0, l.End(), less, aux)

			// Merge the runs.
			inplaceMerge(a0, a1b0, b1, less, aux)
		}
		if outputRunCnt <= 1 {
			break
		}
	}

	debug.Assert(isSorted(l.Begin(), l.End(), less, aux), "isSorted(l.Begin(), l.End(), less, aux)")
}

// InsertOrdered inserts elem in the proper position in l, which must be
// sorted according to less. Elem goes after every element it does not
// compare strictly before, so equal keys keep insertion (FIFO) order.
// Runs in O(n) average case in the number of elements in l.
func (l *List[T]) InsertOrdered(elem *Elem[T], less LessFunc[T], aux any) {
	debug.Assert(elem != nil, "elem != nil")

	e := l.Begin()
	for ; e != l.End(); e = e.Next() {
		if less(elem, e, aux) {
			break
		}
	}
	Insert(e, elem)
}

// Unique iterates through l and removes all but the first in each set of
// adjacent elements that are equal according to less. If duplicates is
// non-nil, the removed elements are appended to it.
func (l *List[T]) Unique(duplicates *List[T], less LessFunc[T], aux any) {
	if l.Empty() {
		return
	}

	elem := l.Begin()
	for next := elem.Next(); next != l.End(); next = elem.Next() {
		if !less(elem, next, aux) && !less(next, elem, aux) {
			Remove(next)
			if duplicates != nil {
				duplicates.PushBack(next)
			}
		} else {
			elem = next
		}
	}
}

// Max returns the element in l with the largest value according to
// less. If there is more than one maximum, returns the one that appears
// earlier in the list. If the list is empty, returns its tail.
func (l *List[T]) Max(less LessFunc[T], aux any) *Elem[T] {
	max := l.Begin()
	if max != l.End() {
		for e := max.Next(); e != l.End(); e = e.Next() {
			if less(max, e, aux) {
				max = e
			}
		}
	}
	return max
}

// Min returns the element in l with the smallest value according to
// less. If there is more than one minimum, returns the one that appears
// earlier in the list. If the list is empty, returns its tail.
func (l *List[T]) Min(less LessFunc[T], aux any) *Elem[T] {
	min := l.Begin()
	if min != l.End() {
		for e := min.Next(); e != l.End(); e = e.Next() {
			if less(e, min, aux) {
				min = e
			}
		}
	}
	return min
}
