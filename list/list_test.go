package list

import (
	"io"
	"os"
	"reflect"
	"testing"

	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
)

func TestMain(m *testing.M) {
	debug.Log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type item struct {
	key  int
	seq  int // insertion order, for stability checks
	elem Elem[item]
}

func byKey(a, b *Elem[item], _ any) bool {
	return a.Value().key < b.Value().key
}

func newItems(keys ...int) []*item {
	items := make([]*item, len(keys))
	for i, k := range keys {
		it := &item{key: k, seq: i}
		it.elem.Init(it)
		items[i] = it
	}
	return items
}

func newList(items []*item) *List[item] {
	l := &List[item]{}
	l.Init()
	for _, it := range items {
		l.PushBack(&it.elem)
	}
	return l
}

func keys(l *List[item]) []int {
	out := []int{}
	for e := l.Begin(); e != l.End(); e = e.Next() {
		out = append(out, e.Value().key)
	}
	return out
}

func seqs(l *List[item]) []int {
	out := []int{}
	for e := l.Begin(); e != l.End(); e = e.Next() {
		out = append(out, e.Value().seq)
	}
	return out
}

func reverseKeys(l *List[item]) []int {
	out := []int{}
	for e := l.RBegin(); e != l.REnd(); e = e.Prev() {
		out = append(out, e.Value().key)
	}
	return out
}

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if _, ok := r.(*debug.KernelPanic); !ok {
			t.Errorf("%s: got %v, want kernel panic", name, r)
		}
	}()
	fn()
}

func TestEmpty(t *testing.T) {
	var l List[item]
	l.Init()
	if !l.Empty() || l.Size() != 0 {
		t.Fatalf("new list: Empty=%v Size=%d", l.Empty(), l.Size())
	}
	if l.Begin() != l.End() {
		t.Errorf("Begin != End on empty list")
	}
	if l.Max(byKey, nil) != l.End() || l.Min(byKey, nil) != l.End() {
		t.Errorf("Max/Min of empty list should be the tail")
	}
	expectPanic(t, "Front", func() { l.Front() })
	expectPanic(t, "PopBack", func() { l.PopBack() })
}

func TestPushPop(t *testing.T) {
	items := newItems(1, 2, 3)
	var l List[item]
	l.Init()
	l.PushBack(&items[1].elem)
	l.PushFront(&items[0].elem)
	l.PushBack(&items[2].elem)

	if got, want := keys(&l), []int{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	if got, want := reverseKeys(&l), []int{3, 2, 1}; !reflect.DeepEqual(got, want) {
		t.Fatalf("reverse keys = %v, want %v", got, want)
	}
	if l.Front().Value() != items[0] || l.Back().Value() != items[2] {
		t.Errorf("Front/Back mismatch")
	}

	if e := l.PopFront(); e.Value() != items[0] || e.Linked() {
		t.Errorf("PopFront = %d (linked %v), want 1 unlinked", e.Value().key, e.Linked())
	}
	if e := l.PopBack(); e.Value() != items[2] {
		t.Errorf("PopBack = %d, want 3", e.Value().key)
	}
	if l.Size() != 1 {
		t.Errorf("Size = %d, want 1", l.Size())
	}
}

func TestRemoveWhileIterating(t *testing.T) {
	l := newList(newItems(1, 2, 3, 4, 5, 6))
	for e := l.Begin(); e != l.End(); {
		if e.Value().key%2 == 0 {
			e = Remove(e)
		} else {
			e = e.Next()
		}
	}
	if got, want := keys(l), []int{1, 3, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
}

func TestInsertLinkedElem(t *testing.T) {
	items := newItems(1)
	a := newList(items)
	var b List[item]
	b.Init()
	expectPanic(t, "PushBack of a linked elem", func() { b.PushBack(&items[0].elem) })
	if a.Size() != 1 || !b.Empty() {
		t.Errorf("lists changed by a rejected insert")
	}
}

func TestSplice(t *testing.T) {
	src := newItems(1, 2, 3, 4)
	dst := newItems(10, 20)
	a := newList(src)
	b := newList(dst)

	// Move 2 and 3 in front of 20.
	Splice(&dst[1].elem, &src[1].elem, &src[3].elem)

	if got, want := keys(a), []int{1, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("source = %v, want %v", got, want)
	}
	if got, want := keys(b), []int{10, 2, 3, 20}; !reflect.DeepEqual(got, want) {
		t.Errorf("destination = %v, want %v", got, want)
	}
	if got, want := reverseKeys(b), []int{20, 3, 2, 10}; !reflect.DeepEqual(got, want) {
		t.Errorf("destination reversed = %v, want %v", got, want)
	}
}

func TestReverse(t *testing.T) {
	tests := []struct {
		in, want []int
	}{
		{in: []int{}, want: []int{}},
		{in: []int{1}, want: []int{1}},
		{in: []int{1, 2}, want: []int{2, 1}},
		{in: []int{1, 2, 3, 4, 5}, want: []int{5, 4, 3, 2, 1}},
	}
	for _, tt := range tests {
		l := newList(newItems(tt.in...))
		l.Reverse()
		if got := keys(l); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Reverse(%v) = %v, want %v", tt.in, got, tt.want)
		}
		if got := reverseKeys(l); !reflect.DeepEqual(got, tt.in) && len(tt.in) > 0 {
			t.Errorf("Reverse(%v) backwards = %v, want %v", tt.in, got, tt.in)
		}
	}
}

func TestSort(t *testing.T) {
	tests := []struct {
		in, want []int
	}{
		{in: []int{}, want: []int{}},
		{in: []int{7}, want: []int{7}},
		{in: []int{2, 1}, want: []int{1, 2}},
		{in: []int{5, 1, 4, 2, 3}, want: []int{1, 2, 3, 4, 5}},
		{in: []int{1, 2, 3, 4, 5}, want: []int{1, 2, 3, 4, 5}},
		{in: []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}, want: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{in: []int{3, 1, 3, 1, 2, 2}, want: []int{1, 1, 2, 2, 3, 3}},
	}
	for _, tt := range tests {
		l := newList(newItems(tt.in...))
		l.Sort(byKey, nil)
		if got := keys(l); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Sort(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSortStable(t *testing.T) {
	// Equal keys must keep their insertion order.
	l := newList(newItems(2, 1, 2, 1, 2, 1))
	l.Sort(byKey, nil)
	if got, want := seqs(l), []int{1, 3, 5, 0, 2, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("insertion order after sort = %v, want %v", got, want)
	}
}

func TestInsertOrdered(t *testing.T) {
	var l List[item]
	l.Init()
	for _, it := range newItems(5, 1, 3, 3, 1, 5, 4) {
		l.InsertOrdered(&it.elem, byKey, nil)
	}
	if got, want := keys(&l), []int{1, 1, 3, 3, 4, 5, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
	// Ties stay first in, first out.
	if got, want := seqs(&l), []int{1, 4, 2, 3, 6, 0, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("insertion order = %v, want %v", got, want)
	}
}

func TestUnique(t *testing.T) {
	l := newList(newItems(1, 1, 2, 3, 3, 3, 4, 1))
	var dups List[item]
	dups.Init()
	l.Unique(&dups, byKey, nil)

	if got, want := keys(l), []int{1, 2, 3, 4, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("unique = %v, want %v", got, want)
	}
	if got, want := keys(&dups), []int{1, 3, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("duplicates = %v, want %v", got, want)
	}

	// Without a duplicates list the removed elements are just dropped.
	l = newList(newItems(2, 2, 2))
	l.Unique(nil, byKey, nil)
	if got, want := keys(l), []int{2}; !reflect.DeepEqual(got, want) {
		t.Errorf("unique = %v, want %v", got, want)
	}
}

func TestMaxMin(t *testing.T) {
	items := newItems(3, 9, 1, 9, 1)
	l := newList(items)

	// The earliest of equal extremes wins.
	if got := l.Max(byKey, nil).Value(); got != items[1] {
		t.Errorf("Max = item %d, want item 1", got.seq)
	}
	if got := l.Min(byKey, nil).Value(); got != items[2] {
		t.Errorf("Min = item %d, want item 2", got.seq)
	}
}
