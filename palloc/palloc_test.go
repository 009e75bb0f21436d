package palloc

import (
	"io"
	"os"
	"testing"

	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
	"github.com/pianoyeg94/kernel-threads-inside-out/intr"
)

func TestMain(m *testing.M) {
	debug.Log.SetOutput(io.Discard)
	os.Exit(m.Run())
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

func setup(npages int) {
	intr.Init()
	Init(npages)
}

func TestExhaustion(t *testing.T) {
	setup(3)

	var pages []*Page
	for i := 0; i < 3; i++ {
		p := GetPage(0)
		if p == nil {
			t.Fatalf("GetPage #%d = nil", i)
		}
		pages = append(pages, p)
	}
	if FreeCount() != 0 {
		t.Errorf("FreeCount = %d, want 0", FreeCount())
	}
	if p := GetPage(0); p != nil {
		t.Errorf("GetPage on an empty pool = page %d, want nil", p.index)
	}
	expectPanic(t, "GetPage(PalAssert)", func() { GetPage(PalAssert) })

	// Pages are carved out in address order.
	for i, p := range pages {
		if want := KernBase + uintptr(i)*PGSIZE; p.Addr() != want {
			t.Errorf("page %d at %#x, want %#x", i, p.Addr(), want)
		}
	}
}

func TestReuse(t *testing.T) {
	setup(2)

	a := GetPage(0)
	b := GetPage(0)
	FreePage(a)
	if FreeCount() != 1 {
		t.Errorf("FreeCount = %d, want 1", FreeCount())
	}

	// A freed page is handed out again.
	if c := GetPage(0); c != a {
		t.Errorf("GetPage after free = %#x, want %#x", c.Addr(), a.Addr())
	}
	FreePage(b)
	FreePage(a)

	s := GetStats()
	want := Stats{Total: 2, InUse: 0, Allocs: 3, Frees: 3}
	if s != want {
		t.Errorf("GetStats() = %+v, want %+v", s, want)
	}

	// Freeing nothing is a no-op.
	FreePage(nil)
	if GetStats() != want {
		t.Errorf("FreePage(nil) changed the stats")
	}
}

func TestZero(t *testing.T) {
	setup(1)

	p := GetPage(0)
	for i := range p.Bytes() {
		p.Bytes()[i] = 0xcc
	}
	FreePage(p)

	p = GetPage(0)
	if p.Bytes()[0] != 0xcc {
		t.Fatalf("GetPage(0) cleared the page")
	}
	FreePage(p)

	p = GetPage(PalZero)
	for i, b := range p.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d = %#x after GetPage(PalZero)", i, b)
		}
	}
}

func TestDoubleFree(t *testing.T) {
	setup(2)

	p := GetPage(0)
	FreePage(p)
	expectPanic(t, "double free", func() { FreePage(p) })

	// A page that does not belong to the pool.
	expectPanic(t, "foreign page", func() { FreePage(&Page{index: 1, inuse: true}) })
}

func TestLevelPreserved(t *testing.T) {
	setup(1)

	intr.Enable()
	p := GetPage(0)
	FreePage(p)
	if intr.GetLevel() != intr.On {
		t.Errorf("level = %v, want on", intr.GetLevel())
	}
	intr.Disable()
}
