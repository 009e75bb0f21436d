// Page allocator.
//
// Hands out memory in page-size (4 KiB) units from a fixed pool of
// "physical" pages set up at boot. The kernel uses a page per thread:
// the thread's control block metadata is tied to the page and the rest of
// the page is the thread's kernel stack, growing down from the top.
//
// Pages are carved out of the pool in address order the first time and
// recycled through a free list afterwards, the same way fixalloc serves
// fixed size runtime objects: a bump pointer into the backing array plus
// a singly linked list of freed blocks.

package palloc

import (
	log "github.com/sirupsen/logrus"

	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
	"github.com/pianoyeg94/kernel-threads-inside-out/intr"
)

const (
	PGBITS = 12          // Number of offset bits.
	PGSIZE = 1 << PGBITS // Bytes in a page.

	// KernBase is the kernel virtual address the pool is mapped at.
	KernBase = 0x8004000000
)

// Flags changes how GetPage behaves.
type Flags uint

const (
	PalAssert Flags = 1 << iota // Panic on failure.
	PalZero                     // Zero page contents.
)

// Page is one page of the pool.
type Page struct {
	next  *Page // next freed page, valid only while on the free list
	index int   // position in the pool
	inuse bool
	data  [PGSIZE]byte
}

// Addr returns the kernel virtual address of the start of the page.
func (p *Page) Addr() uintptr {
	return KernBase + uintptr(p.index)*PGSIZE
}

// Bytes returns the page contents.
func (p *Page) Bytes() []byte {
	return p.data[:]
}

// pool is a fixed set of pages.
//
// The caller must have interrupts off around pool calls.
type pool struct {
	pages []Page

	list  *Page // linked list of freed pages
	chunk int   // index of the next never allocated page in pages

	inuse  int // pages handed out now
	allocs uint64
	frees  uint64
}

var kernelPool pool

// Init sets up the pool with npages pages.
func Init(npages int) {
	debug.Assert(npages > 0, "npages > 0")

	kernelPool = pool{pages: make([]Page, npages)}
	for i := range kernelPool.pages {
		kernelPool.pages[i].index = i
	}
	debug.Log.WithField("pages", npages).Debug("palloc: pool initialized")
}

// GetPage obtains a single free page and returns it.
// If PalZero is set in flags, the page is filled with zeros.
// If no pages are available, returns nil, unless PalAssert is set in
// flags, in which case the kernel panics.
func GetPage(flags Flags) *Page {
	old := intr.Disable()
	p := kernelPool.alloc()
	intr.SetLevel(old)

	if p == nil {
		if flags&PalAssert != 0 {
			debug.Panic("palloc_get: out of pages")
		}
		debug.Log.WithField("flags", flags).Debug("palloc: out of pages")
		return nil
	}

	if flags&PalZero != 0 {
		clear(p.data[:])
	}
	return p
}

// FreePage frees the page p. Freeing a page that isn't allocated halts
// the kernel.
func FreePage(p *Page) {
	if p == nil {
		return
	}

	old := intr.Disable()
	kernelPool.free(p)
	intr.SetLevel(old)
}

// FreeCount returns the number of pages currently available.
func FreeCount() int {
	old := intr.Disable()
	n := len(kernelPool.pages) - kernelPool.inuse
	intr.SetLevel(old)
	return n
}

// Stats describes pool usage.
type Stats struct {
	Total  int
	InUse  int
	Allocs uint64
	Frees  uint64
}

// GetStats returns a snapshot of pool usage.
func GetStats() Stats {
	old := intr.Disable()
	s := Stats{
		Total:  len(kernelPool.pages),
		InUse:  kernelPool.inuse,
		Allocs: kernelPool.allocs,
		Frees:  kernelPool.frees,
	}
	intr.SetLevel(old)
	return s
}

// PrintStats prints pool usage to the console.
func PrintStats() {
	s := GetStats()
	debug.Log.WithFields(log.Fields{
		"total":  s.Total,
		"inuse":  s.InUse,
		"allocs": s.Allocs,
		"frees":  s.Frees,
	}).Info("Page pool")
}

func (p *pool) alloc() *Page {
	if p.pages == nil {
		debug.Panic("palloc: use of GetPage before Init")
	}

	if p.list != nil { // at least one page was freed
		v := p.list
		p.list = v.next
		v.next = nil
		v.inuse = true
		p.inuse++
		p.allocs++
		return v
	}

	// no freed pages, carve the next one out of the pool
	if p.chunk == len(p.pages) {
		return nil
	}
	v := &p.pages[p.chunk]
	p.chunk++
	v.inuse = true
	p.inuse++
	p.allocs++
	return v
}

func (p *pool) free(v *Page) {
	debug.Assert(v.index < len(p.pages) && &p.pages[v.index] == v, "&p.pages[v.index] == v")
	debug.Assert(v.inuse, "v.inuse")

	v.inuse = false
	v.next = p.list // release the page into the head of the free list for later reuse
	p.list = v
	p.inuse--
	p.frees++
}
