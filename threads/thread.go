// Kernel threads and the scheduler.
//
// Every kernel thread is backed by a goroutine, but only one of them
// holds the CPU at a time: the others are parked inside launch, waiting
// for somebody to switch back to them. All of the scheduler state below
// is therefore only ever touched by the running thread, with interrupts
// off where an interrupt handler could observe it half updated.
//
// A thread is in exactly one of the following states:
//
//	Running: the one thread holding the CPU.
//	Ready:   on sched.readyList, waiting to be picked.
//	Blocked: waiting for an event (a semaphore, the alarm clock, ...).
//	Dying:   exited, its page is freed by the next scheduling decision.
//
// The elem link of a Thread is shared between the ready list, the sleep
// list, semaphore wait lists and the destruction queue. That works only
// because those uses are mutually exclusive: only a Ready thread is on
// the ready list, only a Blocked thread is on a wait list, and only a
// Dying thread waits for destruction.

package threads

import (
	"encoding/binary"
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"

	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
	"github.com/pianoyeg94/kernel-threads-inside-out/intr"
	"github.com/pianoyeg94/kernel-threads-inside-out/list"
	"github.com/pianoyeg94/kernel-threads-inside-out/palloc"
)

// Random value for Thread's magic member.
// Used to detect stack overflow.
const threadMagic = 0xcd6abf4b

// Status is a state in a thread's life cycle.
type Status int

const (
	Running Status = iota // Running thread.
	Ready                 // Not running but ready to run.
	Blocked               // Waiting for an event to trigger.
	Dying                 // About to be destroyed.
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Ready:
		return "ready"
	case Blocked:
		return "blocked"
	case Dying:
		return "dying"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Tid identifies a thread.
type Tid int

// TidError is returned by Create when a thread can't be created.
const TidError Tid = -1

// Thread priorities.
const (
	PriMin     = 0  // Lowest priority.
	PriDefault = 31 // Default priority.
	PriMax     = 63 // Highest priority.
)

// TimeSlice is the number of timer ticks to give each thread.
const TimeSlice = 4

// maxNameLen is the longest thread name kept, longer names are cut.
const maxNameLen = 15

// ThreadFunc is the body of a kernel thread.
type ThreadFunc func(aux any)

// Thread is a kernel thread's control block.
type Thread struct {
	// Owned by thread.go.
	tid      Tid
	status   Status
	name     string
	priority int

	// Shared between thread.go, sleep.go and synch.go.
	elem list.Elem[Thread]

	// Absolute timer tick to wake up at, while on the sleep list.
	wakeupTick int64

	// Priority donation bookkeeping. Recorded, but the scheduler does
	// not donate: a lock holder keeps its own priority.
	donations    list.List[Thread]
	donationElem list.Elem[Thread]
	waitOnLock   *Lock

	// Page map root of the user process running on this thread,
	// 0 for pure kernel threads. Only used for tick accounting.
	pml4 uintptr

	allElem list.Elem[Thread] // sched.allList

	// Owned by thread.go and switch.go.
	tf      intr.Frame    // saved execution context
	page    *palloc.Page  // stack page, nil for the initial thread
	fn      ThreadFunc    // entry point, run by kernelThread
	aux     any           // argument to fn
	resume  chan struct{} // hands the CPU to this thread
	started bool          // backing goroutine exists
	magic   uint32        // detects stack overflow
}

// Tid returns t's thread identifier.
func (t *Thread) Tid() Tid { return t.tid }

// Name returns t's name.
func (t *Thread) Name() string { return t.name }

// Status returns t's state. Racy unless interrupts are off.
func (t *Thread) Status() Status { return t.status }

// Priority returns t's priority.
func (t *Thread) Priority() int { return t.priority }

// WakeupTick returns the tick t sleeps until, if it is sleeping.
func (t *Thread) WakeupTick() int64 { return t.wakeupTick }

// Frame returns t's saved execution context.
func (t *Thread) Frame() intr.Frame { return t.tf }

// SetPageMap records the page map root of the user process running on
// t. Ticks spent in a thread with a page map count as user ticks.
func (t *Thread) SetPageMap(pml4 uintptr) { t.pml4 = pml4 }

type schedt struct {
	// List of threads in the Ready state, that is, threads that are
	// ready to run but not actually running. Kept sorted by descending
	// priority, FIFO among equal priorities.
	readyList list.List[Thread]

	// Threads blocked in Sleep, in no particular order.
	sleepList list.List[Thread]

	// Dying threads whose pages are still to be freed.
	destructionReq list.List[Thread]

	// Every live thread, for diagnostics.
	allList list.List[Thread]

	idleThread    *Thread // runs when nothing else is ready
	initialThread *Thread // the thread that called Init
	curr          *Thread // the thread holding the CPU

	tidLock Lock // protects nextTid
	nextTid Tid

	// Statistics.
	idleTicks   int64 // timer ticks spent idle
	kernelTicks int64 // timer ticks in kernel threads
	userTicks   int64 // timer ticks in user programs

	threadTicks int // timer ticks since last yield
}

var sched schedt

// MLFQS selects the multi-level feedback queue scheduler instead of the
// round-robin priority scheduler. Controlled by the kernel command-line
// option "-mlfqs". The MLFQS is not implemented: its hooks are stubs.
var MLFQS bool

// Init initializes the threading system by transforming the code that's
// currently running into a thread: the calling goroutine becomes the
// "main" thread. Also initializes the ready, sleep and destruction queues
// and the tid lock.
//
// Must be called with interrupts off, after palloc.Init and before any
// other function of this package. It is not safe to call Current until
// this function finishes.
func Init() {
	debug.Assert(intr.GetLevel() == intr.Off, "intr.GetLevel() == intr.Off")

	sched = schedt{nextTid: 1}
	sched.readyList.Init()
	sched.sleepList.Init()
	sched.destructionReq.Init()
	sched.allList.Init()

	// Set up a thread structure for the running thread.
	t := &Thread{}
	initThread(t, "main", PriDefault)
	t.status = Running
	t.started = true
	sched.initialThread = t
	sched.curr = t

	debug.SetThreadNameFunc(runningName)
	intr.SetYieldHook(Yield)

	// allocateTid takes tidLock, which needs Current to work.
	sched.tidLock.Init()
	t.tid = allocateTid()
}

// Start starts preemptive thread scheduling by enabling interrupts.
// Also creates the idle thread, and does not return before it is up.
func Start() {
	// Create the idle thread.
	var idleStarted Semaphore
	idleStarted.Init(0)
	Create("idle", PriMin, idle, &idleStarted)

	// Start preemptive thread scheduling.
	intr.Enable()

	// Wait for the idle thread to initialize sched.idleThread.
	idleStarted.Down()
}

// Tick is called by the timer interrupt handler at each timer tick.
// Thus, this function runs in an external interrupt context.
func Tick() {
	debug.Assert(intr.Context(), "intr.Context()")
	t := Current()

	// Update statistics.
	switch {
	case t == sched.idleThread:
		sched.idleTicks++
	case t.pml4 != 0:
		sched.userTicks++
	default:
		sched.kernelTicks++
	}

	// Enforce preemption.
	sched.threadTicks++
	if sched.threadTicks >= TimeSlice {
		intr.YieldOnReturn()
	}
}

// Stats holds the tick accounting kept by Tick.
type Stats struct {
	IdleTicks   int64
	KernelTicks int64
	UserTicks   int64
}

// GetStats returns the tick accounting.
func GetStats() Stats {
	old := intr.Disable()
	s := Stats{
		IdleTicks:   sched.idleTicks,
		KernelTicks: sched.kernelTicks,
		UserTicks:   sched.userTicks,
	}
	intr.SetLevel(old)
	return s
}

// PrintStats prints thread statistics.
func PrintStats() {
	s := GetStats()
	debug.Log.Infof("Thread: %d idle ticks, %d kernel ticks, %d user ticks",
		s.IdleTicks, s.KernelTicks, s.UserTicks)
}

// Create creates a new kernel thread named name with the given initial
// priority, which executes function passing aux as the argument, and
// adds it to the ready queue. Returns the thread identifier for the new
// thread, or TidError if creation fails: the priority is out of range or
// no page is left for the thread.
//
// If Start has been called, the new thread may be scheduled before
// Create returns. It could even exit before Create returns. In
// particular, when the new thread's priority is higher than the
// caller's, the caller yields to it right away. Contrariwise, the
// original thread may run for any amount of time before the new thread
// is scheduled. Use a semaphore or some other form of synchronization if
// you need to ensure ordering.
func Create(name string, priority int, function ThreadFunc, aux any) Tid {
	debug.Assert(function != nil, "function != nil")
	curr := Current()

	if priority < PriMin || priority > PriMax {
		debug.Log.WithFields(log.Fields{
			"name":     name,
			"priority": priority,
		}).Debug("thread_create: priority out of range")
		return TidError
	}

	// Allocate thread.
	page := palloc.GetPage(palloc.PalZero)
	if page == nil {
		return TidError
	}

	// Initialize thread.
	t := &Thread{page: page}
	initThread(t, name, priority)
	tid := allocateTid()
	t.tid = tid

	// Call kernelThread(function, aux) when scheduled.
	t.fn = function
	t.aux = aux
	t.tf.Rip = ripKernelThread
	t.tf.Ds = intr.SelKDSeg
	t.tf.Es = intr.SelKDSeg
	t.tf.Ss = intr.SelKDSeg
	t.tf.Cs = intr.SelKCSeg
	t.tf.Eflags = intr.FlagIF | intr.FlagMBS

	debug.Log.WithFields(log.Fields{
		"tid":      tid,
		"name":     t.name,
		"priority": priority,
		"creator":  curr.name,
	}).Debug("thread created")

	// Add to run queue.
	Unblock(t)

	// The highest priority ready thread must be the one running.
	if t.priority > curr.priority {
		Yield()
	}

	return tid
}

// Block puts the current thread to sleep. It will not be scheduled
// again until awoken by Unblock.
//
// This function must be called with interrupts turned off. The caller
// must already have put itself on whatever wait list will lead to the
// Unblock. It is usually a better idea to use one of the synchronization
// primitives in synch.go.
func Block() {
	debug.Assert(!intr.Context(), "!intr.Context()")
	debug.Assert(intr.GetLevel() == intr.Off, "intr.GetLevel() == intr.Off")
	doSchedule(Blocked)
}

// Unblock transitions a blocked thread t to the ready-to-run state.
// This is an error if t is not blocked. (Use Yield to make the running
// thread ready.)
//
// This function does not preempt the running thread. This can be
// important: if the caller had disabled interrupts itself, it may expect
// that it can atomically unblock a thread and update other data.
func Unblock(t *Thread) {
	debug.Assert(isThread(t), "isThread(t)")

	old := intr.Disable()
	debug.Assert(t.status == Blocked, "t.status == Blocked")
	sched.readyList.InsertOrdered(&t.elem, higherPriority, nil)
	t.status = Ready
	intr.SetLevel(old)
}

// CurrentName returns the name of the running thread.
func CurrentName() string {
	return Current().name
}

// Current returns the running thread, after checking that it really
// looks like a thread. If either of the checks fire, the thread has
// probably overflowed its stack: each thread has less than 4 kB of
// stack, so a few big automatic arrays or moderate recursion can cause
// stack overflow.
func Current() *Thread {
	t := runningThread()
	debug.Assert(isThread(t), "isThread(t)")
	debug.Assert(t.status == Running, "t.status == Running")
	return t
}

// CurrentTid returns the running thread's tid.
func CurrentTid() Tid {
	return Current().tid
}

// Exit deschedules the current thread and destroys it. Never returns to
// the caller. Calls deferred by the thread function run first, while the
// thread still holds the CPU.
func Exit() {
	debug.Assert(!intr.Context(), "!intr.Context()")

	if Current() == sched.initialThread {
		// No trampoline underneath: switch away here. Whatever main
		// deferred runs off the CPU.
		exitThread()
	}
	runtime.Goexit()
}

// exitThread sets the current thread's status to dying and schedules
// another thread. The thread is destroyed during the next call to
// doSchedule. Once this returns the goroutine no longer owns the CPU.
func exitThread() {
	intr.Disable()
	debug.Log.WithField("tid", Current().tid).Debug("thread exiting")
	doSchedule(Dying)
}

// Yield yields the CPU. The current thread is not put to sleep and may
// be scheduled again immediately at the scheduler's whim.
func Yield() {
	curr := Current()
	debug.Assert(!intr.Context(), "!intr.Context()")

	old := intr.Disable()
	status := Ready
	if curr != sched.idleThread {
		sched.readyList.InsertOrdered(&curr.elem, higherPriority, nil)
	} else {
		// Idle is never on the ready list.
		status = Blocked
	}
	doSchedule(status)
	intr.SetLevel(old)
}

// SetPriority sets the current thread's priority to newPriority. If the
// current thread no longer has the highest priority, it yields.
func SetPriority(newPriority int) {
	debug.Assert(newPriority >= PriMin && newPriority <= PriMax, "newPriority >= PriMin && newPriority <= PriMax")
	curr := Current()

	old := intr.Disable()
	curr.priority = newPriority
	preempted := !sched.readyList.Empty() &&
		newPriority < sched.readyList.Front().Value().priority
	intr.SetLevel(old)

	if preempted {
		Yield()
	}
}

// GetPriority returns the current thread's priority.
func GetPriority() int {
	return Current().priority
}

// SetNice sets the current thread's nice value. MLFQS only, not
// implemented.
func SetNice(nice int) {}

// GetNice returns the current thread's nice value. MLFQS only, not
// implemented.
func GetNice() int {
	return 0
}

// GetLoadAvg returns 100 times the system load average. MLFQS only, not
// implemented.
func GetLoadAvg() int {
	return 0
}

// GetRecentCPU returns 100 times the current thread's recent_cpu value.
// MLFQS only, not implemented.
func GetRecentCPU() int {
	return 0
}

// ForEach calls fn on every live thread, with interrupts off.
// fn must not block.
func ForEach(fn func(t *Thread)) {
	old := intr.Disable()
	for e := sched.allList.Begin(); e != sched.allList.End(); e = e.Next() {
		fn(e.Value())
	}
	intr.SetLevel(old)
}

// Idle thread. Executes when no other thread is ready to run.
//
// The idle thread is initially put on the ready list by Start. It will
// be scheduled once initially, at which point it initializes
// sched.idleThread, "up"s the semaphore passed to it to enable Start to
// continue, and immediately blocks. After that, the idle thread never
// appears in the ready list. It is returned by nextThreadToRun as a
// special case when the ready list is empty.
func idle(aux any) {
	idleStarted := aux.(*Semaphore)

	sched.idleThread = Current()
	idleStarted.Up()

	for {
		// Let someone else run.
		intr.Disable()
		Block()

		// Re-enable interrupts and wait for the next one.
		intr.Halt()
	}
}

// kernelThread is the trampoline every kernel thread starts in. The
// thread dies in its last deferred call, whether function returns or
// calls Exit.
func kernelThread(function ThreadFunc, aux any) {
	debug.Assert(function != nil, "function != nil")

	defer exitThread()
	intr.Enable() // The scheduler runs with interrupts off.
	function(aux)
}

// initThread does basic initialization of t as a blocked thread named
// name.
func initThread(t *Thread, name string, priority int) {
	debug.Assert(t != nil, "t != nil")
	debug.Assert(PriMin <= priority && priority <= PriMax, "PriMin <= priority && priority <= PriMax")

	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}

	t.status = Blocked
	t.name = name
	t.priority = priority
	t.magic = threadMagic
	t.resume = make(chan struct{})

	t.elem.Init(t)
	t.donationElem.Init(t)
	t.donations.Init()
	t.allElem.Init(t)
	sched.allList.PushBack(&t.allElem)

	if t.page != nil {
		// The control block sits at the bottom of the page and the
		// stack grows down from the top, so the lowest word of the
		// page is the first thing an overflowing stack smashes.
		binary.LittleEndian.PutUint32(t.page.Bytes(), threadMagic)
		t.tf.Rsp = t.page.Addr() + palloc.PGSIZE - 8
	}
}

// isThread reports whether t appears to point to a valid thread.
func isThread(t *Thread) bool {
	if t == nil || t.magic != threadMagic {
		return false
	}
	return t.page == nil || binary.LittleEndian.Uint32(t.page.Bytes()) == threadMagic
}

// runningThread returns the thread holding the CPU, without any checks.
func runningThread() *Thread {
	return sched.curr
}

// runningName is the panic reporter's view of the running thread.
func runningName() string {
	if t := runningThread(); t != nil {
		return t.name
	}
	return ""
}

// higherPriority orders threads by descending priority.
func higherPriority(a, b *list.Elem[Thread], _ any) bool {
	return a.Value().priority > b.Value().priority
}

// allocateTid returns a tid to use for a new thread.
func allocateTid() Tid {
	sched.tidLock.Acquire()
	tid := sched.nextTid
	sched.nextTid++
	sched.tidLock.Release()
	return tid
}
