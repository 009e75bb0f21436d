package selftest

import (
	"fmt"

	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
	"github.com/pianoyeg94/kernel-threads-inside-out/threads"
)

// testPriorityChange verifies that lowering a thread's priority so that
// it is no longer the highest-priority thread in the system causes it to
// yield immediately.
func testPriorityChange() {
	// This test does not work with the MLFQS.
	debug.Assert(!threads.MLFQS, "!threads.MLFQS")

	msg("Creating a high-priority thread 2.")
	threads.Create("thread 2", threads.PriDefault+1, changingThread, nil)
	msg("Thread 2 should have just lowered its priority.")
	threads.SetPriority(threads.PriDefault - 2)
	msg("Thread 2 should have just exited.")
}

func changingThread(aux any) {
	msg("Thread 2 now lowering priority.")
	threads.SetPriority(threads.PriDefault - 1)
	msg("Thread 2 exiting.")
}

// testPriorityPreempt ensures that a high-priority thread really
// preempts.
func testPriorityPreempt() {
	// This test does not work with the MLFQS.
	debug.Assert(!threads.MLFQS, "!threads.MLFQS")

	// Make sure our priority is the default.
	debug.Assert(threads.GetPriority() == threads.PriDefault, "threads.GetPriority() == threads.PriDefault")

	threads.Create("high-priority", threads.PriDefault+1, simpleThreadFunc, nil)
	msg("The high-priority thread should have already completed.")
}

func simpleThreadFunc(aux any) {
	for i := 0; i < 5; i++ {
		msg("Thread %s iteration %d", threads.CurrentName(), i)
		threads.Yield()
	}
	msg("Thread %s done!", threads.CurrentName())
}

const (
	fifoThreadCnt = 16
	fifoIterCnt   = 16
)

// testPriorityFifo creates several threads all at the same priority and
// ensures that they consistently run in the same round-robin order.
func testPriorityFifo() {
	// This test does not work with the MLFQS.
	debug.Assert(!threads.MLFQS, "!threads.MLFQS")

	// Make sure our priority is the default.
	debug.Assert(threads.GetPriority() == threads.PriDefault, "threads.GetPriority() == threads.PriDefault")

	msg("%d threads will iterate %d times in the same order each time.", fifoThreadCnt, fifoIterCnt)
	msg("If the order varies then there is a bug.")

	output := make([]int, 0, fifoThreadCnt*fifoIterCnt)
	var lock threads.Lock
	lock.Init()

	threads.SetPriority(threads.PriDefault + 2)
	for i := 0; i < fifoThreadCnt; i++ {
		name := fmt.Sprintf("%d", i)
		id := i
		threads.Create(name, threads.PriDefault+1, func(any) {
			for j := 0; j < fifoIterCnt; j++ {
				lock.Acquire()
				output = append(output, id)
				lock.Release()
				threads.Yield()
			}
		}, nil)
	}

	threads.SetPriority(threads.PriDefault)
	// All the other threads now run to termination here.
	if len(output) != fifoThreadCnt*fifoIterCnt {
		fail("%d entries of output, want %d", len(output), fifoThreadCnt*fifoIterCnt)
	}

	first := output[:fifoThreadCnt]
	for round := 0; round < fifoIterCnt; round++ {
		line := output[round*fifoThreadCnt : (round+1)*fifoThreadCnt]
		text := ""
		for i, id := range line {
			text += fmt.Sprintf("%d ", id)
			if id != first[i] {
				fail("round %d differs from round 0 at position %d", round, i)
			}
		}
		msg("iteration: %s", text)
	}
}

// testPrioritySema tests that the highest-priority thread waiting on a
// semaphore is the first to wake up.
func testPrioritySema() {
	// This test does not work with the MLFQS.
	debug.Assert(!threads.MLFQS, "!threads.MLFQS")

	var sema threads.Semaphore
	sema.Init(0)
	threads.SetPriority(threads.PriMin)
	for i := 0; i < 10; i++ {
		priority := threads.PriDefault - (i+3)%10 - 1
		name := fmt.Sprintf("priority %d", priority)
		threads.Create(name, priority, prioritySemaThread, &sema)
	}

	for i := 0; i < 10; i++ {
		sema.Up()
		msg("Back in main thread.")
	}
}

func prioritySemaThread(aux any) {
	sema := aux.(*threads.Semaphore)
	sema.Down()
	msg("Thread %s woke up.", threads.CurrentName())
}

// condvarData is shared by the priority-condvar threads.
type condvarData struct {
	lock      threads.Lock
	condition threads.Condition
}

// testPriorityCondvar tests that condition variables wake up the highest
// priority waiter first.
func testPriorityCondvar() {
	// This test does not work with the MLFQS.
	debug.Assert(!threads.MLFQS, "!threads.MLFQS")

	cv := &condvarData{}
	cv.lock.Init()
	cv.condition.Init()

	threads.SetPriority(threads.PriMin)
	for i := 0; i < 10; i++ {
		priority := threads.PriDefault - (i+7)%10 - 1
		name := fmt.Sprintf("priority %d", priority)
		threads.Create(name, priority, priorityCondvarThread, cv)
	}

	for i := 0; i < 10; i++ {
		cv.lock.Acquire()
		msg("Signaling...")
		cv.condition.Signal(&cv.lock)
		cv.lock.Release()
	}
}

func priorityCondvarThread(aux any) {
	cv := aux.(*condvarData)

	msg("Thread %s starting.", threads.CurrentName())
	cv.lock.Acquire()
	cv.condition.Wait(&cv.lock)
	msg("Thread %s woke up.", threads.CurrentName())
	cv.lock.Release()
}

// lockHandoff is shared by the priority-lock threads.
type lockHandoff struct {
	lock threads.Lock
	done threads.Semaphore
}

// testPriorityLock checks that releasing a lock wanted by a higher
// priority thread hands the CPU to that thread at once. Locks don't
// donate priority, so the holder runs at its own priority meanwhile.
func testPriorityLock() {
	// This test does not work with the MLFQS.
	debug.Assert(!threads.MLFQS, "!threads.MLFQS")

	lh := &lockHandoff{}
	lh.lock.Init()
	lh.done.Init(0)

	threads.SetPriority(threads.PriMin + 1)
	threads.Create("low", 10, lockLowThread, lh)
	lh.done.Down()
	lh.done.Down()
	msg("Both threads finished.")
}

func lockLowThread(aux any) {
	lh := aux.(*lockHandoff)

	lh.lock.Acquire()
	msg("Thread low acquired the lock.")
	threads.Create("high", 20, lockHighThread, lh)
	msg("Thread low releasing the lock, priority %d.", threads.GetPriority())
	lh.lock.Release()
	msg("Thread low released the lock.")
	lh.done.Up()
}

func lockHighThread(aux any) {
	lh := aux.(*lockHandoff)

	msg("Thread high acquiring the lock.")
	lh.lock.Acquire()
	msg("Thread high acquired the lock.")
	lh.lock.Release()
	lh.done.Up()
}

func testSemaSelfTest() {
	threads.SemaSelfTest()
	pass()
}
