package selftest

import (
	"fmt"

	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
	"github.com/pianoyeg94/kernel-threads-inside-out/threads"
	"github.com/pianoyeg94/kernel-threads-inside-out/timer"
)

func testAlarmSingle() {
	testSleep(5, 1)
}

func testAlarmMultiple() {
	testSleep(5, 7)
}

// sleepTest is shared by every sleeper of one testSleep run.
type sleepTest struct {
	start      int64 // Current time at start of test.
	iterations int   // Number of iterations per thread.

	// Output.
	outputLock threads.Lock
	output     []int // Thread ids, in wakeup order.
}

// sleepThread is one sleeper.
type sleepThread struct {
	test       *sleepTest
	id         int   // Sleeper ID.
	duration   int64 // Number of ticks to sleep.
	iterations int   // Iterations counted so far.
}

// testSleep runs threadCnt threads that sleep iterations times each,
// thread i for (i+1)*10 ticks at a time, and checks that they woke up
// in nondecreasing order of iteration*duration.
func testSleep(threadCnt, iterations int) {
	// This test does not work with the MLFQS.
	debug.Assert(!threads.MLFQS, "!threads.MLFQS")

	msg("Creating %d threads to sleep %d times each.", threadCnt, iterations)
	msg("Thread 0 sleeps 10 ticks each time,")
	msg("thread 1 sleeps 20 ticks each time, and so on.")
	msg("If successful, product of iteration count and")
	msg("sleep duration will appear in nondescending order.")

	test := &sleepTest{
		start:      timer.Ticks() + 100,
		iterations: iterations,
		output:     make([]int, 0, threadCnt*iterations),
	}
	test.outputLock.Init()

	// Start threads.
	sleepers := make([]*sleepThread, threadCnt)
	for i := range sleepers {
		t := &sleepThread{
			test:     test,
			id:       i,
			duration: int64(i+1) * 10,
		}
		sleepers[i] = t
		name := fmt.Sprintf("thread %d", i)
		if threads.Create(name, threads.PriDefault, sleeper, t) == threads.TidError {
			fail("could not create %s", name)
		}
	}

	// Wait long enough for all the threads to finish.
	timer.Sleep(100 + int64(threadCnt*iterations)*10 + 100)

	// Acquire the output lock in case some rogue thread is still
	// running.
	test.outputLock.Acquire()

	// Print completion order.
	product := int64(0)
	for _, id := range test.output {
		if id < 0 || id >= threadCnt {
			fail("bad thread id %d", id)
		}
		t := sleepers[id]
		t.iterations++

		newProd := int64(t.iterations) * t.duration
		msg("thread %d: duration=%d, iteration=%d, product=%d",
			t.id, t.duration, t.iterations, newProd)

		if newProd >= product {
			product = newProd
		} else {
			fail("thread %d woke up out of order (%d > %d)!", t.id, product, newProd)
		}
	}

	// Verify that we had the proper number of wakeups.
	for _, t := range sleepers {
		if t.iterations != iterations {
			fail("thread %d woke up %d times instead of %d", t.id, t.iterations, iterations)
		}
	}

	test.outputLock.Release()
	pass()
}

// sleeper is the body of a testSleep thread.
func sleeper(aux any) {
	t := aux.(*sleepThread)
	test := t.test

	for i := 1; i <= test.iterations; i++ {
		sleepUntil := test.start + int64(i)*t.duration
		timer.Sleep(sleepUntil - timer.Ticks())

		test.outputLock.Acquire()
		test.output = append(test.output, t.id)
		test.outputLock.Release()
	}
}

func testAlarmZero() {
	timer.Sleep(0)
	pass()
}

func testAlarmNegative() {
	timer.Sleep(-100)
	pass()
}

// alarmPriority is shared by the alarm-priority threads.
type alarmPriority struct {
	wakeTime int64
	waitSema threads.Semaphore
	woken    []int // priorities, in wakeup order
}

// testAlarmPriority checks that when the alarm clock wakes up threads,
// the higher priority threads run first.
func testAlarmPriority() {
	// This test does not work with the MLFQS.
	debug.Assert(!threads.MLFQS, "!threads.MLFQS")

	ap := &alarmPriority{wakeTime: timer.Ticks() + int64(timer.Frequency())/2}
	ap.waitSema.Init(0)

	for i := 0; i < 10; i++ {
		priority := threads.PriDefault - (i+5)%10 - 1
		name := fmt.Sprintf("priority %d", priority)
		threads.Create(name, priority, alarmPriorityThread, ap)
	}

	threads.SetPriority(threads.PriMin)

	for i := 0; i < 10; i++ {
		ap.waitSema.Down()
	}

	for i := 1; i < len(ap.woken); i++ {
		if ap.woken[i] > ap.woken[i-1] {
			fail("priority %d woke up before priority %d", ap.woken[i-1], ap.woken[i])
		}
	}
}

func alarmPriorityThread(aux any) {
	ap := aux.(*alarmPriority)

	// Busy-wait until the current time changes.
	startTime := timer.Ticks()
	for timer.Elapsed(startTime) == 0 {
	}

	// Now we know we're at the very beginning of a timer tick, so we
	// can call timer.Sleep without worrying about races between
	// checking the time and a timer interrupt.
	timer.Sleep(ap.wakeTime - timer.Ticks())

	// Print a message on wake-up.
	msg("Thread %s woke up.", threads.CurrentName())
	ap.woken = append(ap.woken, threads.GetPriority())

	ap.waitSema.Up()
}
