package threads

import (
	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
	"github.com/pianoyeg94/kernel-threads-inside-out/intr"
	"github.com/pianoyeg94/kernel-threads-inside-out/list"
)

// Sleep blocks the current thread until the timer reaches wakeTick, an
// absolute tick count. The thread goes onto the sleep list and Wakeup
// makes it ready again once its tick has come.
//
// The idle thread never sleeps: it only records the tick.
func Sleep(wakeTick int64) {
	curr := Current()
	debug.Assert(!intr.Context(), "!intr.Context()")

	old := intr.Disable()
	curr.wakeupTick = wakeTick
	if curr != sched.idleThread {
		sched.sleepList.PushBack(&curr.elem)
		Block()
	}
	intr.SetLevel(old)
}

// Wakeup unblocks every sleeping thread whose wakeup tick is at or
// before ticks. Called by the timer interrupt handler on every tick.
//
// The scan is linear in the number of sleepers.
func Wakeup(ticks int64) {
	old := intr.Disable()
	for e := sched.sleepList.Begin(); e != sched.sleepList.End(); {
		t := e.Value()
		if ticks >= t.wakeupTick {
			e = list.Remove(e)
			Unblock(t)
		} else {
			e = e.Next()
		}
	}
	intr.SetLevel(old)
}

// Sleepers returns the number of threads on the sleep list.
func Sleepers() int {
	old := intr.Disable()
	n := sched.sleepList.Size()
	intr.SetLevel(old)
	return n
}
