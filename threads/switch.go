package threads

import (
	log "github.com/sirupsen/logrus"

	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
	"github.com/pianoyeg94/kernel-threads-inside-out/intr"
	"github.com/pianoyeg94/kernel-threads-inside-out/list"
	"github.com/pianoyeg94/kernel-threads-inside-out/palloc"
)

// Values a saved frame's rip takes. A thread that has never run resumes
// in the kernelThread trampoline; every other switched out thread
// resumes right after the switch in launch.
const (
	ripKernelThread uintptr = 0xffff_8000_0000_1000 + iota
	ripOutIret
)

// nextThreadToRun chooses and returns the next thread to be scheduled.
// Returns a thread from the run queue, unless the run queue is empty.
// (If the running thread can continue running, then it will be in the
// run queue.) If the run queue is empty, returns sched.idleThread.
func nextThreadToRun() *Thread {
	if sched.readyList.Empty() {
		return sched.idleThread
	}
	return sched.readyList.PopFront().Value()
}

// doSchedule schedules a new thread. At entry, interrupts must be off
// and the current thread must still be Running. Frees the pages of
// threads that died before, then changes the current thread's status to
// status and finds another thread to run and switches to it.
func doSchedule(status Status) {
	debug.Assert(intr.GetLevel() == intr.Off, "intr.GetLevel() == intr.Off")
	debug.Assert(Current().status == Running, "Current().status == Running")

	for !sched.destructionReq.Empty() {
		victim := sched.destructionReq.PopFront().Value()
		destroy(victim)
	}
	Current().status = status
	schedule()
}

func schedule() {
	curr := runningThread()
	next := nextThreadToRun()

	debug.Assert(intr.GetLevel() == intr.Off, "intr.GetLevel() == intr.Off")
	debug.Assert(curr.status != Running, "curr.status != Running")
	debug.Assert(isThread(next), "isThread(next)")

	// Mark us as running.
	next.status = Running

	// Start new time slice.
	sched.threadTicks = 0

	if curr != next {
		// If the thread we switched from is dying, destroy its
		// control block. This must happen late so that Exit doesn't
		// pull out the rug under itself. We just queue the page free
		// request here because the page is currently used by the
		// stack. The real destruction happens at the beginning of the
		// next doSchedule.
		if curr.status == Dying && curr != sched.initialThread {
			debug.Assert(curr != next, "curr != next")
			sched.destructionReq.PushBack(&curr.elem)
		}

		// Before switching the thread, we first save the information
		// of current running.
		launch(next)
	}
}

// launch switches the CPU from the running thread to th.
//
// The live registers are saved into the outgoing thread's frame, th's
// frame is loaded back (iretq), and th's goroutine is resumed: started
// at the kernelThread trampoline the first time, woken up where it
// switched out of launch every other time. The outgoing goroutine then
// parks until some later launch hands the CPU back to it. A dying thread
// returns instead and its goroutine unwinds off the CPU, so its caller
// must not touch kernel state afterwards. Nothing of the outgoing thread
// is touched after th has been resumed.
func launch(th *Thread) {
	curr := runningThread()
	debug.Assert(intr.GetLevel() == intr.Off, "intr.GetLevel() == intr.Off")

	debug.Log.WithFields(log.Fields{
		"from":     curr.name,
		"from_tid": curr.tid,
		"to":       th.name,
		"to_tid":   th.tid,
	}).Trace("context switch")

	// Save the outgoing thread's execution context. It resumes right
	// below, with interrupts off, as the flags say.
	curr.tf = intr.Regs()
	curr.tf.Rip = ripOutIret

	dying := curr.status == Dying
	sched.curr = th
	intr.Iret(&th.tf)

	if !th.started {
		th.started = true
		go startThread(th)
	} else {
		th.resume <- struct{}{}
	}

	// From here on this goroutine is no longer the CPU.
	if dying {
		return
	}
	<-curr.resume
}

// startThread is the first thing a new thread's goroutine runs.
func startThread(t *Thread) {
	debug.Assert(t.tf.Rip == ripKernelThread, "t.tf.Rip == ripKernelThread")
	kernelThread(t.fn, t.aux)
}

// destroy releases the page of a dead thread. Must only be called once
// the CPU switched away from victim for good.
func destroy(victim *Thread) {
	debug.Assert(victim.status == Dying, "victim.status == Dying")
	debug.Assert(victim != runningThread(), "victim != runningThread()")

	list.Remove(&victim.allElem)
	victim.magic = 0
	palloc.FreePage(victim.page)
	victim.page = nil
	victim.fn = nil
	victim.aux = nil
}
