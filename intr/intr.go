// Simulated interrupt controller for the single kernel CPU.
//
// The CPU state that matters to the scheduler lives here: the live
// register file (whose EFLAGS.IF bit is the interrupt level), the
// "currently running an external interrupt handler" flag, the yield
// request raised by handlers and the handler table.
//
// Only the goroutine that currently holds the CPU (the running kernel
// thread) touches any of it, with one exception: device goroutines may
// raise external interrupt lines with Post at any time. Posted
// interrupts stay pending until the running thread reaches an instruction
// boundary with interrupts enabled: Enable, SetLevel(On), Checkpoint or
// Halt. At that point the handler runs on the interrupted thread, the
// way a hardware interrupt runs on the current kernel stack.

package intr

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
)

// Level is the interrupt level: on or off.
type Level int

const (
	Off Level = iota // Interrupts disabled.
	On               // Interrupts enabled.
)

func (l Level) String() string {
	if l == On {
		return "on"
	}
	return "off"
}

// Handler handles an interrupt. f is the interrupted context.
type Handler func(f *Frame)

const (
	NumVec = 256

	// External interrupts are routed through the PIC to vectors
	// 0x20 through 0x2f.
	extVecFirst = 0x20
	extVecLast  = 0x2f
)

type controller struct {
	regs Frame // live register file, EFLAGS.IF is the interrupt level

	inExternal    bool // are we processing an external interrupt?
	yieldOnReturn bool // should we yield on interrupt return?

	handlers [NumVec]Handler
	names    [NumVec]string
	counts   [NumVec]uint64

	// Bitmap of raised external lines, bit i is vector extVecFirst+i.
	// Written by device goroutines, so accessed atomically.
	pending atomic.Uint32
	wake    chan struct{} // kicks a halted CPU

	yieldHook func() // thread yield, installed by the scheduler
}

var cpu = controller{wake: make(chan struct{}, 1)}

// Init resets the interrupt system: interrupts off, empty handler table,
// no pending lines.
func Init() {
	cpu.regs = Frame{Eflags: FlagMBS}
	cpu.inExternal = false
	cpu.yieldOnReturn = false
	for i := range cpu.handlers {
		cpu.handlers[i] = nil
		cpu.names[i] = "unknown"
		cpu.counts[i] = 0
	}
	for vec, name := range exceptionNames {
		cpu.names[vec] = name
	}
	cpu.pending.Store(0)
	select {
	case <-cpu.wake:
	default:
	}
}

var exceptionNames = map[int]string{
	0:  "#DE Divide Error",
	1:  "#DB Debug Exception",
	2:  "NMI Interrupt",
	3:  "#BP Breakpoint Exception",
	4:  "#OF Overflow Exception",
	5:  "#BR BOUND Range Exceeded Exception",
	6:  "#UD Invalid Opcode Exception",
	7:  "#NM Device Not Available Exception",
	8:  "#DF Double Fault Exception",
	9:  "Coprocessor Segment Overrun",
	10: "#TS Invalid TSS Exception",
	11: "#NP Segment Not Present",
	12: "#SS Stack Fault Exception",
	13: "#GP General Protection Exception",
	14: "#PF Page-Fault Exception",
	16: "#MF x87 FPU Floating-Point Error",
	17: "#AC Alignment Check Exception",
	18: "#MC Machine-Check Exception",
	19: "#XF SIMD Floating-Point Exception",
}

// SetYieldHook installs the function called when a handler requested a
// yield with YieldOnReturn.
func SetYieldHook(fn func()) {
	cpu.yieldHook = fn
}

// GetLevel returns the current interrupt status.
func GetLevel() Level {
	return cpu.regs.Level()
}

// SetLevel enables or disables interrupts as specified by level and
// returns the previous interrupt status.
func SetLevel(level Level) Level {
	if level == On {
		return Enable()
	}
	return Disable()
}

// Enable enables interrupts and returns the previous interrupt status.
// Interrupts that were posted while disabled are delivered before Enable
// returns.
func Enable() Level {
	old := GetLevel()
	debug.Assert(!Context(), "!Context()")

	cpu.regs.Eflags |= FlagIF
	deliverPending()
	return old
}

// Disable disables interrupts and returns the previous interrupt status.
func Disable() Level {
	old := GetLevel()
	cpu.regs.Eflags &^= FlagIF
	return old
}

// Context reports whether an external interrupt is being processed.
func Context() bool {
	return cpu.inExternal
}

// YieldOnReturn makes the interrupted thread yield just before the
// current external interrupt handler returns. Can only be called from
// an external interrupt handler.
func YieldOnReturn() {
	debug.Assert(Context(), "Context()")
	cpu.yieldOnReturn = true
}

// RegisterExt registers external interrupt vec to invoke handler, which
// is named name for debugging purposes. The handler will execute with
// interrupts disabled.
func RegisterExt(vec uint8, handler Handler, name string) {
	debug.Assert(isExternal(vec), "isExternal(vec)")
	register(vec, handler, name)
}

// RegisterInt registers internal interrupt vec (an exception or a
// software trap) to invoke handler.
func RegisterInt(vec uint8, handler Handler, name string) {
	debug.Assert(!isExternal(vec), "!isExternal(vec)")
	register(vec, handler, name)
}

func register(vec uint8, handler Handler, name string) {
	debug.Assert(cpu.handlers[vec] == nil, "cpu.handlers[vec] == nil")
	cpu.handlers[vec] = handler
	cpu.names[vec] = name
}

// Name returns the name of interrupt vec.
func Name(vec uint8) string {
	return cpu.names[vec]
}

// Count returns how many times vec has been delivered.
func Count(vec uint8) uint64 {
	return cpu.counts[vec]
}

func isExternal(vec uint8) bool {
	return vec >= extVecFirst && vec <= extVecLast
}

// Post raises external interrupt line vec. Safe to call from any
// goroutine; the interrupt is delivered on the running thread at its
// next instruction boundary with interrupts enabled.
func Post(vec uint8) {
	debug.Assert(isExternal(vec), "isExternal(vec)")
	bit := uint32(1) << (vec - extVecFirst)
	for {
		old := cpu.pending.Load()
		if old&bit != 0 || cpu.pending.CompareAndSwap(old, old|bit) {
			break
		}
	}

	select {
	case cpu.wake <- struct{}{}:
	default:
	}
}

// Raise delivers interrupt vec on the running thread, as if the CPU had
// just taken it. An external interrupt raised while interrupts are off
// stays pending until they are turned back on.
func Raise(vec uint8) {
	if isExternal(vec) {
		Post(vec)
		Checkpoint()
		return
	}
	dispatch(vec)
}

// Checkpoint marks an instruction boundary: pending external interrupts
// are delivered if interrupts are enabled and no handler is running.
// Long running kernel code that wants to be preemptible calls this.
func Checkpoint() {
	if GetLevel() == On && !Context() {
		deliverPending()
	}
}

// Halt enables interrupts and stops the CPU until the next external
// interrupt arrives, then handles it (sti; hlt).
func Halt() {
	debug.Assert(!Context(), "!Context()")
	cpu.regs.Eflags |= FlagIF
	for cpu.pending.Load() == 0 {
		<-cpu.wake
	}
	deliverPending()
}

func deliverPending() {
	for {
		bits := cpu.pending.Swap(0)
		if bits == 0 {
			return
		}
		for i := 0; bits != 0; i++ {
			if bits&1 != 0 {
				dispatch(uint8(extVecFirst + i))
			}
			bits >>= 1
		}
	}
}

// dispatch is the common interrupt handler. Runs the registered handler
// on a copy of the interrupted context with interrupts off, then
// restores the interrupted interrupt level (iretq).
func dispatch(vec uint8) {
	frame := cpu.regs
	frame.VecNo = uint64(vec)
	external := isExternal(vec)

	// The CPU turns interrupts off on entry to an interrupt gate.
	cpu.regs.Eflags &^= FlagIF

	// External interrupts are special.
	// We only handle one at a time (so interrupts must be off)
	// and they need to be acknowledged on the PIC (see below).
	// An external interrupt handler cannot sleep.
	if external {
		debug.Assert(!cpu.inExternal, "!cpu.inExternal")
		cpu.inExternal = true
		cpu.yieldOnReturn = false
	}

	cpu.counts[vec]++
	if handler := cpu.handlers[vec]; handler != nil {
		handler(&frame)
	} else if vec == 0x27 || vec == 0x2f {
		// There is no handler, but this interrupt can trigger
		// spuriously due to a hardware fault or hardware race
		// condition. Ignore it.
	} else {
		unexpectedInterrupt(&frame)
	}

	// Complete the processing of an external interrupt.
	if external {
		debug.Assert(GetLevel() == Off, "GetLevel() == Off")
		debug.Assert(cpu.inExternal, "cpu.inExternal")

		cpu.inExternal = false

		if cpu.yieldOnReturn {
			cpu.yieldOnReturn = false
			if cpu.yieldHook != nil {
				cpu.yieldHook()
			}
		}
	}

	// iretq restores the interrupted flags.
	if frame.Level() == On {
		cpu.regs.Eflags |= FlagIF
	} else {
		cpu.regs.Eflags &^= FlagIF
	}
}

// unexpectedInterrupt handles an interrupt with no registered handler.
// Reports it on the console at power of two occurrences so a stuck line
// doesn't flood the log.
func unexpectedInterrupt(f *Frame) {
	n := cpu.counts[f.VecNo]
	if n&(n-1) == 0 {
		debug.Log.WithFields(log.Fields{
			"vec":  f.VecNo,
			"name": Name(uint8(f.VecNo)),
		}).Warnf("Unexpected interrupt (%d times)", n)
		DumpFrame(f)
	}
}

// Regs returns a copy of the live register file.
func Regs() Frame {
	return cpu.regs
}

// Iret loads f into the live register file, including its interrupt
// flag. It is the trap return half of a context switch and must be
// entered with interrupts off; no pending interrupt is delivered here
// even when f has interrupts enabled, that happens at the incoming
// thread's next instruction boundary.
func Iret(f *Frame) {
	debug.Assert(GetLevel() == Off, "GetLevel() == Off")
	cpu.regs = *f
}
