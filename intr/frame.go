package intr

import (
	log "github.com/sirupsen/logrus"

	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
)

// Kernel segment selectors, fixed by the GDT the loader builds.
const (
	SelKCSeg = 0x08 // Kernel code selector.
	SelKDSeg = 0x10 // Kernel data selector.
)

// EFLAGS register bits.
const (
	FlagMBS = 1 << 1 // Must be set.
	FlagIF  = 1 << 9 // Interrupt flag.
)

// Registers is the general purpose register set, in the order the
// interrupt entry stub pushes it.
type Registers struct {
	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	R11 uint64
	R10 uint64
	R9  uint64
	R8  uint64
	Rsi uint64 // second argument
	Rdi uint64 // first argument
	Rbp uint64 // frame pointer
	Rdx uint64
	Rcx uint64
	Rbx uint64
	Rax uint64 // return value
}

// Frame is the full execution context of an interrupted (or switched
// out) thread: general purpose registers, data segment selectors, the
// vector that caused the trap and whatever the CPU pushes on an
// interrupt (rip, cs, eflags, rsp, ss).
//
// A thread's saved Frame is opaque to the scheduler: it only ever copies
// the live register file into it and loads it back with Iret.
type Frame struct {
	R  Registers
	Es uint16
	Ds uint16

	VecNo     uint64 // Interrupt vector number.
	ErrorCode uint64 // Pushed by the CPU for some exceptions, 0 otherwise.

	Rip    uintptr // Where execution resumes.
	Cs     uint16
	Eflags uint64
	Rsp    uintptr
	Ss     uint16
}

// Level returns the interrupt level encoded in f's saved flags.
func (f *Frame) Level() Level {
	if f.Eflags&FlagIF != 0 {
		return On
	}
	return Off
}

// DumpFrame logs the contents of f to the kernel console.
func DumpFrame(f *Frame) {
	debug.Log.WithFields(log.Fields{
		"vec":    f.VecNo,
		"name":   Name(uint8(f.VecNo)),
		"error":  f.ErrorCode,
		"rip":    f.Rip,
		"cs":     f.Cs,
		"eflags": f.Eflags,
		"rsp":    f.Rsp,
		"ss":     f.Ss,
		"ds":     f.Ds,
		"es":     f.Es,
	}).Info("Interrupt frame")
	debug.Log.Infof("rax %016x rbx %016x rcx %016x rdx %016x",
		f.R.Rax, f.R.Rbx, f.R.Rcx, f.R.Rdx)
	debug.Log.Infof("rsi %016x rdi %016x rbp %016x",
		f.R.Rsi, f.R.Rdi, f.R.Rbp)
	debug.Log.Infof("r8  %016x r9  %016x r10 %016x r11 %016x",
		f.R.R8, f.R.R9, f.R.R10, f.R.R11)
	debug.Log.Infof("r12 %016x r13 %016x r14 %016x r15 %016x",
		f.R.R12, f.R.R13, f.R.R14, f.R.R15)
}
