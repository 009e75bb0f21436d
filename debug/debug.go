// Kernel console and fatal error reporting.
//
// Everything the kernel prints goes through Log. Contract violations
// (a blocking call from an interrupt handler, releasing a lock that is not
// held, a smashed thread canary, ...) are not errors a caller can handle:
// they halt the kernel through Panic, which is the equivalent of the
// runtime's throw.

package debug

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Log is the kernel console.
var Log = newConsole()

func newConsole() *log.Logger {
	l := log.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&log.TextFormatter{
		DisableTimestamp: true,
		DisableQuote:     true,
	})
	l.SetLevel(log.InfoLevel)
	return l
}

// SetLevel parses a logrus level name ("info", "debug", "trace", ...)
// and applies it to the console.
func SetLevel(name string) error {
	lvl, err := log.ParseLevel(name)
	if err != nil {
		return err
	}
	Log.SetLevel(lvl)
	return nil
}

// KernelPanic is the value the kernel panics with once it halts.
// Tests recover it to check that a contract violation was caught.
type KernelPanic struct {
	File   string
	Line   int
	Func   string
	Msg    string
	Thread string // last known running thread, "" if unknown
}

func (p *KernelPanic) Error() string {
	return fmt.Sprintf("Kernel PANIC at %s:%d in %s(): %s", p.File, p.Line, p.Func, p.Msg)
}

// threadName reports the name of the running thread without any
// sanity checks, so that it can't panic itself.
var threadName = func() string { return "" }

// SetThreadNameFunc installs the lookup used to tag panics with the
// running thread. Package threads installs it from Init.
func SetThreadNameFunc(fn func() string) {
	threadName = fn
}

// panicLevel counts nested panics. A panic raised while another one is
// still being reported (e.g. the thread lookup itself trips an assertion)
// is reported without touching any kernel state.
var panicLevel int

// Panic halts the kernel with a formatted message.
func Panic(format string, args ...any) {
	halt(2, fmt.Sprintf(format, args...))
}

// Assert halts the kernel if cond is false. expr is the text of the
// asserted condition.
func Assert(cond bool, expr string) {
	if !cond {
		halt(2, "assertion `"+expr+"' failed.")
	}
}

// NotReached halts the kernel. Marks code that must never execute.
func NotReached() {
	halt(2, "executed an unreachable statement")
}

func halt(skip int, msg string) {
	pc, file, line, _ := runtime.Caller(skip)
	fn := "?"
	if f := runtime.FuncForPC(pc); f != nil {
		fn = shortFuncName(f.Name())
	}
	kp := &KernelPanic{File: file, Line: line, Func: fn, Msg: msg}

	panicLevel++
	defer func() { panicLevel-- }()

	if panicLevel > 1 {
		Log.Errorf("Kernel PANIC recursion at %s:%d in %s().", file, line, fn)
		panic(kp)
	}

	kp.Thread = threadName()
	Log.WithField("thread", kp.Thread).Error(kp.Error())
	Backtrace(skip + 1)
	panic(kp)
}

// Backtrace prints the call stack of the caller at debug level.
func Backtrace(skip int) {
	if !Log.IsLevelEnabled(log.DebugLevel) {
		return
	}

	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	b.WriteString("Call stack:")
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, " %s:%d", shortFuncName(frame.Function), frame.Line)
		if !more {
			break
		}
	}
	Log.Debug(b.String())
}

// shortFuncName strips the import path from a fully qualified function
// name: "github.com/x/y/threads.Block" -> "threads.Block".
func shortFuncName(name string) string {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
