// Kernel self tests.
//
// Each test is a kernel thread scenario that narrates what it does with
// msg, one "(test-name) message" line at a time, and halts the kernel
// with fail when it catches the scheduler misbehaving. The kernel binary
// runs them with "run NAME", and the package tests run them under go
// test and compare their output.

package selftest

import (
	"fmt"
	"sort"

	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
)

type test struct {
	name string
	fn   func()
}

var tests = []test{
	{"alarm-single", testAlarmSingle},
	{"alarm-multiple", testAlarmMultiple},
	{"alarm-zero", testAlarmZero},
	{"alarm-negative", testAlarmNegative},
	{"alarm-priority", testAlarmPriority},
	{"priority-change", testPriorityChange},
	{"priority-preempt", testPriorityPreempt},
	{"priority-fifo", testPriorityFifo},
	{"priority-sema", testPrioritySema},
	{"priority-condvar", testPriorityCondvar},
	{"priority-lock", testPriorityLock},
	{"sema-self-test", testSemaSelfTest},
}

// Name of the test currently running.
var testName string

// Output receives every line a test prints.
var output func(line string)

// Names returns the names of all tests, sorted.
func Names() []string {
	names := make([]string, 0, len(tests))
	for _, t := range tests {
		names = append(names, t.name)
	}
	sort.Strings(names)
	return names
}

// Run runs the test named name on the current thread, passing every
// output line to out. If out is nil, lines go to the kernel console.
// Returns an error if there is no such test.
func Run(name string, out func(line string)) error {
	for _, t := range tests {
		if t.name != name {
			continue
		}

		testName = name
		output = out
		if output == nil {
			output = func(line string) { debug.Log.Info(line) }
		}

		msg("begin")
		t.fn()
		msg("end")
		return nil
	}
	return fmt.Errorf("no test named %q", name)
}

// msg prints a formatted message prefixed by the test name.
func msg(format string, args ...any) {
	output(fmt.Sprintf("(%s) %s", testName, fmt.Sprintf(format, args...)))
}

// fail prints a failure message prefixed by the test name and halts the
// kernel.
func fail(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	output(fmt.Sprintf("(%s) FAIL: %s", testName, text))
	debug.Panic("test failed: %s", text)
}

// pass prints "PASS".
func pass() {
	msg("PASS")
}
