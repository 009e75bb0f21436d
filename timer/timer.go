// 8254 Programmable Interval Timer.
//
// The timer interrupts the CPU TimerFreq times per second. Each
// interrupt advances the tick count, charges the tick to the running
// thread and wakes up sleepers whose time has come.
//
// In this kernel the timer is a device goroutine (StartClock) that raises
// the timer line on the interrupt controller, or a caller that fires a
// single tick with Interrupt.

package timer

import (
	"context"
	"sync"
	"time"

	"github.com/pianoyeg94/kernel-threads-inside-out/debug"
	"github.com/pianoyeg94/kernel-threads-inside-out/intr"
	"github.com/pianoyeg94/kernel-threads-inside-out/threads"
)

// TimerFreq is the default number of timer interrupts per second.
const TimerFreq = 100

// vecTimer is the external interrupt line of the timer (IRQ0).
const vecTimer = 0x20

// Number of timer ticks since OS booted.
var ticks int64

// Timer interrupts per second, set by Init.
var freq int64 = TimerFreq

// Init sets up the timer to interrupt frequency times per second, and
// registers the corresponding interrupt.
//
// See [8254] for hardware details of the 8254 timer chip.
func Init(frequency int) {
	// 8254 input frequency divided by frequency, rounded to nearest.
	// Outside of this range the counter over- or underflows.
	debug.Assert(frequency >= 19, "frequency >= 19")
	debug.Assert(frequency <= 1000, "frequency <= 1000")

	freq = int64(frequency)
	ticks = 0
	intr.RegisterExt(vecTimer, interrupt, "8254 Timer")
}

// Frequency returns the number of timer interrupts per second.
func Frequency() int {
	return int(freq)
}

// Ticks returns the number of timer ticks since the OS booted.
func Ticks() int64 {
	old := intr.Disable()
	t := ticks
	intr.SetLevel(old)
	return t
}

// Elapsed returns the number of timer ticks elapsed since then, which
// should be a value once returned by Ticks.
func Elapsed(then int64) int64 {
	return Ticks() - then
}

// Sleep suspends execution for approximately n timer ticks. Returns at
// once when n is zero or negative.
func Sleep(n int64) {
	start := Ticks()

	debug.Assert(intr.GetLevel() == intr.On, "intr.GetLevel() == intr.On")
	if n <= 0 {
		return
	}
	threads.Sleep(start + n)
}

// MSleep suspends execution for approximately ms milliseconds.
func MSleep(ms int64) {
	realTimeSleep(ms, 1000)
}

// USleep suspends execution for approximately us microseconds.
func USleep(us int64) {
	realTimeSleep(us, 1000*1000)
}

// NSleep suspends execution for approximately ns nanoseconds.
func NSleep(ns int64) {
	realTimeSleep(ns, 1000*1000*1000)
}

// realTimeSleep sleeps for approximately num/denom seconds.
func realTimeSleep(num, denom int64) {
	// Convert num/denom seconds into timer ticks, rounding down.
	//
	//   (num / denom) s
	//   ---------------------- = num * TIMER_FREQ / denom ticks.
	//   1 s / TIMER_FREQ ticks
	n := num * freq / denom

	debug.Assert(intr.GetLevel() == intr.On, "intr.GetLevel() == intr.On")
	if n > 0 {
		// We're waiting for at least one full timer tick. Use Sleep
		// because it will yield the CPU to other threads.
		Sleep(n)
	} else {
		// Otherwise, spin for a sub-tick amount of time. The CPU
		// stays with the current thread.
		time.Sleep(time.Duration(num) * time.Second / time.Duration(denom))
	}
}

// Interrupt fires one timer interrupt on the running thread. If
// interrupts are off, the tick stays pending until they are turned back
// on.
func Interrupt() {
	intr.Raise(vecTimer)
}

// StartClock starts the timer device: a goroutine that raises the timer
// line every 1/Frequency seconds until ctx is done or stop is called.
// stop returns once the device goroutine is gone, after which no more
// ticks are posted. It may be called more than once.
func StartClock(ctx context.Context) (stop func()) {
	period := time.Second / time.Duration(freq)
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				intr.Post(vecTimer)
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// PrintStats prints timer statistics.
func PrintStats() {
	debug.Log.Infof("Timer: %d ticks", Ticks())
}

// interrupt is the timer interrupt handler.
func interrupt(_ *intr.Frame) {
	ticks++
	threads.Tick()
	threads.Wakeup(ticks)
}
