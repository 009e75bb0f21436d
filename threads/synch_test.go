package threads

import (
	"reflect"
	"testing"

	"github.com/pianoyeg94/kernel-threads-inside-out/intr"
)

func TestSemaphoreValue(t *testing.T) {
	boot(t, 8)

	var s Semaphore
	s.Init(2)

	tests := []struct {
		op    string
		want  bool
		value uint
	}{
		{op: "trydown", want: true, value: 1},
		{op: "trydown", want: true, value: 0},
		{op: "trydown", want: false, value: 0},
		{op: "up", value: 1},
		{op: "up", value: 2},
		{op: "down", value: 1},
	}
	for i, tt := range tests {
		switch tt.op {
		case "trydown":
			if got := s.TryDown(); got != tt.want {
				t.Errorf("#%d: TryDown = %v, want %v", i, got, tt.want)
			}
		case "up":
			s.Up()
		case "down":
			s.Down()
		}
		if s.Value() != tt.value {
			t.Errorf("#%d %s: value %d, want %d", i, tt.op, s.Value(), tt.value)
		}
	}
}

func TestSemaphoreWakesHighestPriority(t *testing.T) {
	boot(t, 8)

	var (
		s     Semaphore
		woken []int
	)
	s.Init(0)
	waiter := func(any) {
		s.Down()
		woken = append(woken, GetPriority())
	}
	for _, pri := range []int{5, 10, 3} {
		Create("waiter", pri, waiter, nil)
	}

	// Let them all block on s.
	SetPriority(PriMin)
	if s.waiters.Size() != 3 {
		t.Fatalf("%d waiters, want 3", s.waiters.Size())
	}

	for i := 0; i < 3; i++ {
		s.Up()
	}
	if want := []int{10, 5, 3}; !reflect.DeepEqual(woken, want) {
		t.Errorf("wake order = %v, want %v", woken, want)
	}
	if s.Value() != 0 {
		t.Errorf("value = %d, want 0", s.Value())
	}
}

func TestSemaphoreUpFromInterrupt(t *testing.T) {
	boot(t, 8)

	var (
		s   Semaphore
		log []string
	)
	s.Init(0)
	Create("waiter", PriDefault+1, func(any) {
		s.Down()
		log = append(log, "waiter")
	}, nil)

	intr.RegisterExt(0x21, func(*intr.Frame) {
		s.Up()
		log = append(log, "handler")
	}, "device")

	// The handler finishes before the woken waiter gets the CPU.
	intr.Raise(0x21)
	log = append(log, "main")

	if want := []string{"handler", "waiter", "main"}; !reflect.DeepEqual(log, want) {
		t.Errorf("run order = %v, want %v", log, want)
	}
}

func TestDownInInterrupt(t *testing.T) {
	boot(t, 8)

	var s Semaphore
	s.Init(1)
	intr.RegisterExt(0x21, func(*intr.Frame) { s.Down() }, "bad")
	expectPanic(t, "Down in a handler", "assertion `!intr.Context()' failed.",
		func() { intr.Raise(0x21) })
}

func TestSemaSelfTest(t *testing.T) {
	boot(t, 8)

	SemaSelfTest()
	if Current().Name() != "main" {
		t.Errorf("back on %q", CurrentName())
	}
}

func TestLock(t *testing.T) {
	boot(t, 8)

	var (
		l   Lock
		log []string
	)
	l.Init()
	if l.Holder() != nil || l.HeldByCurrentThread() {
		t.Fatalf("new lock is held")
	}

	l.Acquire()
	if l.Holder() != Current() || !l.HeldByCurrentThread() {
		t.Fatalf("lock not held after Acquire")
	}

	Create("contender", PriDefault+1, func(any) {
		if l.TryAcquire() {
			log = append(log, "trylock succeeded")
			l.Release()
		}
		log = append(log, "contender waits")
		l.Acquire()
		log = append(log, "contender holds")
		l.Release()
	}, nil)

	// The contender blocked on the lock and main still holds it.
	log = append(log, "main releases")
	waiter := findThread(3)
	if waiter.waitOnLock != &l {
		t.Errorf("blocked contender does not record the lock it waits on")
	}
	l.Release()
	log = append(log, "main")

	want := []string{"contender waits", "main releases", "contender holds", "main"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("run order = %v, want %v", log, want)
	}
	if l.Holder() != nil {
		t.Errorf("lock still held by %q", l.Holder().Name())
	}
}

func TestLockMisuse(t *testing.T) {
	boot(t, 8)

	var l Lock
	l.Init()

	expectPanic(t, "Release of an unheld lock",
		"assertion `l.HeldByCurrentThread()' failed.", l.Release)

	l.Acquire()
	expectPanic(t, "recursive Acquire",
		"assertion `!l.HeldByCurrentThread()' failed.", l.Acquire)
	expectPanic(t, "recursive TryAcquire",
		"assertion `!l.HeldByCurrentThread()' failed.", func() { l.TryAcquire() })
}

func TestConditionSignalOrder(t *testing.T) {
	boot(t, 8)

	var (
		l     Lock
		c     Condition
		woken []string
	)
	l.Init()
	c.Init()

	waiter := func(any) {
		l.Acquire()
		c.Wait(&l)
		woken = append(woken, CurrentName())
		if !l.HeldByCurrentThread() {
			woken = append(woken, "lock lost")
		}
		l.Release()
	}
	Create("p10", 10, waiter, nil)
	Create("p20", 20, waiter, nil)
	Create("p15", 15, waiter, nil)

	// Let them all wait.
	SetPriority(PriMin)
	if c.waiters.Size() != 3 {
		t.Fatalf("%d waiters, want 3", c.waiters.Size())
	}

	l.Acquire()
	c.Signal(&l)
	l.Release()
	if want := []string{"p20"}; !reflect.DeepEqual(woken, want) {
		t.Fatalf("woken = %v, want %v", woken, want)
	}

	l.Acquire()
	c.Broadcast(&l)
	l.Release()
	if want := []string{"p20", "p15", "p10"}; !reflect.DeepEqual(woken, want) {
		t.Errorf("woken = %v, want %v", woken, want)
	}

	// Nothing left to wake.
	l.Acquire()
	c.Signal(&l)
	c.Broadcast(&l)
	l.Release()
}

func TestConditionNeedsLock(t *testing.T) {
	boot(t, 8)

	var (
		l Lock
		c Condition
	)
	l.Init()
	c.Init()

	msg := "assertion `lock.HeldByCurrentThread()' failed."
	expectPanic(t, "Signal without the lock", msg, func() { c.Signal(&l) })
	expectPanic(t, "Broadcast without the lock", msg, func() { c.Broadcast(&l) })
	expectPanic(t, "Wait without the lock", msg, func() { c.Wait(&l) })
	expectPanic(t, "Wait with a nil lock", "assertion `lock != nil' failed.", func() { c.Wait(nil) })
}

func TestConditionInInterrupt(t *testing.T) {
	boot(t, 8)

	var (
		l Lock
		c Condition
	)
	l.Init()
	c.Init()
	l.Acquire()

	// Nobody waits on c, the handler still must not touch it.
	intr.RegisterExt(0x21, func(*intr.Frame) { c.Broadcast(&l) }, "bad")
	expectPanic(t, "Broadcast in a handler", "assertion `!intr.Context()' failed.",
		func() { intr.Raise(0x21) })
}
