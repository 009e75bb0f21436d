package threads

import (
	"reflect"
	"testing"
)

func TestSleepWakeup(t *testing.T) {
	boot(t, 8)

	var woke []int64
	Create("sleeper", PriDefault+1, func(any) {
		Sleep(10)
		woke = append(woke, Current().WakeupTick())
	}, nil)

	// The sleeper ran first and went to sleep.
	if Sleepers() != 1 {
		t.Fatalf("Sleepers = %d, want 1", Sleepers())
	}

	Wakeup(9)
	if Sleepers() != 1 || len(woke) != 0 {
		t.Fatalf("sleeper woke up at tick 9")
	}

	// Unblocked but not preempting: the sleeper runs once main yields.
	Wakeup(10)
	if Sleepers() != 0 {
		t.Fatalf("Sleepers = %d after tick 10, want 0", Sleepers())
	}
	if len(woke) != 0 {
		t.Fatalf("Wakeup preempted the caller")
	}
	Yield()
	if !reflect.DeepEqual(woke, []int64{10}) {
		t.Errorf("woke = %v, want [10]", woke)
	}
}

func TestWakeupByPriority(t *testing.T) {
	boot(t, 8)

	var woke []string
	sleeper := func(aux any) {
		Sleep(aux.(int64))
		woke = append(woke, CurrentName())
	}
	Create("p33", PriDefault+2, sleeper, int64(5))
	Create("p34", PriDefault+3, sleeper, int64(5))
	Create("p35", PriDefault+4, sleeper, int64(7))
	if Sleepers() != 3 {
		t.Fatalf("Sleepers = %d, want 3", Sleepers())
	}

	// Both due sleepers wake, the higher priority one runs first.
	Wakeup(6)
	Yield()
	if want := []string{"p34", "p33"}; !reflect.DeepEqual(woke, want) {
		t.Errorf("woke = %v, want %v", woke, want)
	}

	// A tick far past the deadline still wakes the last one.
	Wakeup(100)
	Yield()
	if want := []string{"p34", "p33", "p35"}; !reflect.DeepEqual(woke, want) {
		t.Errorf("woke = %v, want %v", woke, want)
	}
}

func TestUnblockWokenSleeper(t *testing.T) {
	boot(t, 8)

	expectPanic(t, "Unblock of a sleeper twice", "", func() {
		Create("sleeper", PriDefault+1, func(any) { Sleep(1) }, nil)
		th := sched.sleepList.Front().Value()
		Wakeup(1)
		Unblock(th)
	})
}
