// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	clock := Fake(epoch)
	if got := clock.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	clock.Advance(5 * time.Second)
	if got := clock.Now(); !got.Equal(epoch.Add(5 * time.Second)) {
		t.Fatalf("Now() after advance = %v", got)
	}
}

func TestFakeClockAfterFiresOnAdvance(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(time.Second)

	select {
	case <-channel:
		t.Fatal("After fired before advance")
	default:
	}

	clock.Advance(999 * time.Millisecond)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case got := <-channel:
		if !got.Equal(epoch.Add(time.Second)) {
			t.Errorf("After delivered %v", got)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeClockAfterZeroIsImmediate(t *testing.T) {
	clock := Fake(epoch)
	select {
	case <-clock.After(0):
	default:
		t.Fatal("After(0) should be ready immediately")
	}
}

func TestFakeClockAfterFuncRunsInDeadlineOrder(t *testing.T) {
	clock := Fake(epoch)
	var order []string
	clock.AfterFunc(3*time.Second, func() { order = append(order, "third") })
	clock.AfterFunc(1*time.Second, func() { order = append(order, "first") })
	clock.AfterFunc(2*time.Second, func() { order = append(order, "second") })

	clock.Advance(10 * time.Second)

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFakeClockAfterFuncStop(t *testing.T) {
	clock := Fake(epoch)
	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop() on a pending timer should return true")
	}
	if timer.Stop() {
		t.Fatal("second Stop() should return false")
	}
	clock.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if clock.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", clock.PendingCount())
	}
}

func TestFakeClockStopAfterFire(t *testing.T) {
	clock := Fake(epoch)
	timer := clock.AfterFunc(time.Second, func() {})
	clock.Advance(time.Second)
	if timer.Stop() {
		t.Fatal("Stop() after firing should return false")
	}
}

func TestFakeClockCallbackRegistersFollowUp(t *testing.T) {
	clock := Fake(epoch)
	var fired []time.Time
	clock.AfterFunc(time.Second, func() {
		fired = append(fired, clock.Now())
		clock.AfterFunc(time.Second, func() {
			fired = append(fired, clock.Now())
		})
	})

	clock.Advance(time.Second)
	if len(fired) != 1 {
		t.Fatalf("fired %d callbacks after first advance, want 1", len(fired))
	}
	if clock.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", clock.PendingCount())
	}
	clock.Advance(time.Second)
	if len(fired) != 2 {
		t.Fatalf("fired %d callbacks after second advance, want 2", len(fired))
	}
}

func TestFakeClockWaitForTimers(t *testing.T) {
	clock := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-clock.After(time.Second)
		close(done)
	}()

	clock.WaitForTimers(1)
	clock.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine waiting on After never woke")
	}
}

func TestFakeClockConcurrentAccess(t *testing.T) {
	clock := Fake(epoch)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				clock.Now()
				clock.AfterFunc(time.Millisecond, func() {}).Stop()
			}
		}()
	}
	for range 50 {
		clock.Advance(time.Millisecond)
	}
	wg.Wait()
}
