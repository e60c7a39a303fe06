// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
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
	if got, want := clock.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfter(t *testing.T) {
	clock := Fake(epoch)
	channel := clock.After(5 * time.Second)

	clock.Advance(3 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	clock.Advance(2 * time.Second)
	select {
	case fired := <-channel:
		if !fired.Equal(epoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v", fired)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
	if clock.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after firing, want 0", clock.PendingCount())
	}
}

func TestFakeClockAfterNonPositive(t *testing.T) {
	clock := Fake(epoch)
	for _, d := range []time.Duration{0, -time.Second} {
		select {
		case <-clock.After(d):
		default:
			t.Errorf("After(%v) should be ready immediately", d)
		}
	}
}

func TestFakeClockTicker(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Minute)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	// Several intervals at once leave one buffered tick.
	clock.Advance(5 * time.Minute)
	<-ticker.C
	select {
	case <-ticker.C:
		t.Fatal("ticker queued more than one tick")
	default:
	}

	ticker.Stop()
	clock.Advance(time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
	if clock.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after Stop, want 0", clock.PendingCount())
	}
}

func TestRealClock(t *testing.T) {
	clock := Real()
	before := time.Now()
	if clock.Now().Before(before) {
		t.Error("Real().Now() is before time.Now()")
	}
	ticker := clock.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C:
	case <-time.After(5 * time.Second):
		t.Fatal("real ticker did not tick")
	}
}
