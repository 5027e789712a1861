package fakeclock

import (
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestClock_NowAndSet(t *testing.T) {
	c := New(epoch)
	if got := c.Now(); !got.Equal(epoch) {
		t.Errorf("Now() = %v, want %v", got, epoch)
	}

	later := epoch.Add(time.Hour)
	c.Set(later)
	if got := c.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", got, later)
	}
}

func TestClock_After(t *testing.T) {
	c := New(epoch)

	ch1 := c.After(1 * time.Minute)
	ch2 := c.After(5 * time.Minute)

	c.Advance(3 * time.Minute)

	select {
	case <-ch1:
	default:
		t.Error("ch1 should have fired")
	}
	select {
	case <-ch2:
		t.Error("ch2 should NOT have fired yet")
	default:
	}

	c.Advance(2 * time.Minute)
	select {
	case <-ch2:
	default:
		t.Error("ch2 should fire when advancing exactly to deadline")
	}
}

func TestClock_AfterZeroDuration(t *testing.T) {
	c := New(epoch)
	select {
	case <-c.After(0):
	default:
		t.Error("After(0) should fire immediately")
	}
}

func TestClock_SetDoesNotFireWaiters(t *testing.T) {
	c := New(epoch)
	ch := c.After(5 * time.Minute)
	c.Set(epoch.Add(10 * time.Minute))

	select {
	case <-ch:
		t.Error("Set should not fire waiters (only Advance does)")
	default:
	}
}

func TestTicker_Advance(t *testing.T) {
	c := New(epoch)
	ticker := c.NewTicker(10 * time.Second)

	c.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(5 * time.Second)
	select {
	case got := <-ticker.C():
		if !got.Equal(epoch.Add(10 * time.Second)) {
			t.Errorf("tick time = %v", got)
		}
	default:
		t.Fatal("ticker did not fire")
	}

	// A long jump delivers a single tick.
	c.Advance(time.Minute)
	<-ticker.C()
	select {
	case <-ticker.C():
		t.Error("expected one tick per Advance")
	default:
	}
}

func TestTicker_Stop(t *testing.T) {
	c := New(epoch)
	ticker := c.NewTicker(time.Second)
	if c.Tickers() != 1 {
		t.Fatalf("Tickers() = %d, want 1", c.Tickers())
	}

	ticker.Stop()
	ticker.Stop()
	if c.Tickers() != 0 {
		t.Errorf("Tickers() after Stop = %d, want 0", c.Tickers())
	}

	c.Advance(time.Minute)
	ticker.(*Ticker).Tick()
	select {
	case <-ticker.C():
		t.Error("stopped ticker should not send ticks")
	default:
	}
}

func TestTicker_ManualTick(t *testing.T) {
	c := New(epoch)
	ticker := c.NewTicker(time.Hour).(*Ticker)

	ticker.Tick()
	ticker.Tick()

	select {
	case got := <-ticker.C():
		if !got.Equal(epoch) {
			t.Errorf("Tick sent %v, want %v", got, epoch)
		}
	default:
		t.Error("expected a tick on the channel")
	}
	select {
	case <-ticker.C():
		t.Error("second tick should be dropped when channel is full")
	default:
	}
}
