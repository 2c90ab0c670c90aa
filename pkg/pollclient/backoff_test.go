package pollclient

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff()
	if got := b.Delay(); got != 10*time.Millisecond {
		t.Fatalf("initial delay=%v, want 10ms", got)
	}

	var delays []time.Duration
	for i := 0; i < 25; i++ {
		b.Increase()
		delays = append(delays, b.Delay())
	}
	for i, d := range delays {
		round := i + 1
		var want time.Duration
		switch {
		case round < 10:
			want = 10 * time.Millisecond
		case round < 20:
			want = 100 * time.Millisecond
		default:
			want = time.Second
		}
		if d != want {
			t.Fatalf("delay after %d empty rounds=%v, want %v", round, d, want)
		}
	}
}

func TestBackoffResetReturnsToFastTier(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 30; i++ {
		b.Increase()
	}
	if got := b.Delay(); got != time.Second {
		t.Fatalf("delay=%v, want 1s", got)
	}
	b.Reset()
	if got := b.Delay(); got != 10*time.Millisecond {
		t.Fatalf("delay after reset=%v, want 10ms", got)
	}
}
