package service

import (
	"testing"
	"time"
)

func TestBackoffGrowsToCap(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial:    time.Second,
		Max:        8 * time.Second,
		Multiplier: 2.0,
		Jitter:     -1,
	})

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(want))
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2.0, Jitter: -1})

	b.Next()
	b.Next()
	if b.Current() != 4*time.Second {
		t.Errorf("Current() = %v, want %v", b.Current(), 4*time.Second)
	}

	b.Reset()
	if b.Current() != time.Second {
		t.Errorf("Current() after reset = %v, want %v", b.Current(), time.Second)
	}
	if b.Attempts() != 0 {
		t.Errorf("Attempts() after reset = %d, want 0", b.Attempts())
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2.0, Jitter: 0.5})

	got := b.Next()
	if got < time.Second || got > 1500*time.Millisecond {
		t.Errorf("Next() = %v, want within [1s, 1.5s]", got)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})

	if b.Current() != DefaultRedialInitial {
		t.Errorf("Current() = %v, want %v", b.Current(), DefaultRedialInitial)
	}
	for i := 0; i < 16; i++ {
		if got := b.Next(); got > time.Duration(float64(DefaultRedialMax)*(1+DefaultRedialJitter)) {
			t.Fatalf("Next() #%d = %v, exceeds jittered cap", i+1, got)
		}
	}
}
