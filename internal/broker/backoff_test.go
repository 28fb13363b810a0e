package broker

import (
	"testing"
	"time"
)

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	b := newBackoff(5*time.Second, 20*time.Second)

	got := []time.Duration{b.next(), b.next(), b.next(), b.next()}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 20 * time.Second}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("next() call %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff(5*time.Second, 20*time.Second)
	b.next()
	b.next()
	b.reset()
	if got := b.next(); got != 5*time.Second {
		t.Errorf("next() after reset = %v, want 5s", got)
	}
}
