package backoff

import (
	"testing"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
)

func TestSchedule_ExponentialSequence(t *testing.T) {
	s := New(16)
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 64 * time.Second, 128 * time.Second,
		256 * time.Second, 512 * time.Second, 1024 * time.Second,
		// Capped at 2^10 from here on.
		1024 * time.Second, 1024 * time.Second, 1024 * time.Second,
		1024 * time.Second, 1024 * time.Second,
	}
	for i, w := range want {
		if got := s.NextBackOff(); got != w {
			t.Errorf("attempt %d: got %v, want %v", i, got, w)
		}
	}
	if got := s.NextBackOff(); got != cenkalti.Stop {
		t.Errorf("attempt 16: got %v, want Stop", got)
	}
}

func TestSchedule_Reset(t *testing.T) {
	s := New(8)
	s.NextBackOff()
	s.NextBackOff()
	if s.Attempt() != 2 {
		t.Fatalf("Attempt = %d, want 2", s.Attempt())
	}

	s.Reset()
	if s.Attempt() != 0 {
		t.Errorf("Attempt after Reset = %d, want 0", s.Attempt())
	}
	if got := s.NextBackOff(); got != 1*time.Second {
		t.Errorf("NextBackOff after Reset = %v, want 1s", got)
	}
}

func TestSchedule_StopAfterMaxAttempts(t *testing.T) {
	s := New(3)
	for i := 0; i < 3; i++ {
		if got := s.NextBackOff(); got == cenkalti.Stop {
			t.Fatalf("attempt %d: premature Stop", i)
		}
	}
	if got := s.NextBackOff(); got != cenkalti.Stop {
		t.Errorf("got %v, want Stop", got)
	}
}
