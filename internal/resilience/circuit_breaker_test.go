package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackend = errors.New("backend down")

func failN(n int) func() error {
	calls := 0
	return func() error {
		calls++
		if calls <= n {
			return errBackend
		}
		return nil
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Hour, nil)
	fn := failN(100)

	for i := 0; i < 3; i++ {
		if err := cb.Call(fn); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: got %v, want backend error", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if err := cb.Call(fn); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("got %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("test", 3, time.Hour, nil)

	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(true)
	cb.RecordResult(false)
	cb.RecordResult(false)

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 5*time.Millisecond, nil)

	cb.RecordResult(false)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(10 * time.Millisecond)

	// Three successful probes close the circuit again.
	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after recovery", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 5*time.Millisecond, nil)

	cb.RecordResult(false)
	time.Sleep(10 * time.Millisecond)

	if err := cb.Call(func() error { return errBackend }); !errors.Is(err, errBackend) {
		t.Fatalf("got %v, want backend error", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", cb.State())
	}
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	var transitions []CircuitState
	cb := NewCircuitBreaker("hooked", 1, 5*time.Millisecond, func(name string, s CircuitState) {
		if name != "hooked" {
			t.Errorf("hook name = %q, want hooked", name)
		}
		transitions = append(transitions, s)
	})

	cb.RecordResult(false)
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		cb.Call(func() error { return nil })
	}

	want := []CircuitState{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}
