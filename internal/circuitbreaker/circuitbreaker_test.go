package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestCall_OpensAfterThreshold(t *testing.T) {
	var transitions []string
	cb := New(Config{
		FailureThreshold: 2,
		Timeout:          time.Hour,
		Component:        "node-a",
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := cb.Call(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("Call() = %v, want errBoom", err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}
	called := false
	err := cb.Call(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Call() on open circuit = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn called while circuit open")
	}
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("transitions = %v, want [closed->open]", transitions)
	}
	if cb.Component() != "node-a" {
		t.Errorf("Component() = %q", cb.Component())
	}
}

func TestCall_HalfOpenRecovery(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond})
	ctx := context.Background()
	_ = cb.Call(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}
	time.Sleep(20 * time.Millisecond)

	if err := cb.Call(ctx, succeed); err != nil {
		t.Fatalf("probe Call() = %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() = %v, want half_open", cb.State())
	}
	if err := cb.Call(ctx, succeed); err != nil {
		t.Fatalf("second probe Call() = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
}

func TestAllow_DoesNotChangeState(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, Timeout: 10 * time.Millisecond})
	if !cb.Allow() {
		t.Fatal("Allow() on closed circuit = false, want true")
	}
	_ = cb.Call(context.Background(), fail)
	if cb.Allow() {
		t.Error("Allow() on open circuit = true, want false")
	}
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Error("Allow() after timeout = false, want true")
	}
	if cb.State() != StateOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
}

func TestCall_HalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{FailureThreshold: 1, Timeout: 10 * time.Millisecond})
	ctx := context.Background()
	_ = cb.Call(ctx, fail)
	time.Sleep(20 * time.Millisecond)
	_ = cb.Call(ctx, fail)
	if cb.State() != StateOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
}

func TestCall_IgnoredErrors(t *testing.T) {
	remote := errors.New("not found")
	cb := New(Config{
		FailureThreshold: 1,
		Timeout:          time.Hour,
		IsFailure:        func(err error) bool { return !errors.Is(err, remote) },
	})
	for i := 0; i < 3; i++ {
		if err := cb.Call(context.Background(), func() error { return remote }); !errors.Is(err, remote) {
			t.Fatalf("Call() = %v, want remote error", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = cb.Call(ctx, func() error { return ctx.Err() })
	if cb.State() != StateClosed {
		t.Errorf("State() after canceled call = %v, want closed", cb.State())
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
