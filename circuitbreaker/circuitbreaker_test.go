package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(3, time.Minute, zaptest.NewLogger(t))
	failing := func() error { return errors.New("upstream down") }

	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), failing); err == nil {
			t.Fatal("Expected failure to propagate")
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected open state after 3 failures, got %v", cb.GetState())
	}

	err := cb.Execute(context.Background(), func() error {
		t.Fatal("Function must not run while the circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := New(1, 10*time.Millisecond, zaptest.NewLogger(t))
	cb.Execute(context.Background(), func() error { return errors.New("boom") })
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected open state, got %v", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)
	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Expected half-open probe to run, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("Expected closed state after successful probe, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(1, 10*time.Millisecond, zaptest.NewLogger(t))
	cb.Execute(context.Background(), func() error { return errors.New("boom") })

	time.Sleep(20 * time.Millisecond)
	cb.Execute(context.Background(), func() error { return errors.New("still down") })
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected reopened circuit, got %v", cb.GetState())
	}
}

func TestCircuitBreaker_SlowCallDoesNotBlockOthers(t *testing.T) {
	cb := New(3, time.Minute, zaptest.NewLogger(t))

	release := make(chan struct{})
	slowStarted := make(chan struct{})
	go cb.Execute(context.Background(), func() error {
		close(slowStarted)
		<-release
		return nil
	})
	<-slowStarted

	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func() error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Concurrent call failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Concurrent call blocked behind a slow one")
	}
	close(release)
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := New(3, time.Minute, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error {
		t.Fatal("Function must not run with a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}
