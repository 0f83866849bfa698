package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errTest = errors.New("service unavailable")

func TestClosedStateAllowsCalls(t *testing.T) {
	b := NewBreaker(3, time.Second)
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(3, time.Second)

	for range 3 {
		_ = b.Execute(func() error { return errTest })
	}

	err := b.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(2, time.Second)

	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errTest })

	if b.State() != StateClosed {
		t.Fatalf("non-consecutive failures should not open, got %s", b.State())
	}
}

func TestHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }

	_ = b.Execute(func() error { return errTest })
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", b.State())
	}

	// Failed probe reopens.
	_ = b.Execute(func() error { return errTest })
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected reopened circuit, got %v", err)
	}

	// Successful probe closes.
	now = now.Add(time.Second)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe should run, got %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Second)
	b.now = func() time.Time { return now }
	_ = b.Execute(func() error { return errTest })
	now = now.Add(2 * time.Second)

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	go func() {
		_ = b.Execute(func() error {
			started.Done()
			<-release
			return nil
		})
	}()
	started.Wait()

	var rejected atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if errors.Is(b.Execute(func() error { return nil }), ErrCircuitOpen) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)

	if rejected.Load() != 5 {
		t.Fatalf("expected all concurrent calls rejected during probe, got %d", rejected.Load())
	}
}

func TestFailurePredicate(t *testing.T) {
	errBadPayload := errors.New("bad payload")
	b := NewBreaker(1, time.Second, WithFailurePredicate(func(err error) bool {
		return !errors.Is(err, errBadPayload)
	}))

	for range 3 {
		if err := b.Execute(func() error { return errBadPayload }); !errors.Is(err, errBadPayload) {
			t.Fatalf("expected payload error passed through, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("ignored errors must not trip the breaker, got %s", b.State())
	}
}

func TestDoSkipsCancelledContext(t *testing.T) {
	b := NewBreaker(1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatal("fn must not run with a done context")
	}
	if b.State() != StateClosed {
		t.Fatalf("cancellation must not trip the breaker, got %s", b.State())
	}
}

func TestCancellationDuringCallDoesNotTrip(t *testing.T) {
	b := NewBreaker(1, time.Second)
	_ = b.Do(context.Background(), func(context.Context) error { return context.Canceled })
	if b.State() != StateClosed {
		t.Fatalf("context.Canceled must not count, got %s", b.State())
	}
}
