package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCallFailsCleanlyWithoutInterpreter(t *testing.T) {
	c := NewClient(func() string { return "definitely-not-an-interpreter" })
	defer c.Close()

	_, err := c.Call(context.Background(), &Request{Op: "ping"})
	if err == nil {
		t.Fatal("expected error for missing interpreter")
	}
	if !errors.Is(err, ErrRunnerDown) {
		t.Fatalf("expected ErrRunnerDown, got %v", err)
	}
}

func TestCallRecoversAfterFailure(t *testing.T) {
	c := NewClient(func() string { return "definitely-not-an-interpreter" })
	defer c.Close()

	// Every attempt restarts and fails the same way; the client must not
	// wedge after the first failure.
	for i := 0; i < 3; i++ {
		if _, err := c.Call(context.Background(), &Request{Op: "ping"}); err == nil {
			t.Fatal("expected error")
		}
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	c := NewClient(func() string { return "definitely-not-an-interpreter" })
	defer c.Close()

	start := time.Now()
	err := c.WaitReady(context.Background(), 500*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("WaitReady did not respect the timeout")
	}
}
