package httpclient

import (
	"context"
	"testing"
	"time"
)

func TestHostSemaphore_limitsPerHost(t *testing.T) {
	sem := NewHostSemaphore(1)
	release, err := sem.Acquire(context.Background(), "https://cdn.example.com/a.mp4")
	if err != nil {
		t.Fatal(err)
	}

	// Same host, different path: must block until released.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := sem.Acquire(ctx, "https://cdn.example.com/b.mp4"); err == nil {
		t.Fatal("second acquire on same host should time out")
	}

	// Other host is independent.
	other, err := sem.Acquire(context.Background(), "https://other.example.com/c.mp4")
	if err != nil {
		t.Fatalf("other host: %v", err)
	}
	other()

	release()
	release() // idempotent
	again, err := sem.Acquire(context.Background(), "https://cdn.example.com/b.mp4")
	if err != nil {
		t.Fatalf("after release: %v", err)
	}
	again()
}

func TestNewHostSemaphore_minimumOne(t *testing.T) {
	if got := NewHostSemaphore(0).Limit(); got != 1 {
		t.Errorf("Limit() = %d, want 1", got)
	}
}
