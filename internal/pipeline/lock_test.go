package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestKeyedMutex_Serializes(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	_, unlock, err := k.Lock(ctx, "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		_, u, err := k.Lock(ctx, "P1")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("expected second Lock to block while the key is held")
	case <-time.After(20 * time.Millisecond):
	}

	_, other, err := k.Lock(ctx, "P2")
	if err != nil {
		t.Fatalf("expected other key to lock independently, got %v", err)
	}
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("expected second Lock to acquire after unlock")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	k := NewKeyedMutex()
	_, unlock, err := k.Lock(context.Background(), "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := k.Lock(ctx, "P1"); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if k.Len() != 1 {
		t.Errorf("expected 1 entry while held, got %d", k.Len())
	}

	unlock()
	unlock()
	if k.Len() != 0 {
		t.Errorf("expected entries to be dropped, got %d", k.Len())
	}
}

func TestKeyedMutex_ReturnsCallerContext(t *testing.T) {
	k := NewKeyedMutex()
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")

	got, unlock, err := k.Lock(ctx, "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()
	if got.Value(key{}) != "v" {
		t.Error("expected the caller's context back")
	}
}
