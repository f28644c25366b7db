package async

import (
	"context"
	"testing"
	"time"
)

func TestGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "test", func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine never ran")
	}
}

func TestGoCtxCancel(t *testing.T) {
	canceled := make(chan struct{})
	cancel := GoCtx(context.Background(), nil, "test", func(ctx context.Context) {
		<-ctx.Done()
		close(canceled)
	})
	cancel()
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("cancel never propagated")
	}
}

func TestGoWithTimeout(t *testing.T) {
	expired := make(chan struct{})
	cancel := GoWithTimeout(context.Background(), nil, "test", 10*time.Millisecond, func(ctx context.Context) {
		<-ctx.Done()
		close(expired)
	})
	defer cancel()
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}
