package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSweeper_Sweep(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	store.Create(ctx, Request{Tool: "t"})
	store.Create(ctx, Request{Tool: "t"})

	sw := NewSweeper(SweeperConfig{Store: store, MaxAge: time.Minute, Logger: testLogger()})

	store.now = func() time.Time { return base.Add(30 * time.Second) }
	assert.Equal(t, 0, sw.Sweep(ctx))

	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.Equal(t, 2, sw.Sweep(ctx))
	assert.Equal(t, 0, sw.Sweep(ctx))
}

func TestSweeper_RunStopsWithContext(t *testing.T) {
	sw := NewSweeper(SweeperConfig{Store: newTestStore(), Interval: 5 * time.Millisecond, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
