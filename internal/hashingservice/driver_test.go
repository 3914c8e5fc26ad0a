package hashingservice

import (
	"context"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BackpressureBase != 10*time.Second {
		t.Fatalf("expected 10s base, got %v", cfg.BackpressureBase)
	}
	if cfg.BackpressureJitterFactor != 0.5 {
		t.Fatalf("expected 0.5 jitter factor, got %v", cfg.BackpressureJitterFactor)
	}
	if cfg.MaxInFlight != 64 {
		t.Fatalf("expected 64 max in-flight, got %d", cfg.MaxInFlight)
	}
}

func TestSleepJitterWithinBounds(t *testing.T) {
	d := &Driver{cfg: Config{BackpressureBase: 100 * time.Millisecond, BackpressureJitterFactor: 0.5}}
	for i := 0; i < 20; i++ {
		start := time.Now()
		if !d.sleepJitter(context.Background()) {
			t.Fatal("expected sleepJitter to complete")
		}
		elapsed := time.Since(start)
		if elapsed < 40*time.Millisecond || elapsed > 160*time.Millisecond {
			t.Fatalf("jitter out of expected [50ms,150ms] range (with slack): got %v", elapsed)
		}
	}
}

func TestSleepJitterCancelledByContext(t *testing.T) {
	d := &Driver{cfg: Config{BackpressureBase: time.Minute, BackpressureJitterFactor: 0.5}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if d.sleepJitter(ctx) {
		t.Fatal("expected sleepJitter to report cancellation")
	}
}
