package resilience

import (
	"context"
	"testing"
	"time"
)

func TestLimiterBurst(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 1, Burst: 2})
	if !l.Allow() || !l.Allow() {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow() {
		t.Fatal("third call should be limited")
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(LimiterOpts{})
	for i := 0; i < 100; i++ {
		if !l.Allow() {
			t.Fatalf("call %d limited with zero rate", i)
		}
	}
}

func TestLimiterWaitRespectsContext(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 0.001})
	l.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected wait to fail")
	}
}

func TestLimiterWaitPaces(t *testing.T) {
	l := NewLimiter(LimiterOpts{Rate: 100})
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("three requests at 100/s finished in %v", elapsed)
	}
}
