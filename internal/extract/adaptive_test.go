package extract

import (
	"testing"
	"time"
)

func TestNextBatchSize(t *testing.T) {
	opts := ControllerOptions{
		MinBatch:      50,
		MaxBatch:      5000,
		GrowFactor:    1.5,
		ShrinkFactor:  0.5,
		TargetLatency: time.Second,
	}
	tests := []struct {
		name    string
		current int
		elapsed time.Duration
		want    int
	}{
		{"fast commit grows", 1000, 500 * time.Millisecond, 1500},
		{"slow commit shrinks", 1000, 2 * time.Second, 500},
		{"inside dead band holds", 1000, time.Second, 1000},
		{"just under upper bound holds", 1000, 1200 * time.Millisecond, 1000},
		{"just over lower bound holds", 1000, 850 * time.Millisecond, 1000},
		{"clamped to max", 4000, 100 * time.Millisecond, 5000},
		{"clamped to min", 80, 10 * time.Second, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextBatchSize(tt.current, tt.elapsed, opts); got != tt.want {
				t.Errorf("NextBatchSize(%d, %v) = %d, want %d", tt.current, tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestEMA(t *testing.T) {
	if got := ema(0, time.Second); got != time.Second {
		t.Errorf("seed = %v, want 1s", got)
	}
	got := ema(time.Second, 2*time.Second)
	if got <= time.Second || got >= 2*time.Second {
		t.Errorf("ema(1s, 2s) = %v, want between", got)
	}
}
