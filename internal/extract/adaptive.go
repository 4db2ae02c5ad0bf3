package extract

import "time"

// ControllerOptions bound the adaptive batch sizing.
type ControllerOptions struct {
	MinBatch      int
	MaxBatch      int
	InitialBatch  int
	GrowFactor    float64
	ShrinkFactor  float64
	TargetLatency time.Duration
}

// defaults mirror a write target of one second per batch.
func (o *ControllerOptions) setDefaults() {
	if o.MinBatch <= 0 {
		o.MinBatch = 50
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 5000
	}
	if o.InitialBatch <= 0 {
		o.InitialBatch = 500
	}
	if o.GrowFactor <= 1 {
		o.GrowFactor = 1.5
	}
	if o.ShrinkFactor <= 0 || o.ShrinkFactor >= 1 {
		o.ShrinkFactor = 0.5
	}
	if o.TargetLatency <= 0 {
		o.TargetLatency = time.Second
	}
}

// NextBatchSize adjusts the batch size from the last commit latency: grow when
// the commit ran well under target, shrink when it ran well over, hold inside
// the dead band. The result is clamped to [MinBatch, MaxBatch].
func NextBatchSize(current int, elapsed time.Duration, o ControllerOptions) int {
	o.setDefaults()
	next := current
	switch {
	case elapsed < time.Duration(0.8*float64(o.TargetLatency)):
		next = int(float64(current) * o.GrowFactor)
	case elapsed > time.Duration(1.25*float64(o.TargetLatency)):
		next = int(float64(current) * o.ShrinkFactor)
	}
	if next < o.MinBatch {
		next = o.MinBatch
	}
	if next > o.MaxBatch {
		next = o.MaxBatch
	}
	return next
}

// ema folds a new latency sample into an exponential moving average with
// smoothing 0.2. A zero previous value seeds from the sample.
func ema(prev, sample time.Duration) time.Duration {
	if prev == 0 {
		return sample
	}
	return time.Duration(0.8*float64(prev) + 0.2*float64(sample))
}
