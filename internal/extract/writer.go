package extract

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Metrics is a point-in-time snapshot of the writer.
type Metrics struct {
	Persisted  BatchResult
	Batches    int
	BatchSize  int
	EMALatency time.Duration
	QueueHigh  int // largest committed batch
	LastCommit time.Time
}

// Writer drains the payload queue into the store in adaptive batches. A single
// writer owns all database writes; the readers only ever touch the queue.
type Writer struct {
	store    Store
	cohortID int64
	policy   DuplicatePolicy
	ctrl     ControllerOptions
	log      *zap.Logger

	mu      sync.Mutex
	metrics Metrics
}

// NewWriter builds a writer around the store. The controller options are
// defaulted in place.
func NewWriter(store Store, cohortID int64, policy DuplicatePolicy, ctrl ControllerOptions, log *zap.Logger) *Writer {
	ctrl.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		store:    store,
		cohortID: cohortID,
		policy:   policy,
		ctrl:     ctrl,
		log:      log,
		metrics:  Metrics{BatchSize: ctrl.InitialBatch},
	}
}

// Metrics returns a copy of the current counters.
func (w *Writer) Metrics() Metrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

// Run consumes the queue until it is closed and commits every pending payload,
// including a final partial batch. Cancellation does not drop queued payloads:
// the readers stop feeding the queue and close it, and the writer finishes
// what is already buffered using a commit context detached from cancellation.
func (w *Writer) Run(ctx context.Context, queue <-chan Payload) error {
	commitCtx := context.WithoutCancel(ctx)
	batch := make([]Payload, 0, w.ctrl.InitialBatch)
	size := w.ctrl.InitialBatch

	for {
		p, ok := <-queue
		if !ok {
			if len(batch) > 0 {
				if err := w.commit(commitCtx, batch, &size); err != nil {
					return err
				}
			}
			return nil
		}
		batch = append(batch, p)
		batch, ok = w.fill(queue, batch, size)
		if err := w.commit(commitCtx, batch, &size); err != nil {
			return err
		}
		batch = batch[:0]
		if !ok {
			return nil
		}
	}
}

// fill greedily tops the batch up to size, waiting briefly for stragglers so a
// slow reader does not force single-payload commits. Returns false when the
// queue closed.
func (w *Writer) fill(queue <-chan Payload, batch []Payload, size int) ([]Payload, bool) {
	idle := time.NewTimer(200 * time.Millisecond)
	defer idle.Stop()
	for len(batch) < size {
		select {
		case p, ok := <-queue:
			if !ok {
				return batch, false
			}
			batch = append(batch, p)
		case <-idle.C:
			return batch, true
		}
	}
	return batch, true
}

// commit writes one batch and folds the latency into the adaptive size.
func (w *Writer) commit(ctx context.Context, batch []Payload, size *int) error {
	start := time.Now()
	res, err := w.store.WriteBatch(ctx, w.cohortID, batch, w.policy)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	next := NextBatchSize(*size, elapsed, w.ctrl)

	w.mu.Lock()
	w.metrics.Persisted.add(res)
	w.metrics.Batches++
	w.metrics.BatchSize = next
	w.metrics.EMALatency = ema(w.metrics.EMALatency, elapsed)
	w.metrics.LastCommit = time.Now()
	if len(batch) > w.metrics.QueueHigh {
		w.metrics.QueueHigh = len(batch)
	}
	w.mu.Unlock()

	if next != *size {
		w.log.Debug("batch size adjusted",
			zap.Int("from", *size),
			zap.Int("to", next),
			zap.Duration("elapsed", elapsed))
	}
	*size = next
	return nil
}
