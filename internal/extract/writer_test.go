package extract

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeStore records batches in memory.
type fakeStore struct {
	mu      sync.Mutex
	batches [][]Payload
	seen    map[string]bool
	failOn  string // SOP UID whose batch write fails
	delay   time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: make(map[string]bool)}
}

func (f *fakeStore) EnsureCohort(context.Context, string) (int64, error) { return 1, nil }

func (f *fakeStore) LoadPathIndex(context.Context, int64) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (f *fakeStore) LoadSeriesTokens(context.Context, int64) (map[string]string, error) {
	return map[string]string{}, nil
}

func (f *fakeStore) WriteBatch(_ context.Context, _ int64, payloads []Payload, policy DuplicatePolicy) (BatchResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var res BatchResult
	for _, p := range payloads {
		if p.SOPUID == f.failOn {
			return res, fmt.Errorf("write %s failed", p.SOPUID)
		}
		if f.seen[p.SOPUID] {
			switch policy {
			case DuplicateOverwrite:
				res.Overwritten++
			default:
				res.Skipped++
			}
			continue
		}
		f.seen[p.SOPUID] = true
		res.Instances++
	}
	cp := make([]Payload, len(payloads))
	copy(cp, payloads)
	f.batches = append(f.batches, cp)
	return res, nil
}

func (f *fakeStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func payloadN(n int) Payload {
	return Payload{
		SubjectKey:  "sub",
		SubjectCode: "S001",
		StudyUID:    "1.2.3",
		SeriesUID:   "1.2.3.4",
		SOPUID:      fmt.Sprintf("1.2.3.4.%d", n),
		Modality:    "MR",
	}
}

func TestWriterDrainsQueue(t *testing.T) {
	store := newFakeStore()
	w := NewWriter(store, 1, DuplicateSkip, ControllerOptions{InitialBatch: 10}, nil)

	queue := make(chan Payload, 64)
	for i := 0; i < 25; i++ {
		queue <- payloadN(i)
	}
	close(queue)

	require.NoError(t, w.Run(context.Background(), queue))
	require.Equal(t, 25, store.total())
	require.Equal(t, 25, w.Metrics().Persisted.Instances)
	require.GreaterOrEqual(t, len(store.batches), 2)
}

func TestWriterFinalPartialBatch(t *testing.T) {
	store := newFakeStore()
	w := NewWriter(store, 1, DuplicateSkip, ControllerOptions{InitialBatch: 100}, nil)

	queue := make(chan Payload, 8)
	for i := 0; i < 3; i++ {
		queue <- payloadN(i)
	}
	close(queue)

	require.NoError(t, w.Run(context.Background(), queue))
	require.Equal(t, 3, store.total())
}

func TestWriterPropagatesStoreError(t *testing.T) {
	store := newFakeStore()
	store.failOn = "1.2.3.4.1"
	w := NewWriter(store, 1, DuplicateSkip, ControllerOptions{InitialBatch: 10}, nil)

	queue := make(chan Payload, 8)
	queue <- payloadN(0)
	queue <- payloadN(1)
	close(queue)

	require.Error(t, w.Run(context.Background(), queue))
}

func TestWriterCommitsAfterCancellation(t *testing.T) {
	store := newFakeStore()
	w := NewWriter(store, 1, DuplicateSkip, ControllerOptions{InitialBatch: 10}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	queue := make(chan Payload, 8)
	for i := 0; i < 5; i++ {
		queue <- payloadN(i)
	}
	cancel()
	close(queue)

	// Already-queued payloads still land; the commit context is detached.
	require.NoError(t, w.Run(ctx, queue))
	require.Equal(t, 5, store.total())
}
