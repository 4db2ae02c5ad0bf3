package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is an in-process ledger used for dry runs and tests. Same
// semantics as the postgres ledger, no durability.
type MemoryLedger struct {
	mu        sync.Mutex
	complete  map[string]bool
	summaries map[string]LeafSummary
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		complete:  make(map[string]bool),
		summaries: make(map[string]LeafSummary),
	}
}

func (m *MemoryLedger) Exists(_ context.Context, studyUID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete[studyUID], nil
}

func (m *MemoryLedger) MarkComplete(_ context.Context, studyUID, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complete[studyUID] = true
	return nil
}

func (m *MemoryLedger) RecordSummary(_ context.Context, s LeafSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now()
	m.summaries[s.StudyUID] = s
	return nil
}

func (m *MemoryLedger) Summaries(_ context.Context, cohortName string) ([]LeafSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LeafSummary
	for _, s := range m.summaries {
		if cohortName == "" || s.CohortName == cohortName {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudyUID < out[j].StudyUID })
	return out, nil
}
