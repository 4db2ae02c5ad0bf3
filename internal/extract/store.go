package extract

import "context"

// DuplicatePolicy decides what a batch write does with an instance whose SOP
// UID is already persisted.
type DuplicatePolicy string

const (
	DuplicateSkip      DuplicatePolicy = "skip"
	DuplicateOverwrite DuplicatePolicy = "overwrite"
	DuplicateAbort     DuplicatePolicy = "abort"
)

// Valid reports whether the policy is one of the three known values.
func (p DuplicatePolicy) Valid() bool {
	switch p {
	case DuplicateSkip, DuplicateOverwrite, DuplicateAbort:
		return true
	}
	return false
}

// BatchResult counts what one batch write persisted.
type BatchResult struct {
	Subjects    int
	Studies     int
	Series      int
	Instances   int
	Skipped     int
	Overwritten int
}

func (r *BatchResult) add(o BatchResult) {
	r.Subjects += o.Subjects
	r.Studies += o.Studies
	r.Series += o.Series
	r.Instances += o.Instances
	r.Skipped += o.Skipped
	r.Overwritten += o.Overwritten
}

// Store is the slice of the metadata database extraction needs. WriteBatch
// commits each payload's full hierarchy atomically: either the subject, study,
// series and instance rows of a payload all land or none of them do.
type Store interface {
	EnsureCohort(ctx context.Context, name string) (int64, error)
	// LoadPathIndex returns the relative paths of every instance already
	// persisted for the cohort, for path-level resume.
	LoadPathIndex(ctx context.Context, cohortID int64) (map[string]bool, error)
	// LoadSeriesTokens returns, per series UID, the highest SOP UID persisted,
	// for token-level resume.
	LoadSeriesTokens(ctx context.Context, cohortID int64) (map[string]string, error)
	WriteBatch(ctx context.Context, cohortID int64, payloads []Payload, policy DuplicatePolicy) (BatchResult, error)
}
