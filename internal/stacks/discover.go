package stacks

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Store is the slice of the metadata database stack discovery needs.
type Store interface {
	// SeriesIDs lists every series of the cohort.
	SeriesIDs(ctx context.Context, cohortID int64) ([]int64, error)
	// SeriesInstanceParams reads the stack-defining parameters of every
	// instance of a series.
	SeriesInstanceParams(ctx context.Context, seriesID int64) ([]InstanceParams, error)
	// UpsertStacks writes the stack rows (unique on series_id + stack_index)
	// and returns stack_index → series_stack_id.
	UpsertStacks(ctx context.Context, rows []StackRow) (map[int]int64, error)
	// AssignInstanceStacks bulk-updates instance.series_stack_id.
	AssignInstanceStacks(ctx context.Context, assignments map[int64]int64) error
	// PruneStacks deletes the series' stack rows at or beyond keep, left over
	// from an earlier grouping into more stacks.
	PruneStacks(ctx context.Context, seriesID int64, keep int) error
}

// Summary reports one discovery run.
type Summary struct {
	Series    int
	Stacks    int
	Instances int
}

// Discover walks every series of the cohort, groups its instances into stacks
// by signature, and persists the stack rows plus the instance foreign keys.
// Idempotent: unchanged signatures produce the same indices and rows.
func Discover(ctx context.Context, store Store, cohortID int64, log *zap.Logger) (Summary, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var sum Summary

	seriesIDs, err := store.SeriesIDs(ctx, cohortID)
	if err != nil {
		return sum, fmt.Errorf("list series: %w", err)
	}

	for _, seriesID := range seriesIDs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		params, err := store.SeriesInstanceParams(ctx, seriesID)
		if err != nil {
			return sum, fmt.Errorf("read instance params for series %d: %w", seriesID, err)
		}
		if len(params) == 0 {
			continue
		}

		rows, assignIdx := BuildStacks(seriesID, params)
		stackIDs, err := store.UpsertStacks(ctx, rows)
		if err != nil {
			return sum, fmt.Errorf("upsert stacks for series %d: %w", seriesID, err)
		}

		assignments := make(map[int64]int64, len(assignIdx))
		for instanceID, idx := range assignIdx {
			stackID, ok := stackIDs[idx]
			if !ok {
				return sum, fmt.Errorf("series %d: no stack id for index %d", seriesID, idx)
			}
			assignments[instanceID] = stackID
		}
		if err := store.AssignInstanceStacks(ctx, assignments); err != nil {
			return sum, fmt.Errorf("assign instance stacks for series %d: %w", seriesID, err)
		}
		// Instances are re-pointed above, so rows from a previous, finer
		// grouping can go.
		if err := store.PruneStacks(ctx, seriesID, len(rows)); err != nil {
			return sum, fmt.Errorf("prune stacks for series %d: %w", seriesID, err)
		}

		sum.Series++
		sum.Stacks += len(rows)
		sum.Instances += len(params)
		log.Debug("series stacked",
			zap.Int64("series_id", seriesID),
			zap.Int("stacks", len(rows)),
			zap.Int("instances", len(params)))
	}
	return sum, nil
}
