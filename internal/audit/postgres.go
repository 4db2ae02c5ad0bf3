package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLedger is the postgres-backed ledger. Workers share the pool; every call
// acquires its own connection, so nothing is inherited across workers.
type PGLedger struct {
	pool *pgxpool.Pool
}

// NewPGLedger wraps an open pool.
func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) Exists(ctx context.Context, studyUID string) (bool, error) {
	var one int
	err := l.pool.QueryRow(ctx,
		`SELECT 1 FROM anonymize_study_audit WHERE study_instance_uid = $1`, studyUID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query study audit: %w", err)
	}
	return true, nil
}

func (l *PGLedger) MarkComplete(ctx context.Context, studyUID, cohortName, leafRelPath string) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO anonymize_study_audit (study_instance_uid, cohort_name, leaf_rel_path, completed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (study_instance_uid) DO NOTHING`,
		studyUID, cohortName, leafRelPath)
	if err != nil {
		return fmt.Errorf("mark study complete: %w", err)
	}
	return nil
}

func (l *PGLedger) RecordSummary(ctx context.Context, s LeafSummary) error {
	payload, err := json.Marshal(struct {
		Entries []Entry  `json:"entries"`
		Errors  []string `json:"errors,omitempty"`
	}{Entries: s.Entries, Errors: s.Errors})
	if err != nil {
		return fmt.Errorf("marshal leaf summary: %w", err)
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO anonymize_leaf_summary
			(study_instance_uid, cohort_name, leaf_rel_path,
			 files_total, files_written, files_reused, files_with_errors,
			 original_patient_id, new_patient_id, summary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		ON CONFLICT (study_instance_uid) DO UPDATE SET
			cohort_name = EXCLUDED.cohort_name,
			leaf_rel_path = EXCLUDED.leaf_rel_path,
			files_total = EXCLUDED.files_total,
			files_written = EXCLUDED.files_written,
			files_reused = EXCLUDED.files_reused,
			files_with_errors = EXCLUDED.files_with_errors,
			original_patient_id = EXCLUDED.original_patient_id,
			new_patient_id = EXCLUDED.new_patient_id,
			summary = EXCLUDED.summary,
			updated_at = now()`,
		s.StudyUID, s.CohortName, s.LeafRelPath,
		s.FilesTotal, s.FilesWritten, s.FilesReused, s.FilesWithErrors,
		s.OriginalID, s.NewID, payload)
	if err != nil {
		return fmt.Errorf("record leaf summary: %w", err)
	}
	return nil
}

func (l *PGLedger) Summaries(ctx context.Context, cohortName string) ([]LeafSummary, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT study_instance_uid, cohort_name, leaf_rel_path,
		       files_total, files_written, files_reused, files_with_errors,
		       original_patient_id, new_patient_id, summary, updated_at
		FROM anonymize_leaf_summary
		WHERE cohort_name = $1
		ORDER BY study_instance_uid`, cohortName)
	if err != nil {
		return nil, fmt.Errorf("query leaf summaries: %w", err)
	}
	defer rows.Close()

	var out []LeafSummary
	for rows.Next() {
		var (
			s       LeafSummary
			payload []byte
		)
		if err := rows.Scan(&s.StudyUID, &s.CohortName, &s.LeafRelPath,
			&s.FilesTotal, &s.FilesWritten, &s.FilesReused, &s.FilesWithErrors,
			&s.OriginalID, &s.NewID, &payload, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan leaf summary: %w", err)
		}
		var body struct {
			Entries []Entry  `json:"entries"`
			Errors  []string `json:"errors"`
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &body); err != nil {
				return nil, fmt.Errorf("decode summary for %s: %w", s.StudyUID, err)
			}
		}
		s.Entries = body.Entries
		s.Errors = body.Errors
		out = append(out, s)
	}
	return out, rows.Err()
}
