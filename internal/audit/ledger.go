// Package audit is the durable per-study record of the anonymization pass.
// Two tables keyed by StudyInstanceUID form the ledger: a completion marker
// whose presence means "never reprocess this leaf", and a summary row holding
// counters plus the deduplicated tag-level audit for the leaf. The ledger is
// the only rendezvous between anonymization workers.
package audit

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// Action classifies what the anonymization pass did to a tag.
type Action string

const (
	ActionReplaced Action = "replaced"
	ActionAdded    Action = "added"
	ActionRemoved  Action = "removed"
	ActionRetained Action = "retained"
)

// maxValueLen caps stored tag values so exports stay well-formed.
const maxValueLen = 256

// Event is one tag-level audit event from a single anonymization pass.
type Event struct {
	RelPath  string
	StudyUID string
	TagCode  string // "GGGG,EEEE"
	TagName  string
	Action   Action
	OldValue string
	NewValue string
}

// Entry is the deduplicated per-tag record inside a leaf summary: the first
// observed old value, the latest new value, and whether distinct new values
// collided within the leaf.
type Entry struct {
	TagCode       string `json:"tag"`
	TagName       string `json:"tag_name"`
	Action        Action `json:"action"`
	OldValue      string `json:"old_value,omitempty"`
	NewValue      string `json:"new_value,omitempty"`
	ValueConflict bool   `json:"value_conflict,omitempty"`
}

// LeafSummary aggregates one leaf: all instances of one StudyInstanceUID
// under one top-level patient folder.
type LeafSummary struct {
	StudyUID        string    `json:"study_instance_uid"`
	CohortName      string    `json:"cohort_name"`
	LeafRelPath     string    `json:"leaf_rel_path"`
	FilesTotal      int       `json:"files_total"`
	FilesWritten    int       `json:"files_written"`
	FilesReused     int       `json:"files_reused"`
	FilesWithErrors int       `json:"files_with_errors"`
	OriginalID      string    `json:"original_patient_id,omitempty"`
	NewID           string    `json:"new_patient_id,omitempty"`
	Entries         []Entry   `json:"entries"`
	Errors          []string  `json:"errors,omitempty"`
	UpdatedAt       time.Time `json:"-"`
}

// Ledger is the per-study audit store.
type Ledger interface {
	// Exists reports whether the leaf is fully audited.
	Exists(ctx context.Context, studyUID string) (bool, error)
	// MarkComplete inserts the completion marker if absent.
	MarkComplete(ctx context.Context, studyUID, cohortName, leafRelPath string) error
	// RecordSummary upserts the leaf summary row.
	RecordSummary(ctx context.Context, s LeafSummary) error
	// Summaries returns every leaf summary of a cohort, for export.
	Summaries(ctx context.Context, cohortName string) ([]LeafSummary, error)
}

// SanitizeValue flattens newlines and caps the length of a stored tag value.
// The cap lands on a rune boundary: a byte-level cut could split a multi-byte
// character and the resulting invalid UTF-8 would be rejected on storage.
func SanitizeValue(v string) string {
	v = strings.ReplaceAll(v, "\r\n", " ")
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "\r", " ")
	if len(v) > maxValueLen {
		cut := maxValueLen
		for cut > 0 && !utf8.RuneStart(v[cut]) {
			cut--
		}
		v = v[:cut]
	}
	return strings.TrimSpace(v)
}

// DedupEvents folds per-file events into per-tag entries. The first observed
// old value is retained; each subsequent new value overwrites, and a conflict
// between distinct non-empty new values is flagged.
func DedupEvents(events []Event) []Entry {
	byTag := make(map[string]*Entry)
	var order []string
	for _, ev := range events {
		e, ok := byTag[ev.TagCode]
		if !ok {
			e = &Entry{
				TagCode:  ev.TagCode,
				TagName:  ev.TagName,
				Action:   ev.Action,
				OldValue: SanitizeValue(ev.OldValue),
				NewValue: SanitizeValue(ev.NewValue),
			}
			byTag[ev.TagCode] = e
			order = append(order, ev.TagCode)
			continue
		}
		newVal := SanitizeValue(ev.NewValue)
		if newVal != "" && e.NewValue != "" && newVal != e.NewValue {
			e.ValueConflict = true
		}
		if newVal != "" {
			e.NewValue = newVal
		}
		e.Action = ev.Action
	}

	out := make([]Entry, 0, len(byTag))
	for _, code := range order {
		out = append(out, *byTag[code])
	}
	return out
}
