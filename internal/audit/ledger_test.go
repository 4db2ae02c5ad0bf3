package audit

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeValue(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "DOE^JOHN", "DOE^JOHN"},
		{"newlines flattened", "line1\nline2\r\nline3", "line1 line2 line3"},
		{"trimmed", "  padded  ", "padded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeValue(tt.in); got != tt.want {
				t.Errorf("SanitizeValue(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeValueCapsLength(t *testing.T) {
	long := strings.Repeat("x", 1000)
	if got := SanitizeValue(long); len(got) > 256 {
		t.Errorf("sanitized value is %d bytes, want <= 256", len(got))
	}
}

func TestSanitizeValueCapsOnRuneBoundary(t *testing.T) {
	// 2-byte runes landing a boundary inside the 256-byte cap: the cut must
	// back off to the rune start and stay valid UTF-8.
	long := "x" + strings.Repeat("é", 300)
	got := SanitizeValue(long)
	if !utf8.ValidString(got) {
		t.Errorf("sanitized value is not valid UTF-8: %q", got[len(got)-4:])
	}
	if len(got) > 256 {
		t.Errorf("sanitized value is %d bytes, want <= 256", len(got))
	}
	if got != "x"+strings.Repeat("é", 127) {
		t.Errorf("cut landed at %d bytes, want 255", len(got))
	}
}

func TestDedupEvents(t *testing.T) {
	events := []Event{
		{TagCode: "0010,0020", TagName: "PatientID", Action: ActionReplaced, OldValue: "PAT1", NewValue: "S001"},
		{TagCode: "0008,0020", TagName: "StudyDate", Action: ActionReplaced, OldValue: "20200101", NewValue: "M06"},
		{TagCode: "0010,0020", TagName: "PatientID", Action: ActionReplaced, OldValue: "other-old", NewValue: "S001"},
	}
	entries := DedupEvents(events)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// First old value wins; insertion order preserved.
	if entries[0].TagCode != "0010,0020" || entries[0].OldValue != "PAT1" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[0].ValueConflict {
		t.Error("identical new values flagged as conflict")
	}
	if entries[1].TagCode != "0008,0020" {
		t.Errorf("entry order not preserved: %+v", entries[1])
	}
}

func TestDedupEventsConflict(t *testing.T) {
	events := []Event{
		{TagCode: "0010,0020", TagName: "PatientID", Action: ActionReplaced, OldValue: "PAT1", NewValue: "S001"},
		{TagCode: "0010,0020", TagName: "PatientID", Action: ActionReplaced, OldValue: "PAT1", NewValue: "S002"},
	}
	entries := DedupEvents(events)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if !entries[0].ValueConflict {
		t.Error("distinct new values not flagged as conflict")
	}
	// The latest new value is kept.
	if entries[0].NewValue != "S002" {
		t.Errorf("new value = %q, want S002", entries[0].NewValue)
	}
}

func TestMemoryLedgerAtMostOnce(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	done, err := l.Exists(ctx, "1.2.3")
	if err != nil || done {
		t.Fatalf("Exists on empty ledger = %v, %v", done, err)
	}
	if err := l.MarkComplete(ctx, "1.2.3", "COHORT", "p1/study"); err != nil {
		t.Fatal(err)
	}
	done, err = l.Exists(ctx, "1.2.3")
	if err != nil || !done {
		t.Fatalf("Exists after MarkComplete = %v, %v", done, err)
	}
	// Second mark is a no-op, not an error.
	if err := l.MarkComplete(ctx, "1.2.3", "COHORT", "p1/study"); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryLedgerSummaries(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	for _, uid := range []string{"1.2.9", "1.2.1"} {
		err := l.RecordSummary(ctx, LeafSummary{StudyUID: uid, CohortName: "COHORT"})
		if err != nil {
			t.Fatal(err)
		}
	}
	err := l.RecordSummary(ctx, LeafSummary{StudyUID: "9.9.9", CohortName: "OTHER"})
	if err != nil {
		t.Fatal(err)
	}

	got, err := l.Summaries(ctx, "COHORT")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d summaries, want 2", len(got))
	}
	if got[0].StudyUID != "1.2.1" || got[1].StudyUID != "1.2.9" {
		t.Errorf("summaries not ordered by study uid: %s, %s", got[0].StudyUID, got[1].StudyUID)
	}
}
