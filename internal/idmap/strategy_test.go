package idmap

import "testing"

func TestFormatPattern(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    string
	}{
		{"SUBJ-XXXX", "7", "SUBJ-0007"},
		{"SUBJ-XXXX", "12345", "SUBJ-12345"},
		{"XXX", "42", "042"},
		{"SUBJ-XXXX", "abc", "SUBJ-abc"},
		{"no-placeholder", "9", "9"},
		{"pre-XX-post", "3", "pre-03-post"},
	}
	for _, tt := range tests {
		if got := FormatPattern(tt.pattern, tt.value); got != tt.want {
			t.Errorf("FormatPattern(%q, %q) = %q, want %q", tt.pattern, tt.value, got, tt.want)
		}
	}
}

func TestNoneIsIdentity(t *testing.T) {
	s := NewNone()
	got, err := s.Map("PAT123", "PAT123/study/file.dcm")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got != "PAT123" {
		t.Errorf("Map = %q, want identity", got)
	}
	maps := s.Mappings()
	if len(maps) != 1 || maps[0].Original != "PAT123" || maps[0].Anonymized != "PAT123" {
		t.Errorf("Mappings = %v", maps)
	}
}

func TestDeterministicStable(t *testing.T) {
	a, err := NewDeterministic("SUBJ-XXXX", "pepper")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewDeterministic("SUBJ-XXXX", "pepper")
	if err != nil {
		t.Fatal(err)
	}

	first, _ := a.Map("PAT123", "")
	second, _ := a.Map("PAT123", "")
	other, _ := b.Map("PAT123", "")
	if first != second || first != other {
		t.Errorf("same input diverged: %q %q %q", first, second, other)
	}
	if len(first) != len("SUBJ-0000") {
		t.Errorf("formatted id %q does not fill the pattern", first)
	}

	differentSalt, err := NewDeterministic("SUBJ-XXXX", "other")
	if err != nil {
		t.Fatal(err)
	}
	changed, _ := differentSalt.Map("PAT123", "")
	if changed == first {
		t.Errorf("salt change did not change the id (%q)", changed)
	}
}

func TestDeterministicRequiresPlaceholders(t *testing.T) {
	if _, err := NewDeterministic("no-placeholder", "salt"); err == nil {
		t.Error("expected error for pattern without X placeholders")
	}
}

func TestSequential(t *testing.T) {
	s, err := NewSequential([]string{"PAT-B", "PAT-A", "PAT-B"}, "SXXX", 1)
	if err != nil {
		t.Fatal(err)
	}
	// Discovery order wins; duplicates keep their first number.
	if got, _ := s.Map("PAT-B", ""); got != "S001" {
		t.Errorf("PAT-B = %q, want S001", got)
	}
	if got, _ := s.Map("PAT-A", ""); got != "S002" {
		t.Errorf("PAT-A = %q, want S002", got)
	}
	// An undiscovered original extends the table.
	if got, _ := s.Map("PAT-C", ""); got != "S003" {
		t.Errorf("PAT-C = %q, want S003", got)
	}
	if got, _ := s.Map("PAT-C", ""); got != "S003" {
		t.Errorf("repeat PAT-C = %q, want S003", got)
	}
}

func TestFolderRegex(t *testing.T) {
	s, err := NewFolder(FolderOptions{Segment: 0, Regex: `sub-(\d+)`, Pattern: "SXXXX"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Map("orig", "sub-042/ses-01/file.dcm")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got != "S0042" {
		t.Errorf("Map = %q, want S0042", got)
	}

	if _, err := s.Map("orig", "patient42/ses-01/file.dcm"); err == nil {
		t.Error("expected error for non-matching segment")
	}
}

func TestFolderLiteral(t *testing.T) {
	s, err := NewFolder(FolderOptions{Segment: 0, Literal: "patient_"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Map("orig", "patient_17/file.dcm")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got != "17" {
		t.Errorf("Map = %q, want 17", got)
	}

	if _, err := s.Map("orig", "patient_/file.dcm"); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestCSVTableAndHashFallback(t *testing.T) {
	s, err := NewCSV(CSVOptions{
		Table:    map[string]string{"PAT-A": "COHORT-001", "PAT-B": ""},
		Fallback: FallbackHash,
		Pattern:  "HXXXX",
		Salt:     "pepper",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Map("PAT-A", "PAT-A/f.dcm"); got != "COHORT-001" {
		t.Errorf("mapped original = %q, want COHORT-001", got)
	}
	// Empty target cell falls back like an unmapped original.
	fromEmpty, _ := s.Map("PAT-B", "PAT-B/f.dcm")
	if fromEmpty == "" || fromEmpty == "COHORT-001" {
		t.Errorf("empty cell produced %q", fromEmpty)
	}
	again, _ := s.Map("PAT-B", "PAT-B/f.dcm")
	if fromEmpty != again {
		t.Errorf("hash fallback not stable: %q vs %q", fromEmpty, again)
	}
}

func TestCSVSequentialFallback(t *testing.T) {
	s, err := NewCSV(CSVOptions{
		Table:    map[string]string{},
		Fallback: FallbackSequential,
		Pattern:  "NXX",
		Start:    5,
	})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := s.Map("PAT-A", "folderA/x/f.dcm")
	b, _ := s.Map("PAT-B", "folderB/x/f.dcm")
	aAgain, _ := s.Map("PAT-A2", "folderA/y/g.dcm")
	if a != "N05" || b != "N06" {
		t.Errorf("sequential fallback = %q, %q; want N05, N06", a, b)
	}
	// Same top folder shares its number.
	if aAgain != "N05" {
		t.Errorf("same top folder produced %q, want N05", aAgain)
	}
}
