package anonymize

import "testing"

func TestTimepointLabel(t *testing.T) {
	tests := []struct {
		name      string
		firstDate string
		studyDate string
		want      string
	}{
		{"same date", "20200101", "20200101", "M00"},
		{"one week later snaps to M06", "20200101", "20200108", "M06"},
		{"three months stays M03", "20200101", "20200401", "M03"},
		{"five months snaps to M06", "20200101", "20200601", "M06"},
		{"seven months snaps to M06", "20200101", "20200801", "M06"},
		{"eleven months snaps to M12", "20200101", "20201201", "M12"},
		{"twenty three months snaps to M24", "20200101", "20211201", "M24"},
		{"fifteen months stays M15", "20200101", "20210401", "M15"},
		{"two years", "20200101", "20220101", "M24"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TimepointLabel(tt.firstDate, tt.studyDate)
			if !ok {
				t.Fatalf("TimepointLabel(%q, %q) did not parse", tt.firstDate, tt.studyDate)
			}
			if got != tt.want {
				t.Errorf("TimepointLabel(%q, %q) = %q, want %q", tt.firstDate, tt.studyDate, got, tt.want)
			}
		})
	}
}

func TestTimepointLabelInvalidDate(t *testing.T) {
	if _, ok := TimepointLabel("20200101", "not-a-date"); ok {
		t.Error("expected failure for unparsable study date")
	}
	if _, ok := TimepointLabel("bad", "20200101"); ok {
		t.Error("expected failure for unparsable first date")
	}
}
