// Package anonymize rewrites cohorts of DICOM files into the mirrored
// dcm-raw tree, scrubbing identity tags and producing the per-leaf audit.
package anonymize

import (
	"fmt"
	"math"
	"time"
)

// avgDaysPerMonth converts day offsets to fractional months.
const avgDaysPerMonth = 30.4375

// TimepointLabel converts a study date to a pseudo-date label M<nn> encoding
// the offset from the patient's first study, rounded to whole months, snapped
// to the nearest multiple of 6 when within one month of it, and clamped to at
// least M06 for any nonzero offset. Identical dates yield M00. Returns false
// when either date fails to parse.
func TimepointLabel(firstDate, studyDate string) (string, bool) {
	first, err1 := parseDICOMDate(firstDate)
	study, err2 := parseDICOMDate(studyDate)
	if err1 != nil || err2 != nil {
		return "", false
	}
	if first.Equal(study) {
		return "M00", true
	}

	days := math.Abs(study.Sub(first).Hours() / 24)
	m := int(math.Round(days / avgDaysPerMonth))

	// Snap to the nearest half-year when within a month of it.
	nearest := ((m + 3) / 6) * 6
	if abs(m-nearest) <= 1 {
		m = nearest
	}
	if m == 0 {
		m = 6
	}
	return fmt.Sprintf("M%02d", m), true
}

func parseDICOMDate(s string) (time.Time, error) {
	return time.Parse("20060102", s)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
