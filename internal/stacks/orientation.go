// Package stacks groups the instances of a series into homogeneous slice
// groups by acquisition-parameter signature, assigns stable stack indices and
// keys, and updates instance foreign keys in bulk.
package stacks

import (
	"math"
	"strconv"
	"strings"
)

// Orientation is the anatomical plane category of an image.
type Orientation string

const (
	Axial    Orientation = "Axial"
	Coronal  Orientation = "Coronal"
	Sagittal Orientation = "Sagittal"
)

// OrientationFromIOP derives the plane category from an
// ImageOrientationPatient value ("r1\r2\r3\c1\c2\c3"): normalize the row and
// column direction cosines, cross-multiply, and pick the axis of the largest
// absolute component. The confidence is that component's magnitude, so a
// perfectly cardinal plane scores 1.0. Any parse failure defaults to Axial
// with confidence 0.5.
func OrientationFromIOP(iop string) (Orientation, float64) {
	parts := strings.Split(iop, `\`)
	if len(parts) != 6 {
		return Axial, 0.5
	}
	v := make([]float64, 6)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Axial, 0.5
		}
		v[i] = f
	}

	row := normalize(v[0], v[1], v[2])
	col := normalize(v[3], v[4], v[5])
	if row == nil || col == nil {
		return Axial, 0.5
	}

	cross := [3]float64{
		row[1]*col[2] - row[2]*col[1],
		row[2]*col[0] - row[0]*col[2],
		row[0]*col[1] - row[1]*col[0],
	}

	axis, best := 2, math.Abs(cross[2])
	if math.Abs(cross[0]) > best {
		axis, best = 0, math.Abs(cross[0])
	}
	if math.Abs(cross[1]) > best {
		axis, best = 1, math.Abs(cross[1])
	}

	switch axis {
	case 0:
		return Sagittal, best
	case 1:
		return Coronal, best
	default:
		return Axial, best
	}
}

func normalize(x, y, z float64) []float64 {
	n := math.Sqrt(x*x + y*y + z*z)
	if n == 0 || math.IsNaN(n) {
		return nil
	}
	return []float64{x / n, y / n, z / n}
}
