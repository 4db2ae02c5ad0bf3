package stacks

import (
	"math"
	"testing"
)

func TestOrientationFromIOP(t *testing.T) {
	tests := []struct {
		name     string
		iop      string
		want     Orientation
		wantConf float64
	}{
		{"axial", `1\0\0\0\1\0`, Axial, 1.0},
		{"coronal", `1\0\0\0\0\-1`, Coronal, 1.0},
		{"sagittal", `0\1\0\0\0\-1`, Sagittal, 1.0},
		{"tilted axial", `0.999\0.044\0\-0.044\0.999\0`, Axial, 1.0},
		{"empty", "", Axial, 0.5},
		{"wrong arity", `1\0\0\0\1`, Axial, 0.5},
		{"garbage", `a\b\c\d\e\f`, Axial, 0.5},
		{"zero vectors", `0\0\0\0\0\0`, Axial, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, conf := OrientationFromIOP(tt.iop)
			if got != tt.want {
				t.Errorf("OrientationFromIOP(%q) = %v, want %v", tt.iop, got, tt.want)
			}
			if math.Abs(conf-tt.wantConf) > 0.01 {
				t.Errorf("OrientationFromIOP(%q) confidence = %v, want %v", tt.iop, conf, tt.wantConf)
			}
		})
	}
}

func TestOrientationObliqueConfidence(t *testing.T) {
	// 45 degrees between axial and coronal: still categorized, lower confidence.
	iop := `1\0\0\0\0.7071\-0.7071`
	cat, conf := OrientationFromIOP(iop)
	if cat != Axial && cat != Coronal {
		t.Fatalf("oblique plane categorized as %v", cat)
	}
	if conf > 0.8 || conf < 0.6 {
		t.Errorf("oblique confidence = %v, want ~0.707", conf)
	}
}
