package stacks

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// StackKey classifies why a series splits into multiple stacks. An empty key
// means the series has a single stack.
type StackKey string

const (
	KeyNone               StackKey = ""
	KeyMultiEcho          StackKey = "multi_echo"
	KeyMultiTI            StackKey = "multi_ti"
	KeyMultiOrientation   StackKey = "multi_orientation"
	KeyImageTypeVariation StackKey = "image_type_variation"
)

// InstanceParams are the stack-defining parameters of one instance, as
// persisted by extraction.
type InstanceParams struct {
	InstanceID int64
	SOPUID     string

	EchoTime        *float64
	RepetitionTime  *float64
	InversionTime   *float64
	FlipAngle       *float64
	EchoNumbers     string
	EchoTrainLength *int
	CoilName        string
	Orientation     string // raw ImageOrientationPatient
	ImageType       string

	KVP         *float64
	TubeCurrent *float64
	Exposure    *float64

	BedIndex  string
	FrameType string
}

// Signature is the rounded parameter tuple that defines stack identity. The
// rounding rules live here and only here: echo, repetition and inversion time
// and flip angle to one decimal, KVP, tube current and exposure to integers.
// Compute and FromStackRecord are exact inverses through these rules.
type Signature struct {
	EchoTime       *float64
	RepetitionTime *float64
	InversionTime  *float64
	FlipAngle      *float64

	KVP         *int
	TubeCurrent *int
	Exposure    *int

	OrientationCat  Orientation
	OrientationConf float64
	ImageType       string

	CoilName    string
	EchoNumbers string
	FrameType   string
	BedIndex    string
}

// Compute derives an instance's signature.
func Compute(p InstanceParams) Signature {
	cat, conf := OrientationFromIOP(p.Orientation)
	return Signature{
		EchoTime:        round1(p.EchoTime),
		RepetitionTime:  round1(p.RepetitionTime),
		InversionTime:   round1(p.InversionTime),
		FlipAngle:       round1(p.FlipAngle),
		KVP:             roundInt(p.KVP),
		TubeCurrent:     roundInt(p.TubeCurrent),
		Exposure:        roundInt(p.Exposure),
		OrientationCat:  cat,
		OrientationConf: conf,
		ImageType:       strings.TrimSpace(p.ImageType),
		CoilName:        strings.TrimSpace(p.CoilName),
		EchoNumbers:     strings.TrimSpace(p.EchoNumbers),
		FrameType:       strings.TrimSpace(p.FrameType),
		BedIndex:        strings.TrimSpace(p.BedIndex),
	}
}

// FromStackRecord reconstructs the signature of a persisted stack row. The
// row stores already-rounded values, so no further rounding applies.
func FromStackRecord(r StackRow) Signature {
	return Signature{
		EchoTime:        r.EchoTime,
		RepetitionTime:  r.RepetitionTime,
		InversionTime:   r.InversionTime,
		FlipAngle:       r.FlipAngle,
		KVP:             r.KVP,
		TubeCurrent:     r.TubeCurrent,
		Exposure:        r.Exposure,
		OrientationCat:  Orientation(r.OrientationCat),
		OrientationConf: r.OrientationConf,
		ImageType:       r.ImageType,
		CoilName:        r.CoilName,
		EchoNumbers:     r.EchoNumbers,
		FrameType:       r.FrameType,
		BedIndex:        r.BedIndex,
	}
}

// Key is the equality key for grouping. Orientation confidence is excluded:
// slight numeric noise must not split a stack.
func (s Signature) Key() string {
	return strings.Join([]string{
		fmtFloat(s.EchoTime),
		fmtFloat(s.RepetitionTime),
		fmtFloat(s.InversionTime),
		fmtFloat(s.FlipAngle),
		fmtInt(s.KVP),
		fmtInt(s.TubeCurrent),
		fmtInt(s.Exposure),
		string(s.OrientationCat),
		s.ImageType,
		s.CoilName,
		s.EchoNumbers,
		s.FrameType,
		s.BedIndex,
	}, "|")
}

// Equal compares the grouping keys.
func (s Signature) Equal(o Signature) bool { return s.Key() == o.Key() }

// StackRow is one series_stack row.
type StackRow struct {
	SeriesID   int64
	StackIndex int
	StackKey   StackKey
	NInstances int

	EchoTime       *float64
	RepetitionTime *float64
	InversionTime  *float64
	FlipAngle      *float64
	KVP            *int
	TubeCurrent    *int
	Exposure       *int

	OrientationCat  string
	OrientationConf float64
	ImageType       string
	CoilName        string
	EchoNumbers     string
	FrameType       string
	BedIndex        string
}

// group is one signature bucket within a series.
type group struct {
	sig       Signature
	instances []InstanceParams
}

// BuildStacks groups the instances of one series by signature, orders the
// groups (echo time, then inversion time, then orientation category, then the
// full lexicographic key), chooses the stack key from the varying dimensions,
// and returns the rows plus the per-instance stack index.
func BuildStacks(seriesID int64, instances []InstanceParams) ([]StackRow, map[int64]int) {
	buckets := make(map[string]*group)
	var order []string
	for _, inst := range instances {
		sig := Compute(inst)
		key := sig.Key()
		g, ok := buckets[key]
		if !ok {
			g = &group{sig: sig}
			buckets[key] = g
			order = append(order, key)
		}
		g.instances = append(g.instances, inst)
	}

	groups := make([]*group, 0, len(buckets))
	for _, key := range order {
		groups = append(groups, buckets[key])
	}
	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i].sig, groups[j].sig
		if c := cmpFloat(a.EchoTime, b.EchoTime); c != 0 {
			return c < 0
		}
		if c := cmpFloat(a.InversionTime, b.InversionTime); c != 0 {
			return c < 0
		}
		if a.OrientationCat != b.OrientationCat {
			return a.OrientationCat < b.OrientationCat
		}
		return a.Key() < b.Key()
	})

	key := chooseStackKey(groups)

	rows := make([]StackRow, 0, len(groups))
	assign := make(map[int64]int, len(instances))
	for idx, g := range groups {
		s := g.sig
		rows = append(rows, StackRow{
			SeriesID:        seriesID,
			StackIndex:      idx,
			StackKey:        key,
			NInstances:      len(g.instances),
			EchoTime:        s.EchoTime,
			RepetitionTime:  s.RepetitionTime,
			InversionTime:   s.InversionTime,
			FlipAngle:       s.FlipAngle,
			KVP:             s.KVP,
			TubeCurrent:     s.TubeCurrent,
			Exposure:        s.Exposure,
			OrientationCat:  string(s.OrientationCat),
			OrientationConf: s.OrientationConf,
			ImageType:       s.ImageType,
			CoilName:        s.CoilName,
			EchoNumbers:     s.EchoNumbers,
			FrameType:       s.FrameType,
			BedIndex:        s.BedIndex,
		})
		for _, inst := range g.instances {
			assign[inst.InstanceID] = idx
		}
	}
	return rows, assign
}

// chooseStackKey inspects which dimensions vary across the groups. A single
// group means no key.
func chooseStackKey(groups []*group) StackKey {
	if len(groups) <= 1 {
		return KeyNone
	}
	echo := make(map[string]bool)
	ti := make(map[string]bool)
	orient := make(map[Orientation]bool)
	imgType := make(map[string]bool)
	for _, g := range groups {
		echo[fmtFloat(g.sig.EchoTime)] = true
		ti[fmtFloat(g.sig.InversionTime)] = true
		orient[g.sig.OrientationCat] = true
		imgType[g.sig.ImageType] = true
	}
	switch {
	case len(echo) > 1:
		return KeyMultiEcho
	case len(ti) > 1:
		return KeyMultiTI
	case len(orient) > 1:
		return KeyMultiOrientation
	case len(imgType) > 1:
		return KeyImageTypeVariation
	default:
		return KeyNone
	}
}

func round1(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := math.Round(*f*10) / 10
	return &v
}

func roundInt(f *float64) *int {
	if f == nil {
		return nil
	}
	v := int(math.Round(*f))
	return &v
}

func fmtFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%.1f", *f)
}

func fmtInt(n *int) string {
	if n == nil {
		return ""
	}
	return fmt.Sprintf("%d", *n)
}

func cmpFloat(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}
