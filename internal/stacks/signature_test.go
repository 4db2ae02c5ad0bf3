package stacks

import (
	"testing"
)

func f(v float64) *float64 { return &v }

func TestComputeRounding(t *testing.T) {
	sig := Compute(InstanceParams{
		EchoTime:       f(4.9996),
		RepetitionTime: f(2300.04),
		FlipAngle:      f(8.95),
		KVP:            f(120.4),
		TubeCurrent:    f(249.6),
	})
	if got := *sig.EchoTime; got != 5.0 {
		t.Errorf("echo time rounded to %v, want 5.0", got)
	}
	if got := *sig.RepetitionTime; got != 2300.0 {
		t.Errorf("repetition time rounded to %v, want 2300.0", got)
	}
	if got := *sig.FlipAngle; got != 9.0 {
		t.Errorf("flip angle rounded to %v, want 9.0", got)
	}
	if got := *sig.KVP; got != 120 {
		t.Errorf("kvp rounded to %v, want 120", got)
	}
	if got := *sig.TubeCurrent; got != 250 {
		t.Errorf("tube current rounded to %v, want 250", got)
	}
}

func TestSignatureNoiseWithinRounding(t *testing.T) {
	a := Compute(InstanceParams{EchoTime: f(5.01), RepetitionTime: f(2300.0)})
	b := Compute(InstanceParams{EchoTime: f(4.97), RepetitionTime: f(2300.04)})
	if !a.Equal(b) {
		t.Errorf("signatures differ across sub-rounding noise:\n%s\n%s", a.Key(), b.Key())
	}
}

func TestBuildStacksSingle(t *testing.T) {
	instances := []InstanceParams{
		{InstanceID: 1, EchoTime: f(5.0), Orientation: `1\0\0\0\1\0`},
		{InstanceID: 2, EchoTime: f(5.0), Orientation: `1\0\0\0\1\0`},
		{InstanceID: 3, EchoTime: f(5.02), Orientation: `1\0\0\0\1\0`},
	}
	rows, assign := BuildStacks(42, instances)
	if len(rows) != 1 {
		t.Fatalf("got %d stacks, want 1", len(rows))
	}
	if rows[0].StackKey != "" {
		t.Errorf("single stack carries key %q, want empty", rows[0].StackKey)
	}
	if rows[0].NInstances != 3 {
		t.Errorf("n_instances = %d, want 3", rows[0].NInstances)
	}
	for id, idx := range assign {
		if idx != 0 {
			t.Errorf("instance %d assigned to stack %d, want 0", id, idx)
		}
	}
}

func TestBuildStacksMultiEcho(t *testing.T) {
	instances := []InstanceParams{
		{InstanceID: 1, EchoTime: f(25.0)},
		{InstanceID: 2, EchoTime: f(5.0)},
		{InstanceID: 3, EchoTime: f(25.0)},
		{InstanceID: 4, EchoTime: f(5.0)},
	}
	rows, assign := BuildStacks(1, instances)
	if len(rows) != 2 {
		t.Fatalf("got %d stacks, want 2", len(rows))
	}
	for _, r := range rows {
		if r.StackKey != KeyMultiEcho {
			t.Errorf("stack key = %q, want %q", r.StackKey, KeyMultiEcho)
		}
	}
	// Index 0 holds the lower echo time.
	if *rows[0].EchoTime != 5.0 || *rows[1].EchoTime != 25.0 {
		t.Errorf("stacks not ordered by echo time: %v, %v", *rows[0].EchoTime, *rows[1].EchoTime)
	}
	if assign[2] != 0 || assign[4] != 0 || assign[1] != 1 || assign[3] != 1 {
		t.Errorf("unexpected assignment: %v", assign)
	}
}

func TestBuildStacksKeyPriority(t *testing.T) {
	// Echo AND orientation vary: multi_echo wins.
	instances := []InstanceParams{
		{InstanceID: 1, EchoTime: f(5.0), Orientation: `1\0\0\0\1\0`},
		{InstanceID: 2, EchoTime: f(25.0), Orientation: `0\1\0\0\0\-1`},
	}
	rows, _ := BuildStacks(1, instances)
	if len(rows) != 2 {
		t.Fatalf("got %d stacks, want 2", len(rows))
	}
	if rows[0].StackKey != KeyMultiEcho {
		t.Errorf("stack key = %q, want %q", rows[0].StackKey, KeyMultiEcho)
	}
}

func TestBuildStacksImageTypeVariation(t *testing.T) {
	instances := []InstanceParams{
		{InstanceID: 1, ImageType: `ORIGINAL\PRIMARY\M`},
		{InstanceID: 2, ImageType: `ORIGINAL\PRIMARY\P`},
	}
	rows, _ := BuildStacks(1, instances)
	if len(rows) != 2 {
		t.Fatalf("got %d stacks, want 2", len(rows))
	}
	if rows[0].StackKey != KeyImageTypeVariation {
		t.Errorf("stack key = %q, want %q", rows[0].StackKey, KeyImageTypeVariation)
	}
}

func TestBuildStacksIdempotent(t *testing.T) {
	instances := []InstanceParams{
		{InstanceID: 1, EchoTime: f(5.0), InversionTime: f(900.0)},
		{InstanceID: 2, EchoTime: f(5.0), InversionTime: f(2500.0)},
	}
	first, _ := BuildStacks(7, instances)
	second, _ := BuildStacks(7, instances)
	if len(first) != len(second) {
		t.Fatalf("stack counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := FromStackRecord(first[i]), FromStackRecord(second[i])
		if !a.Equal(b) {
			t.Errorf("stack %d signatures differ across runs", i)
		}
		if first[i].StackIndex != second[i].StackIndex {
			t.Errorf("stack %d index differs: %d vs %d", i, first[i].StackIndex, second[i].StackIndex)
		}
	}
}

func TestRecordRoundTrip(t *testing.T) {
	p := InstanceParams{
		InstanceID:  1,
		EchoTime:    f(4.98),
		FlipAngle:   f(9.02),
		KVP:         f(120.3),
		Orientation: `1\0\0\0\1\0`,
		ImageType:   `ORIGINAL\PRIMARY`,
		CoilName:    "HeadMatrix",
	}
	rows, _ := BuildStacks(3, []InstanceParams{p})
	got := FromStackRecord(rows[0])
	if want := Compute(p); !got.Equal(want) {
		t.Errorf("round-tripped signature differs:\n got %s\nwant %s", got.Key(), want.Key())
	}
}
