package anonymize

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mrsinham/dicomcohort/internal/audit"
	"github.com/mrsinham/dicomcohort/internal/dicomio"
	"github.com/mrsinham/dicomcohort/internal/dicomtest"
	"github.com/mrsinham/dicomcohort/internal/idmap"
)

// sourceTree writes two patients: PAT001 with two files in one study and a
// second study, PAT002 with one file.
func sourceTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dicomtest.WriteFile(t, filepath.Join(root, "PAT001", "visit1", "a.dcm"), dicomtest.Spec{
		PatientID: "PAT001", PatientName: "DOE^JANE", StudyUID: "1.1", SeriesUID: "1.1.1",
		SOPUID: "1.1.1.1", StudyDate: "20200101",
	})
	dicomtest.WriteFile(t, filepath.Join(root, "PAT001", "visit1", "b.dcm"), dicomtest.Spec{
		PatientID: "PAT001", PatientName: "DOE^JANE", StudyUID: "1.1", SeriesUID: "1.1.1",
		SOPUID: "1.1.1.2", StudyDate: "20200101",
	})
	dicomtest.WriteFile(t, filepath.Join(root, "PAT001", "visit2", "c.dcm"), dicomtest.Spec{
		PatientID: "PAT001", PatientName: "DOE^JANE", StudyUID: "1.2", SeriesUID: "1.2.1",
		SOPUID: "1.2.1.1", StudyDate: "20200601",
	})
	dicomtest.WriteFile(t, filepath.Join(root, "PAT002", "visit1", "d.dcm"), dicomtest.Spec{
		PatientID: "PAT002", PatientName: "ROE^RICHARD", StudyUID: "2.1", SeriesUID: "2.1.1",
		SOPUID: "2.1.1.1", StudyDate: "20210301",
	})
	return root
}

func newTestEngine(t *testing.T, source, output string, ledger audit.Ledger) *Engine {
	t.Helper()
	strategy, err := idmap.NewDeterministic("SUBJ-XXXX", "pepper")
	if err != nil {
		t.Fatal(err)
	}
	eng, err := New(Options{
		CohortName:         "COHORT",
		SourcePath:         source,
		OutputPath:         output,
		Workers:            2,
		Strategy:           strategy,
		AnonymizePatientID: true,
		MapTimepoints:      true,
	}, ledger, nil)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestEngineRun(t *testing.T) {
	source := sourceTree(t)
	output := t.TempDir()
	ledger := audit.NewMemoryLedger()

	eng := newTestEngine(t, source, output, ledger)
	sum, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sum.Patients != 2 {
		t.Errorf("patients = %d, want 2", sum.Patients)
	}
	if sum.Leaves != 3 {
		t.Errorf("leaves = %d, want 3", sum.Leaves)
	}
	if sum.FilesWritten != 4 {
		t.Errorf("files written = %d, want 4", sum.FilesWritten)
	}
	if sum.FilesWithErrors != 0 {
		t.Errorf("files with errors = %d", sum.FilesWithErrors)
	}

	// Mirrored output with the original folder names.
	out := filepath.Join(output, "PAT001", "visit1", "a.dcm")
	info, err := dicomio.ReadFileInfo(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if info.PatientID == "PAT001" || info.PatientID == "" {
		t.Errorf("patient id not anonymized: %q", info.PatientID)
	}
	// First study maps to M00, the later one to a month label.
	if info.StudyDate != "M00" {
		t.Errorf("first study date = %q, want M00", info.StudyDate)
	}
	later, err := dicomio.ReadFileInfo(filepath.Join(output, "PAT001", "visit2", "c.dcm"))
	if err != nil {
		t.Fatal(err)
	}
	if later.StudyDate != "M06" {
		t.Errorf("second study date = %q, want M06", later.StudyDate)
	}
	// PatientName is scrubbed by the default profile.
	if info.PatientName != "" {
		t.Errorf("patient name survived: %q", info.PatientName)
	}

	// Audit committed per leaf.
	summaries, err := ledger.Summaries(context.Background(), "COHORT")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 3 {
		t.Errorf("ledger holds %d summaries, want 3", len(summaries))
	}
}

func TestEngineRerunReuses(t *testing.T) {
	source := sourceTree(t)
	output := t.TempDir()
	ledger := audit.NewMemoryLedger()

	eng := newTestEngine(t, source, output, ledger)
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	again := newTestEngine(t, source, output, ledger)
	sum, err := again.Run(context.Background())
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if sum.FilesWritten != 0 {
		t.Errorf("rerun wrote %d files, want 0", sum.FilesWritten)
	}
	if sum.FilesReused != 4 {
		t.Errorf("rerun reused %d files, want 4", sum.FilesReused)
	}
	if sum.LeavesSkipped != 3 {
		t.Errorf("rerun skipped %d leaves, want 3", sum.LeavesSkipped)
	}
}

func TestEngineDryRunTouchesNothing(t *testing.T) {
	source := sourceTree(t)
	output := t.TempDir()
	ledger := audit.NewMemoryLedger()

	strategy, err := idmap.NewDeterministic("SUBJ-XXXX", "pepper")
	if err != nil {
		t.Fatal(err)
	}
	eng, err := New(Options{
		CohortName:         "COHORT",
		SourcePath:         source,
		OutputPath:         output,
		Strategy:           strategy,
		AnonymizePatientID: true,
		DryRun:             true,
	}, ledger, nil)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.FilesWritten != 4 {
		t.Errorf("dry run reported %d writes, want 4", sum.FilesWritten)
	}

	entries, err := os.ReadDir(output)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dry run created %d entries in output", len(entries))
	}
	done, err := ledger.Exists(context.Background(), "1.1")
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("dry run committed to the ledger")
	}
}

func TestEngineRenamePatientFolders(t *testing.T) {
	source := sourceTree(t)
	output := t.TempDir()
	ledger := audit.NewMemoryLedger()

	strategy, err := idmap.NewDeterministic("SUBJ-XXXX", "pepper")
	if err != nil {
		t.Fatal(err)
	}
	newID, err := strategy.Map("PAT001", "")
	if err != nil {
		t.Fatal(err)
	}

	eng, err := New(Options{
		CohortName:           "COHORT",
		SourcePath:           source,
		OutputPath:           output,
		Strategy:             strategy,
		AnonymizePatientID:   true,
		RenamePatientFolders: true,
	}, ledger, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	renamed := filepath.Join(output, newID, "visit1", "a.dcm")
	if _, err := os.Stat(renamed); err != nil {
		t.Errorf("renamed output %s missing: %v", renamed, err)
	}
	if _, err := os.Stat(filepath.Join(output, "PAT001")); !os.IsNotExist(err) {
		t.Error("original patient folder name present in output")
	}
}
