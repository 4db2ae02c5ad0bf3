// Package dicomtest writes small synthetic DICOM files for tests.
package dicomtest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// MustElement builds an element or panics. Test fixtures only.
func MustElement(t tag.Tag, value interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(err)
	}
	return elem
}

// Spec describes one synthetic instance. Zero fields get defaults so a test
// states only what it cares about.
type Spec struct {
	PatientID   string
	PatientName string
	StudyUID    string
	SeriesUID   string
	SOPUID      string
	Modality    string
	StudyDate   string

	Extra []*dicom.Element
}

// Elements expands a spec into a writable element list.
func Elements(s Spec) []*dicom.Element {
	if s.PatientID == "" {
		s.PatientID = "PAT001"
	}
	if s.StudyUID == "" {
		s.StudyUID = "1.2.840.99.1"
	}
	if s.SeriesUID == "" {
		s.SeriesUID = "1.2.840.99.1.1"
	}
	if s.SOPUID == "" {
		s.SOPUID = "1.2.840.99.1.1.1"
	}
	if s.Modality == "" {
		s.Modality = "MR"
	}
	elems := []*dicom.Element{
		MustElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		MustElement(tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}),
		MustElement(tag.SOPInstanceUID, []string{s.SOPUID}),
		MustElement(tag.PatientID, []string{s.PatientID}),
		MustElement(tag.StudyInstanceUID, []string{s.StudyUID}),
		MustElement(tag.SeriesInstanceUID, []string{s.SeriesUID}),
		MustElement(tag.Modality, []string{s.Modality}),
	}
	if s.PatientName != "" {
		elems = append(elems, MustElement(tag.PatientName, []string{s.PatientName}))
	}
	if s.StudyDate != "" {
		elems = append(elems, MustElement(tag.StudyDate, []string{s.StudyDate}))
	}
	return append(elems, s.Extra...)
}

// WriteFile writes the spec to path, creating parent directories.
func WriteFile(t *testing.T, path string, s Spec) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	ds := dicom.Dataset{Elements: Elements(s)}
	if err := dicom.Write(f, ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
