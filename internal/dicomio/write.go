package dicomio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
)

// WriteAtomic writes a dataset to a uniquely named ".tmp" sibling of path and
// renames it into place, so concurrent runs over the same tree never read or
// clobber each other's partial writes. The destination directory is created as
// needed. When strictFormat is false, VR and value-type verification are
// skipped so datasets carried over from loosely conformant inputs can still be
// written.
func WriteAtomic(path string, ds dicom.Dataset, strictFormat bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	var opts []dicom.WriteOption
	if !strictFormat {
		opts = []dicom.WriteOption{dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()}
	}

	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if err := dicom.Write(f, ds, opts...); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write dataset: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
