// Package layout normalizes a cohort root into the derivatives tree:
//
//	<cohort_root>/derivatives/dcm-original  (inputs)
//	<cohort_root>/derivatives/dcm-raw       (anonymized mirror)
//
// The user may select the cohort root itself, the derivatives directory, or
// either leaf directory; Resolve figures out which and migrates unorganized
// roots in place.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	derivativesDir = "derivatives"
	originalDir    = "dcm-original"
	rawDir         = "dcm-raw"
)

// Status reports the state of the output directory on entry.
type Status int

const (
	// Fresh means dcm-raw did not exist before Resolve.
	Fresh Status = iota
	// RawExistsEmpty means dcm-raw existed but held nothing.
	RawExistsEmpty
	// RawExistsWithContent means dcm-raw already held entries; a resumed or
	// conflicting run.
	RawExistsWithContent
)

func (s Status) String() string {
	switch s {
	case RawExistsEmpty:
		return "RAW_EXISTS_EMPTY"
	case RawExistsWithContent:
		return "RAW_EXISTS_WITH_CONTENT"
	default:
		return "FRESH"
	}
}

// Paths is the resolved layout.
type Paths struct {
	SourcePath string
	OutputPath string
	Status     Status
}

// Resolve inspects the selected directory and returns the source and output
// paths, migrating the root into derivatives/dcm-original when it matches no
// known layout. Both output directories are created.
func Resolve(selected string) (Paths, error) {
	root, err := filepath.Abs(selected)
	if err != nil {
		return Paths{}, fmt.Errorf("resolve %s: %w", selected, err)
	}
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return Paths{}, fmt.Errorf("cohort root %s is not a directory", root)
	}

	var source, output string
	switch {
	case filepath.Base(root) == originalDir:
		source = root
		output = filepath.Join(filepath.Dir(root), rawDir)
	case filepath.Base(root) == rawDir:
		source = filepath.Join(filepath.Dir(root), originalDir)
		output = root
	case filepath.Base(root) == derivativesDir:
		source = filepath.Join(root, originalDir)
		output = filepath.Join(root, rawDir)
	case dirExists(filepath.Join(root, derivativesDir, originalDir)):
		source = filepath.Join(root, derivativesDir, originalDir)
		output = filepath.Join(root, derivativesDir, rawDir)
	default:
		// Unorganized cohort root: move its children under derivatives/dcm-original.
		source = filepath.Join(root, derivativesDir, originalDir)
		output = filepath.Join(root, derivativesDir, rawDir)
		if err := migrate(root, source); err != nil {
			return Paths{}, err
		}
	}

	status := Fresh
	if dirExists(output) {
		if empty, err := dirEmpty(output); err == nil && !empty {
			status = RawExistsWithContent
		} else {
			status = RawExistsEmpty
		}
	}

	if err := os.MkdirAll(source, 0o755); err != nil {
		return Paths{}, fmt.Errorf("create %s: %w", source, err)
	}
	if err := os.MkdirAll(output, 0o755); err != nil {
		return Paths{}, fmt.Errorf("create %s: %w", output, err)
	}

	return Paths{SourcePath: source, OutputPath: output, Status: status}, nil
}

// CleanRaw empties the output directory. Inputs are never touched: the call
// refuses to operate when output resolves inside the source tree.
func CleanRaw(p Paths) error {
	if p.OutputPath == p.SourcePath {
		return fmt.Errorf("refusing to clean %s: it is the source tree", p.OutputPath)
	}
	if rel, err := filepath.Rel(p.OutputPath, p.SourcePath); err == nil && !startsWithParent(rel) {
		return fmt.Errorf("refusing to clean %s: source tree lives inside it", p.OutputPath)
	}

	entries, err := os.ReadDir(p.OutputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", p.OutputPath, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(p.OutputPath, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

// migrate moves every child of root into dest, skipping anything whose
// destination already exists.
func migrate(root, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read %s: %w", root, err)
	}
	for _, e := range entries {
		if e.Name() == derivativesDir {
			continue
		}
		target := filepath.Join(dest, e.Name())
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := os.Rename(filepath.Join(root, e.Name()), target); err != nil {
			return fmt.Errorf("migrate %s: %w", e.Name(), err)
		}
	}
	return nil
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func dirEmpty(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func startsWithParent(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
