package anonymize

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/dicomcohort/internal/audit"
	"github.com/mrsinham/dicomcohort/internal/dicomio"
)

// FileResult reports one per-file anonymization pass.
type FileResult struct {
	Written bool
	Reused  bool
	Events  []audit.Event
	Err     error
}

// processFile runs the single-file pass: rewrite PatientID, map StudyDate to
// a timepoint label, scrub the configured tags, and write the mirrored output
// atomically. The output is never overwritten; an existing target counts as
// reused.
func (e *Engine) processFile(path, relPath, studyUID string, firstDates map[string]string) FileResult {
	var res FileResult

	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		res.Err = fmt.Errorf("read dataset: %w", err)
		return res
	}

	event := func(t tag.Tag, name string, action audit.Action, oldV, newV string) {
		res.Events = append(res.Events, audit.Event{
			RelPath:  relPath,
			StudyUID: studyUID,
			TagCode:  fmt.Sprintf("%04X,%04X", t.Group, t.Element),
			TagName:  name,
			Action:   action,
			OldValue: audit.SanitizeValue(oldV),
			NewValue: audit.SanitizeValue(newV),
		})
	}

	originalID := dicomio.ElementString(&ds, tag.PatientID)
	newID := originalID
	if e.opts.AnonymizePatientID && originalID != "" {
		mapped, err := e.opts.Strategy.Map(originalID, relPath)
		if err != nil {
			res.Err = fmt.Errorf("map patient id: %w", err)
			return res
		}
		if err := setStringElement(&ds, tag.PatientID, mapped); err != nil {
			res.Err = err
			return res
		}
		newID = mapped
		event(tag.PatientID, "PatientID", audit.ActionReplaced, originalID, mapped)
	}

	originalDate := dicomio.ElementString(&ds, tag.StudyDate)
	if e.opts.MapTimepoints {
		first := firstDates[originalID]
		if label, ok := TimepointLabel(first, originalDate); ok && originalDate != "" {
			action := audit.ActionReplaced
			if _, ferr := ds.FindElementByTag(tag.StudyDate); ferr != nil {
				action = audit.ActionAdded
			}
			if err := setStringElement(&ds, tag.StudyDate, label); err != nil {
				res.Err = err
				return res
			}
			event(tag.StudyDate, "StudyDate", action, originalDate, label)
		} else if originalDate != "" {
			event(tag.StudyDate, "StudyDate", audit.ActionRetained, originalDate, originalDate)
		}
	} else if originalDate != "" {
		event(tag.StudyDate, "StudyDate", audit.ActionRetained, originalDate, originalDate)
	}

	e.scrub(&ds, event)

	target, altTarget := e.targetPaths(relPath, newID)
	if fileExists(target) || (altTarget != "" && fileExists(altTarget)) {
		res.Reused = true
		return res
	}

	if e.opts.DryRun {
		res.Written = true
		return res
	}

	if err := dicomio.WriteAtomic(target, ds, e.opts.PreserveUIDs); err != nil {
		res.Err = err
		return res
	}
	res.Written = true
	return res
}

// scrub deletes every configured tag, protecting identifiers the pipeline
// rewrites or depends on: PatientID, StudyDate, StudyInstanceUID, anything
// with a UI value representation, any tag whose name mentions a UID, and
// referenced sequences.
func (e *Engine) scrub(ds *dicom.Dataset, event func(tag.Tag, string, audit.Action, string, string)) {
	protected := map[tag.Tag]bool{
		tag.PatientID:        true,
		tag.StudyDate:        true,
		tag.StudyInstanceUID: true,
	}
	excluded := make(map[tag.Tag]bool, len(e.opts.ExcludeTags))
	for _, t := range e.opts.ExcludeTags {
		excluded[t.Tag] = true
	}

	remove := make(map[tag.Tag]string)
	for _, ti := range e.opts.ScrubTags {
		if protected[ti.Tag] || excluded[ti.Tag] {
			continue
		}
		if strings.Contains(ti.Name, "UID") {
			continue
		}
		if strings.Contains(ti.Name, "Referenc") && strings.Contains(ti.Name, "Sequence") {
			continue
		}
		remove[ti.Tag] = ti.Name
	}

	kept := ds.Elements[:0]
	for _, elem := range ds.Elements {
		name, doomed := remove[elem.Tag]
		if !doomed || elem.RawValueRepresentation == "UI" {
			kept = append(kept, elem)
			continue
		}
		old := ""
		if elem.Value != nil {
			old = strings.Trim(elem.Value.String(), " []")
		}
		event(elem.Tag, name, audit.ActionRemoved, old, "")
	}
	ds.Elements = kept
}

// targetPaths computes the mirrored output path and, when patient folder
// renaming applies, the renamed variant. Either existing target means the
// file was already produced.
func (e *Engine) targetPaths(relPath, newID string) (target, altTarget string) {
	target = filepath.Join(e.opts.OutputPath, relPath)
	if !e.opts.RenamePatientFolders || newID == "" {
		return target, ""
	}
	segments := strings.Split(filepath.ToSlash(relPath), "/")
	if len(segments) < 2 || segments[0] == newID {
		return target, ""
	}
	renamed := append([]string{newID}, segments[1:]...)
	altTarget = target
	target = filepath.Join(e.opts.OutputPath, filepath.Join(renamed...))
	return target, altTarget
}

// setStringElement replaces the value of a string-typed tag, appending the
// element when absent.
func setStringElement(ds *dicom.Dataset, t tag.Tag, value string) error {
	elem, err := dicom.NewElement(t, []string{value})
	if err != nil {
		return fmt.Errorf("build element %v: %w", t, err)
	}
	for i, existing := range ds.Elements {
		if existing.Tag == t {
			ds.Elements[i] = elem
			return nil
		}
	}
	ds.Elements = append(ds.Elements, elem)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
