package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// Tags whose old and new values are tracked as separate export columns. All
// other tags get a single column holding the action.
const (
	tagCodePatientID = "0010,0020"
	tagCodeStudyDate = "0008,0020"
)

var staticColumns = []string{"study_uid", "rel_path", "DataFolder", "ParentFolder", "SubFolder"}

// ExportCSV writes the cohort-wide audit table: one row per study, static
// columns first, then one column per distinct (tag_code, tag_name) sorted by
// tag code. PatientID and StudyDate expand to _old_value/_new_value pairs.
// Columns that would be empty for every study are dropped.
func ExportCSV(ctx context.Context, ledger Ledger, cohortName string, w io.Writer) error {
	summaries, err := ledger.Summaries(ctx, cohortName)
	if err != nil {
		return fmt.Errorf("load summaries: %w", err)
	}

	type tagColumn struct {
		code string
		name string
	}
	tagSet := make(map[string]tagColumn)
	for _, s := range summaries {
		for _, e := range s.Entries {
			if _, ok := tagSet[e.TagCode]; !ok {
				tagSet[e.TagCode] = tagColumn{code: e.TagCode, name: e.TagName}
			}
		}
	}
	tags := make([]tagColumn, 0, len(tagSet))
	for _, tc := range tagSet {
		tags = append(tags, tc)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].code < tags[j].code })

	// Expand the header: tracked tags get value pairs, the rest one column.
	var header []string
	header = append(header, staticColumns...)
	colKeys := make([]string, 0, len(tags)*2)
	for _, tc := range tags {
		label := columnLabel(tc.code, tc.name)
		if tc.code == tagCodePatientID || tc.code == tagCodeStudyDate {
			colKeys = append(colKeys, tc.code+"#old", tc.code+"#new")
			header = append(header, label+"_old_value", label+"_new_value")
		} else {
			colKeys = append(colKeys, tc.code)
			header = append(header, label)
		}
	}

	rows := make([][]string, 0, len(summaries))
	filled := make([]bool, len(colKeys))
	for _, s := range summaries {
		byKey := make(map[string]string)
		for _, e := range s.Entries {
			switch e.TagCode {
			case tagCodePatientID, tagCodeStudyDate:
				byKey[e.TagCode+"#old"] = e.OldValue
				byKey[e.TagCode+"#new"] = e.NewValue
			default:
				byKey[e.TagCode] = string(e.Action)
			}
		}

		row := make([]string, 0, len(header))
		row = append(row, s.StudyUID, s.LeafRelPath)
		row = append(row, folderColumns(s.LeafRelPath)...)
		for i, key := range colKeys {
			v := byKey[key]
			if v != "" {
				filled[i] = true
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}

	// Drop tag columns that stayed empty across the cohort.
	keep := make([]int, 0, len(colKeys))
	for i, ok := range filled {
		if ok {
			keep = append(keep, i)
		}
	}

	out := csv.NewWriter(w)
	finalHeader := append([]string{}, staticColumns...)
	for _, i := range keep {
		finalHeader = append(finalHeader, header[len(staticColumns)+i])
	}
	if err := out.Write(finalHeader); err != nil {
		return err
	}
	for _, row := range rows {
		final := append([]string{}, row[:len(staticColumns)]...)
		for _, i := range keep {
			final = append(final, row[len(staticColumns)+i])
		}
		if err := out.Write(final); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

// columnLabel builds the column name for a tag: "(GGGG,EEEE) TagName" with
// the name omitted when unknown.
func columnLabel(code, name string) string {
	if name == "" {
		return "(" + code + ")"
	}
	return "(" + code + ") " + name
}

// folderColumns derives DataFolder, ParentFolder and SubFolder from the leaf
// relative path: the first segment, and the two segments closest to the files.
// A segment never fills two columns; for short paths the later columns stay
// blank instead of repeating the data folder.
func folderColumns(relPath string) []string {
	p := strings.Trim(path.Clean(strings.ReplaceAll(relPath, "\\", "/")), "/")
	if p == "" || p == "." {
		return []string{"", "", ""}
	}
	segments := strings.Split(p, "/")
	data := segments[0]
	parent, sub := "", ""
	if n := len(segments); n >= 3 {
		parent = segments[n-2]
		sub = segments[n-1]
	} else if n == 2 {
		sub = segments[1]
	}
	return []string{data, parent, sub}
}
