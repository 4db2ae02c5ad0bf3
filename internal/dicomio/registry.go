// Package dicomio provides tag-level DICOM reads and writes for the
// anonymization and extraction pipelines. It works from explicit tag lists,
// never generic tag enumeration.
package dicomio

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// TagInfo describes a scrub-addressable DICOM tag.
type TagInfo struct {
	Name string
	Tag  tag.Tag
}

// Code returns the "GGGG,EEEE" form of the tag.
func (ti TagInfo) Code() string {
	return fmt.Sprintf("%04X,%04X", ti.Tag.Group, ti.Tag.Element)
}

// tagRegistry maps lowercase tag names to their TagInfo. It covers the tags
// the scrub profile and the audit exporter address by name.
var tagRegistry = map[string]TagInfo{
	"patientid":                     {Name: "PatientID", Tag: tag.PatientID},
	"patientname":                   {Name: "PatientName", Tag: tag.PatientName},
	"patientbirthdate":              {Name: "PatientBirthDate", Tag: tag.PatientBirthDate},
	"patientbirthtime":              {Name: "PatientBirthTime", Tag: tag.PatientBirthTime},
	"patientsex":                    {Name: "PatientSex", Tag: tag.PatientSex},
	"patientage":                    {Name: "PatientAge", Tag: tag.PatientAge},
	"patientweight":                 {Name: "PatientWeight", Tag: tag.PatientWeight},
	"patientsize":                   {Name: "PatientSize", Tag: tag.PatientSize},
	"patientaddress":                {Name: "PatientAddress", Tag: tag.PatientAddress},
	"patienttelephonenumbers":       {Name: "PatientTelephoneNumbers", Tag: tag.PatientTelephoneNumbers},
	"otherpatientids":               {Name: "OtherPatientIDs", Tag: tag.OtherPatientIDs},
	"otherpatientnames":             {Name: "OtherPatientNames", Tag: tag.OtherPatientNames},
	"ethnicgroup":                   {Name: "EthnicGroup", Tag: tag.EthnicGroup},
	"occupation":                    {Name: "Occupation", Tag: tag.Occupation},
	"additionalpatienthistory":      {Name: "AdditionalPatientHistory", Tag: tag.AdditionalPatientHistory},
	"patientcomments":               {Name: "PatientComments", Tag: tag.PatientComments},
	"militaryrank":                  {Name: "MilitaryRank", Tag: tag.MilitaryRank},
	"referringphysicianname":        {Name: "ReferringPhysicianName", Tag: tag.ReferringPhysicianName},
	"performingphysicianname":       {Name: "PerformingPhysicianName", Tag: tag.PerformingPhysicianName},
	"operatorsname":                 {Name: "OperatorsName", Tag: tag.OperatorsName},
	"physiciansofrecord":            {Name: "PhysiciansOfRecord", Tag: tag.PhysiciansOfRecord},
	"requestingphysician":           {Name: "RequestingPhysician", Tag: tag.RequestingPhysician},
	"institutionname":               {Name: "InstitutionName", Tag: tag.InstitutionName},
	"institutionaddress":            {Name: "InstitutionAddress", Tag: tag.InstitutionAddress},
	"institutionaldepartmentname":   {Name: "InstitutionalDepartmentName", Tag: tag.InstitutionalDepartmentName},
	"stationname":                   {Name: "StationName", Tag: tag.StationName},
	"deviceserialnumber":            {Name: "DeviceSerialNumber", Tag: tag.DeviceSerialNumber},
	"accessionnumber":               {Name: "AccessionNumber", Tag: tag.AccessionNumber},
	"imagecomments":                 {Name: "ImageComments", Tag: tag.ImageComments},
	"requestedproceduredescription": {Name: "RequestedProcedureDescription", Tag: tag.RequestedProcedureDescription},
	"studydate":                     {Name: "StudyDate", Tag: tag.StudyDate},
	"studyinstanceuid":              {Name: "StudyInstanceUID", Tag: tag.StudyInstanceUID},
}

// DefaultScrubProfile is the tag set scrubbed when the configuration does not
// name an explicit list. PatientID, StudyDate and StudyInstanceUID are listed
// for completeness; the scrub pass always protects them (they are rewritten or
// preserved, never deleted).
var DefaultScrubProfile = []string{
	"PatientName",
	"PatientBirthDate",
	"PatientBirthTime",
	"PatientSex",
	"PatientAge",
	"PatientWeight",
	"PatientSize",
	"PatientAddress",
	"PatientTelephoneNumbers",
	"OtherPatientIDs",
	"OtherPatientNames",
	"EthnicGroup",
	"Occupation",
	"AdditionalPatientHistory",
	"PatientComments",
	"MilitaryRank",
	"ReferringPhysicianName",
	"PerformingPhysicianName",
	"OperatorsName",
	"PhysiciansOfRecord",
	"RequestingPhysician",
	"InstitutionName",
	"InstitutionAddress",
	"InstitutionalDepartmentName",
	"StationName",
	"DeviceSerialNumber",
	"AccessionNumber",
	"ImageComments",
	"RequestedProcedureDescription",
}

// GetTagByName returns TagInfo for a given tag name.
// The lookup is case-insensitive. If the tag is not found, an error is returned
// with a suggestion for the closest matching tag name (using Levenshtein distance).
func GetTagByName(name string) (TagInfo, error) {
	normalizedName := strings.ToLower(strings.TrimSpace(name))

	if info, ok := tagRegistry[normalizedName]; ok {
		return info, nil
	}

	suggestion := findClosestTagName(normalizedName)
	if suggestion != "" {
		return TagInfo{}, fmt.Errorf("unknown tag %q, did you mean %q?", name, suggestion)
	}

	return TagInfo{}, fmt.Errorf("unknown tag %q", name)
}

// ParseTagSpec resolves a tag given either by name ("PatientName") or by
// hex code ("0010,0010").
func ParseTagSpec(spec string) (TagInfo, error) {
	s := strings.TrimSpace(spec)
	if i := strings.IndexByte(s, ','); i > 0 && isHex(s[:i]) {
		group, err1 := strconv.ParseUint(s[:i], 16, 16)
		element, err2 := strconv.ParseUint(s[i+1:], 16, 16)
		if err1 != nil || err2 != nil {
			return TagInfo{}, fmt.Errorf("invalid tag code %q", spec)
		}
		t := tag.Tag{Group: uint16(group), Element: uint16(element)}
		name := ""
		if info, err := tag.Find(t); err == nil {
			name = info.Name
		}
		return TagInfo{Name: name, Tag: t}, nil
	}
	return GetTagByName(s)
}

// ResolveTagSpecs resolves a list of tag specs, failing on the first unknown.
func ResolveTagSpecs(specs []string) ([]TagInfo, error) {
	out := make([]TagInfo, 0, len(specs))
	for _, s := range specs {
		info, err := ParseTagSpec(s)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}

// findClosestTagName finds the closest matching tag name using Levenshtein distance.
// Returns empty string if no close match is found (distance > 5).
func findClosestTagName(input string) string {
	const maxDistance = 5
	bestDistance := maxDistance + 1
	var bestMatch string

	for key, info := range tagRegistry {
		distance := levenshteinDistance(input, key)
		if distance < bestDistance {
			bestDistance = distance
			bestMatch = info.Name
		}
	}

	if bestDistance <= maxDistance {
		return bestMatch
	}
	return ""
}

// levenshteinDistance calculates the Levenshtein distance between two strings.
func levenshteinDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	matrix := make([][]int, len(a)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(b)+1)
	}

	for i := 0; i <= len(a); i++ {
		matrix[i][0] = i
	}
	for j := 0; j <= len(b); j++ {
		matrix[0][j] = j
	}

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}

			matrix[i][j] = min(
				matrix[i-1][j]+1,      // deletion
				matrix[i][j-1]+1,      // insertion
				matrix[i-1][j-1]+cost, // substitution
			)
		}
	}

	return matrix[len(a)][len(b)]
}
