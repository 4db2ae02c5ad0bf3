package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// CodeSource records how a subject code was produced.
type CodeSource string

const (
	SourceCSV       CodeSource = "csv"
	SourceHash      CodeSource = "hash"
	SourceStudyHash CodeSource = "study_hash"
)

// SubjectResolver assigns the stable subject code for a patient. A CSV table
// wins when it covers the id; otherwise the code is a salted hash of the
// patient id, or of the study UID when the patient id itself is empty.
type SubjectResolver struct {
	table map[string]string
	salt  string
}

// NewSubjectResolver builds a resolver. The table may be nil.
func NewSubjectResolver(table map[string]string, salt string) *SubjectResolver {
	return &SubjectResolver{table: table, salt: salt}
}

// Resolve returns the subject code and its provenance. An empty patient id and
// empty study UID cannot be coded.
func (r *SubjectResolver) Resolve(patientID, studyUID string) (string, CodeSource, error) {
	if code, ok := r.table[patientID]; ok && code != "" {
		return code, SourceCSV, nil
	}
	if patientID != "" {
		return r.hash(patientID), SourceHash, nil
	}
	if studyUID != "" {
		return r.hash(studyUID), SourceStudyHash, nil
	}
	return "", "", fmt.Errorf("no patient id and no study uid to derive a subject code from")
}

// hash is a salted sha256 truncated to 12 hex characters, stable across runs
// for a fixed salt.
func (r *SubjectResolver) hash(id string) string {
	sum := sha256.Sum256([]byte(r.salt + "\n" + id))
	return hex.EncodeToString(sum[:])[:12]
}
