package idmap

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Folder extracts the anonymized ID from a path segment. The token is taken
// from the Segment-th path component (0-based) either by regular expression
// (first capture group, or the whole match when there is none) or by stripping
// a literal prefix. The token is then formatted through the pattern.
type Folder struct {
	segment int
	re      *regexp.Regexp
	literal string
	pattern string
	seen    *observed
}

// FolderOptions configures the folder strategy. Exactly one of Regex and
// Literal should be set; an empty Literal with no Regex uses the whole segment.
type FolderOptions struct {
	Segment int
	Regex   string
	Literal string
	Pattern string
}

// NewFolder builds the folder strategy.
func NewFolder(opts FolderOptions) (*Folder, error) {
	if opts.Segment < 0 {
		return nil, fmt.Errorf("folder strategy: segment must be >= 0")
	}
	if opts.Regex != "" && opts.Literal != "" {
		return nil, fmt.Errorf("folder strategy: regex and literal are mutually exclusive")
	}
	f := &Folder{
		segment: opts.Segment,
		literal: opts.Literal,
		pattern: opts.Pattern,
		seen:    newObserved(),
	}
	if opts.Regex != "" {
		re, err := regexp.Compile(opts.Regex)
		if err != nil {
			return nil, fmt.Errorf("folder strategy: %w", err)
		}
		f.re = re
	}
	return f, nil
}

func (f *Folder) Kind() Kind { return KindFolder }

// Map extracts the token from relPath. Output is deterministic given
// identical inputs; a segment that yields no token is an error.
func (f *Folder) Map(original, relPath string) (string, error) {
	segments := strings.Split(filepath.ToSlash(relPath), "/")
	if f.segment >= len(segments) {
		return "", fmt.Errorf("folder strategy: path %q has no segment %d", relPath, f.segment)
	}
	seg := segments[f.segment]

	var token string
	switch {
	case f.re != nil:
		m := f.re.FindStringSubmatch(seg)
		if m == nil {
			return "", fmt.Errorf("folder strategy: segment %q does not match %q", seg, f.re.String())
		}
		if len(m) > 1 {
			token = m[1]
		} else {
			token = m[0]
		}
	case f.literal != "":
		if !strings.HasPrefix(seg, f.literal) {
			return "", fmt.Errorf("folder strategy: segment %q lacks prefix %q", seg, f.literal)
		}
		token = strings.TrimPrefix(seg, f.literal)
	default:
		token = seg
	}
	if token == "" {
		return "", fmt.Errorf("folder strategy: empty token from segment %q", seg)
	}

	id := token
	if f.pattern != "" {
		id = FormatPattern(f.pattern, token)
	}
	f.seen.record(original, id)
	return id, nil
}

func (f *Folder) Mappings() []Mapping { return f.seen.list() }
