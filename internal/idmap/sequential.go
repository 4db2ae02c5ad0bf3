package idmap

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mrsinham/dicomcohort/internal/dicomio"
	"github.com/mrsinham/dicomcohort/internal/scan"
)

// DiscoveryMode controls how the sequential strategy enumerates original
// PatientIDs before assigning numbers.
type DiscoveryMode string

const (
	// DiscoverPerTopFolder reads one file per top-level folder, folders
	// sorted lexicographically. The lexicographically smallest candidate is
	// read, so the assignment does not depend on filesystem order.
	DiscoverPerTopFolder DiscoveryMode = "per_top_folder"
	// DiscoverOnePerStudy reads one file per distinct StudyInstanceUID.
	DiscoverOnePerStudy DiscoveryMode = "one_per_study"
	// DiscoverAll reads every candidate and sorts the deduplicated union of
	// PatientIDs lexicographically.
	DiscoverAll DiscoveryMode = "all"
)

// Sequential assigns consecutive integers to originals enumerated by a
// discovery pass, formatted through the pattern. Originals first seen after
// discovery extend the table with the next free index, keeping Map total.
type Sequential struct {
	pattern string

	mu    sync.Mutex
	next  int
	table map[string]string
}

// NewSequential builds the strategy from an ordered list of discovered
// originals, numbering from start.
func NewSequential(originals []string, pattern string, start int) (*Sequential, error) {
	if patternWidth(pattern) == 0 {
		return nil, fmt.Errorf("sequential strategy: pattern %q has no X placeholders", pattern)
	}
	s := &Sequential{
		pattern: pattern,
		next:    start,
		table:   make(map[string]string, len(originals)),
	}
	for _, orig := range originals {
		if _, dup := s.table[orig]; dup {
			continue
		}
		s.table[orig] = FormatPatternInt(pattern, s.next)
		s.next++
	}
	return s, nil
}

func (s *Sequential) Kind() Kind { return KindSequential }

func (s *Sequential) Map(original, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.table[original]; ok {
		return id, nil
	}
	id := FormatPatternInt(s.pattern, s.next)
	s.next++
	s.table[original] = id
	return id, nil
}

func (s *Sequential) Mappings() []Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mapping, 0, len(s.table))
	for orig, anon := range s.table {
		out = append(out, Mapping{Original: orig, Anonymized: anon})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Anonymized < out[j].Anonymized })
	return out
}

// DiscoverOriginals enumerates original PatientIDs under sourcePath in the
// stable order the mode defines.
func DiscoverOriginals(ctx context.Context, sourcePath string, mode DiscoveryMode) ([]string, error) {
	switch mode {
	case DiscoverPerTopFolder:
		return discoverPerTopFolder(ctx, sourcePath)
	case DiscoverOnePerStudy:
		return discoverOnePerStudy(ctx, sourcePath)
	case DiscoverAll:
		return discoverAll(ctx, sourcePath)
	default:
		return nil, fmt.Errorf("unknown discovery mode %q", mode)
	}
}

func discoverPerTopFolder(ctx context.Context, sourcePath string) ([]string, error) {
	dirs, err := scan.TopLevelDirs(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("list top-level folders: %w", err)
	}

	var ids []string
	seen := make(map[string]bool)
	for _, dir := range dirs {
		var id string
		// Depth-first order is sorted, so the first successful read is the
		// lexicographically smallest parsable candidate.
		err := scan.DepthFirst(ctx, filepath.Join(sourcePath, dir), func(path string) error {
			info, rerr := dicomio.ReadFileInfo(path)
			if rerr != nil || info.PatientID == "" {
				return nil
			}
			id = info.PatientID
			return errStopWalk
		})
		if err != nil && err != errStopWalk {
			return nil, err
		}
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func discoverOnePerStudy(ctx context.Context, sourcePath string) ([]string, error) {
	var ids []string
	seenStudy := make(map[string]bool)
	seenID := make(map[string]bool)
	err := scan.DepthFirst(ctx, sourcePath, func(path string) error {
		info, rerr := dicomio.ReadFileInfo(path)
		if rerr != nil || info.StudyUID == "" {
			return nil
		}
		if seenStudy[info.StudyUID] {
			return nil
		}
		seenStudy[info.StudyUID] = true
		if info.PatientID != "" && !seenID[info.PatientID] {
			seenID[info.PatientID] = true
			ids = append(ids, info.PatientID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func discoverAll(ctx context.Context, sourcePath string) ([]string, error) {
	seen := make(map[string]bool)
	err := scan.DepthFirst(ctx, sourcePath, func(path string) error {
		info, rerr := dicomio.ReadFileInfo(path)
		if rerr != nil || info.PatientID == "" {
			return nil
		}
		seen[info.PatientID] = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// errStopWalk short-circuits a depth-first walk once the needed file is read.
var errStopWalk = fmt.Errorf("stop walk")
