package idmap

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Fallback names the behaviour for originals absent from the CSV table.
type Fallback string

const (
	// FallbackHash maps unmapped originals through the deterministic keyed
	// hash, formatted with the configured pattern.
	FallbackHash Fallback = "hash"
	// FallbackSequential assigns consecutive numbers per top-level folder in
	// encounter order.
	FallbackSequential Fallback = "sequential"
)

// CSV looks anonymized IDs up in a provided table and falls back for unmapped
// originals. An empty target cell in the table also means "use fallback".
type CSV struct {
	table    map[string]string
	fallback Fallback
	pattern  string
	salt     string
	start    int

	mu      sync.Mutex
	counter int
	assigns map[string]string // sequential assignments, keyed by top folder
	seen    map[string]string // every fallback result, keyed by original
}

// CSVOptions configures the CSV strategy.
type CSVOptions struct {
	Table    map[string]string
	Fallback Fallback
	Pattern  string // fallback formatting pattern
	Salt     string // FallbackHash key
	Start    int    // FallbackSequential base
}

// NewCSV builds the CSV strategy over an already-loaded table.
func NewCSV(opts CSVOptions) (*CSV, error) {
	switch opts.Fallback {
	case FallbackHash, FallbackSequential:
	default:
		return nil, fmt.Errorf("csv strategy: unknown fallback %q", opts.Fallback)
	}
	if patternWidth(opts.Pattern) == 0 {
		return nil, fmt.Errorf("csv strategy: fallback pattern %q has no X placeholders", opts.Pattern)
	}
	return &CSV{
		table:    opts.Table,
		fallback: opts.Fallback,
		pattern:  opts.Pattern,
		salt:     opts.Salt,
		start:    opts.Start,
		counter:  opts.Start,
		assigns:  make(map[string]string),
		seen:     make(map[string]string),
	}, nil
}

func (c *CSV) Kind() Kind { return KindCSV }

func (c *CSV) Map(original, relPath string) (string, error) {
	if id, ok := c.table[original]; ok && id != "" {
		return id, nil
	}

	if c.fallback == FallbackHash {
		id := FormatPatternInt(c.pattern, hashedID(c.salt, original, patternWidth(c.pattern)))
		c.mu.Lock()
		c.seen[original] = id
		c.mu.Unlock()
		return id, nil
	}

	// Sequential fallback: one number per top-level folder, assigned in
	// encounter order.
	key := topSegment(relPath)
	if key == "" {
		key = original
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.assigns[key]
	if !ok {
		id = FormatPatternInt(c.pattern, c.counter)
		c.counter++
		c.assigns[key] = id
	}
	c.seen[original] = id
	return id, nil
}

func topSegment(relPath string) string {
	p := filepath.ToSlash(relPath)
	if i := strings.IndexByte(p, '/'); i > 0 {
		return p[:i]
	}
	return p
}

func (c *CSV) Mappings() []Mapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Mapping, 0, len(c.table)+len(c.seen))
	for orig, anon := range c.table {
		if anon != "" {
			out = append(out, Mapping{Original: orig, Anonymized: anon})
		}
	}
	for orig, anon := range c.seen {
		out = append(out, Mapping{Original: orig, Anonymized: anon})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Original < out[j].Original })
	return out
}

// LoadCSVTable reads a UTF-8 mapping file with a header row and exactly the
// two named columns. A leading byte-order mark is tolerated. Empty target
// cells are kept in the table as "" so the strategy knows to use its fallback.
func LoadCSVTable(path, sourceColumn, targetColumn string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mapping %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read mapping header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	srcIdx, tgtIdx := -1, -1
	for i, col := range header {
		switch strings.TrimSpace(col) {
		case sourceColumn:
			srcIdx = i
		case targetColumn:
			tgtIdx = i
		}
	}
	if srcIdx < 0 || tgtIdx < 0 {
		return nil, fmt.Errorf("mapping file must contain columns %q and %q", sourceColumn, targetColumn)
	}

	table := make(map[string]string)
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read mapping row: %w", err)
		}
		if srcIdx >= len(record) || tgtIdx >= len(record) {
			continue
		}
		src := strings.TrimSpace(record[srcIdx])
		if src == "" {
			continue
		}
		table[src] = strings.TrimSpace(record[tgtIdx])
	}
	return table, nil
}
