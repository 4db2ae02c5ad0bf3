// Package idmap produces the total mapping from original PatientIDs to
// anonymized IDs. Five strategies are supported: none, folder, csv (with hash
// or sequential fallback), deterministic, and sequential. Every strategy is
// safe for concurrent use by the anonymization workers.
package idmap

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Kind names a strategy variant.
type Kind string

const (
	KindNone          Kind = "none"
	KindFolder        Kind = "folder"
	KindCSV           Kind = "csv"
	KindDeterministic Kind = "deterministic"
	KindSequential    Kind = "sequential"
)

// Mapping is one original→anonymized pair, for export and audit.
type Mapping struct {
	Original   string
	Anonymized string
}

// Strategy maps original PatientIDs to anonymized IDs. Map is total: it
// returns an ID for any original the engine ever encounters. Mappings lists
// every pair observed or preassigned so far.
type Strategy interface {
	Kind() Kind
	Map(original, relPath string) (string, error)
	Mappings() []Mapping
}

// FormatPattern substitutes value into the run of 'X' placeholders in pattern.
// Numeric values are zero-padded to the run width; non-numeric values are
// substituted verbatim. A pattern without placeholders returns the value.
func FormatPattern(pattern, value string) string {
	start := strings.IndexByte(pattern, 'X')
	if start < 0 {
		return value
	}
	end := start
	for end < len(pattern) && pattern[end] == 'X' {
		end++
	}
	width := end - start

	if n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64); err == nil {
		value = fmt.Sprintf("%0*d", width, n)
	}
	return pattern[:start] + value + pattern[end:]
}

// FormatPatternInt substitutes a number into the 'X' run of pattern.
func FormatPatternInt(pattern string, n int) string {
	return FormatPattern(pattern, strconv.Itoa(n))
}

// patternWidth counts the X placeholders in pattern.
func patternWidth(pattern string) int {
	width := 0
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == 'X' {
			width++
		}
	}
	return width
}

// observed is a concurrency-safe record of pairs seen by pure strategies.
type observed struct {
	mu    sync.Mutex
	pairs map[string]string
}

func newObserved() *observed {
	return &observed{pairs: make(map[string]string)}
}

func (o *observed) record(original, anonymized string) {
	o.mu.Lock()
	o.pairs[original] = anonymized
	o.mu.Unlock()
}

func (o *observed) list() []Mapping {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Mapping, 0, len(o.pairs))
	for orig, anon := range o.pairs {
		out = append(out, Mapping{Original: orig, Anonymized: anon})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Original < out[j].Original })
	return out
}

// None is the identity strategy. The only strategy allowed to produce
// collisions, because it produces none of its own.
type None struct {
	seen *observed
}

// NewNone returns the identity strategy.
func NewNone() *None {
	return &None{seen: newObserved()}
}

func (n *None) Kind() Kind { return KindNone }

func (n *None) Map(original, _ string) (string, error) {
	n.seen.record(original, original)
	return original, nil
}

func (n *None) Mappings() []Mapping { return n.seen.list() }

// Deterministic maps via a keyed hash of (salt, original) reduced modulo 10^n,
// where n is the placeholder width of the pattern. Stable across runs and
// cohorts sharing a salt.
type Deterministic struct {
	pattern string
	salt    string
	seen    *observed
}

// NewDeterministic builds the keyed-hash strategy. The pattern must contain at
// least one X placeholder.
func NewDeterministic(pattern, salt string) (*Deterministic, error) {
	if patternWidth(pattern) == 0 {
		return nil, fmt.Errorf("deterministic strategy: pattern %q has no X placeholders", pattern)
	}
	return &Deterministic{pattern: pattern, salt: salt, seen: newObserved()}, nil
}

func (d *Deterministic) Kind() Kind { return KindDeterministic }

func (d *Deterministic) Map(original, _ string) (string, error) {
	id := FormatPatternInt(d.pattern, hashedID(d.salt, original, patternWidth(d.pattern)))
	d.seen.record(original, id)
	return id, nil
}

func (d *Deterministic) Mappings() []Mapping { return d.seen.list() }

// hashedID reduces sha256(salt "\n" original) modulo 10^digits.
func hashedID(salt, original string, digits int) int {
	sum := sha256.Sum256([]byte(salt + "\n" + original))
	mod := uint64(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return int(binary.BigEndian.Uint64(sum[:8]) % mod)
}
