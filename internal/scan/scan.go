// Package scan walks cohort trees and yields candidate DICOM files. A file is
// a candidate iff its name ends in ".dcm" or has no extension. Three traversal
// modes serve different consumers: streaming (breadth-first, concurrent),
// leaf-batched (buffered by parent directory), and depth-first (fully sorted).
package scan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// IsCandidate reports whether a file name looks like a DICOM file.
func IsCandidate(name string) bool {
	ext := filepath.Ext(name)
	return ext == "" || strings.EqualFold(ext, ".dcm")
}

// Stream walks root breadth-first with up to workers concurrent directory
// reads and sends candidate files on the returned channel. The second return
// value blocks until the walk finishes and reports its first error. Unreadable
// directories are skipped; a missing root is an error.
func Stream(ctx context.Context, root string, workers int) (<-chan string, func() error) {
	if workers < 1 {
		workers = 1
	}
	out := make(chan string, 64)

	wait := func() error { return nil }
	if _, err := os.Stat(root); err != nil {
		close(out)
		return out, func() error { return err }
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(out)
		level := []string{root}
		for len(level) > 0 {
			var (
				mu   sync.Mutex
				next []string
			)
			lg, lctx := errgroup.WithContext(gctx)
			lg.SetLimit(workers)
			for _, dir := range level {
				lg.Go(func() error {
					entries, err := os.ReadDir(dir)
					if err != nil {
						// Permission or vanished directory: skip silently.
						return nil
					}
					var subdirs []string
					for _, e := range entries {
						if lctx.Err() != nil {
							return lctx.Err()
						}
						full := filepath.Join(dir, e.Name())
						if e.IsDir() {
							subdirs = append(subdirs, full)
							continue
						}
						if !IsCandidate(e.Name()) {
							continue
						}
						select {
						case out <- full:
						case <-lctx.Done():
							return lctx.Err()
						}
					}
					mu.Lock()
					next = append(next, subdirs...)
					mu.Unlock()
					return nil
				})
			}
			if err := lg.Wait(); err != nil {
				return err
			}
			level = next
		}
		return nil
	})
	wait = g.Wait
	return out, wait
}

// LeafBatches buffers candidate files keyed by parent directory and flushes a
// batch to fn whenever the buffer reaches threshold distinct parents. Each
// batch is sorted by (parent, name). The trailing partial buffer is flushed at
// the end.
func LeafBatches(ctx context.Context, root string, threshold int, fn func(batch []string) error) error {
	if threshold < 1 {
		threshold = 1
	}
	buf := make(map[string][]string)

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		parents := make([]string, 0, len(buf))
		for p := range buf {
			parents = append(parents, p)
		}
		sort.Strings(parents)
		var batch []string
		for _, p := range parents {
			names := buf[p]
			sort.Strings(names)
			batch = append(batch, names...)
		}
		buf = make(map[string][]string)
		return fn(batch)
	}

	err := walkDepthFirst(ctx, root, func(path string) error {
		parent := filepath.Dir(path)
		if _, seen := buf[parent]; !seen && len(buf) == threshold {
			if err := flush(); err != nil {
				return err
			}
		}
		buf[parent] = append(buf[parent], path)
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

// DepthFirst recurses into each directory fully, visiting children in
// lexicographic order, and calls fn for every candidate file.
func DepthFirst(ctx context.Context, root string, fn func(path string) error) error {
	if _, err := os.Stat(root); err != nil {
		return err
	}
	return walkDepthFirst(ctx, root, fn)
}

func walkDepthFirst(ctx context.Context, dir string, fn func(path string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		// Skipped mid-scan; the root is checked by the caller.
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if err := walkDepthFirst(ctx, full, fn); err != nil {
				return err
			}
			continue
		}
		if !IsCandidate(e.Name()) {
			continue
		}
		if err := fn(full); err != nil {
			return err
		}
	}
	return nil
}

// TopLevelDirs lists the immediate subdirectories of root, sorted.
func TopLevelDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
