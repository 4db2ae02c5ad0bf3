package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrsinham/dicomcohort/internal/dicomio"
	"github.com/mrsinham/dicomcohort/internal/scan"
)

// Options configures one extraction run. SourcePath points at the anonymized
// tree; subject folders are its immediate children.
type Options struct {
	CohortName string
	SourcePath string

	SubjectWorkers int
	SeriesWorkers  int // concurrent leaf-folder readers per subject
	QueueSize      int

	// Modalities filters which files are persisted; empty means all.
	Modalities []string

	// Resume skips files already persisted, by relative path and by the
	// per-series SOP UID high-water mark.
	Resume bool

	Salt         string
	SubjectCodes map[string]string

	Policy     DuplicatePolicy
	Controller ControllerOptions

	Progress         func(processed, total int)
	ProgressInterval time.Duration
}

// Summary aggregates one extraction run, reader side plus writer side.
type Summary struct {
	Subjects      int
	FilesSeen     int
	FilesResumed  int
	FilesFiltered int
	FilesFailed   int
	FilesQueued   int

	Writer Metrics
}

// Engine walks the anonymized tree with a pool of subject workers, each fanning
// out over leaf folders, and feeds a single adaptive batching writer.
type Engine struct {
	opts     Options
	store    Store
	resolver *SubjectResolver
	log      *zap.Logger

	progressMu   sync.Mutex
	lastProgress time.Time
	processed    int
	total        int
}

// NewEngine validates the options and builds an engine.
func NewEngine(opts Options, store Store, log *zap.Logger) (*Engine, error) {
	if opts.SourcePath == "" {
		return nil, fmt.Errorf("a source path is required")
	}
	if opts.CohortName == "" {
		return nil, fmt.Errorf("a cohort name is required")
	}
	if store == nil {
		return nil, fmt.Errorf("a metadata store is required")
	}
	if opts.Policy == "" {
		opts.Policy = DuplicateSkip
	}
	if !opts.Policy.Valid() {
		return nil, fmt.Errorf("unknown duplicate policy %q", opts.Policy)
	}
	if opts.SubjectWorkers < 1 {
		opts.SubjectWorkers = 4
	}
	if opts.SeriesWorkers < 1 {
		opts.SeriesWorkers = 2
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1000
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		opts:     opts,
		store:    store,
		resolver: NewSubjectResolver(opts.SubjectCodes, opts.Salt),
		log:      log,
	}, nil
}

// Run extracts the whole tree. Cancellation is cooperative: readers stop
// between files, the queue closes, and the writer commits what is buffered
// before returning.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	cohortID, err := e.store.EnsureCohort(ctx, e.opts.CohortName)
	if err != nil {
		return sum, fmt.Errorf("ensure cohort: %w", err)
	}

	var (
		pathIndex map[string]bool
		tokens    map[string]string
	)
	if e.opts.Resume {
		if pathIndex, err = e.store.LoadPathIndex(ctx, cohortID); err != nil {
			return sum, fmt.Errorf("load path index: %w", err)
		}
		if tokens, err = e.store.LoadSeriesTokens(ctx, cohortID); err != nil {
			return sum, fmt.Errorf("load series tokens: %w", err)
		}
		e.log.Info("resume state loaded",
			zap.Int("paths", len(pathIndex)),
			zap.Int("series", len(tokens)))
	}

	subjects, err := scan.TopLevelDirs(e.opts.SourcePath)
	if err != nil {
		return sum, fmt.Errorf("list subject folders: %w", err)
	}
	e.progressMu.Lock()
	e.total = len(subjects)
	e.progressMu.Unlock()

	queue := make(chan Payload, e.opts.QueueSize)
	writer := NewWriter(e.store, cohortID, e.opts.Policy, e.opts.Controller, e.log)

	// A failed writer stops consuming, so the readers must be released or they
	// block forever on a full queue.
	readCtx, stopReaders := context.WithCancel(ctx)
	defer stopReaders()

	writerErr := make(chan error, 1)
	go func() {
		err := writer.Run(ctx, queue)
		if err != nil {
			stopReaders()
		}
		writerErr <- err
	}()

	var (
		mu      sync.Mutex
		readers = errgroup.Group{}
	)
	readers.SetLimit(e.opts.SubjectWorkers)
	for _, subject := range subjects {
		readers.Go(func() error {
			if err := readCtx.Err(); err != nil {
				return err
			}
			ss, err := e.processSubject(readCtx, subject, pathIndex, tokens, queue)
			mu.Lock()
			sum.Subjects++
			sum.FilesSeen += ss.FilesSeen
			sum.FilesResumed += ss.FilesResumed
			sum.FilesFiltered += ss.FilesFiltered
			sum.FilesFailed += ss.FilesFailed
			sum.FilesQueued += ss.FilesQueued
			mu.Unlock()
			e.reportProgress()
			return err
		})
	}
	readErr := readers.Wait()
	close(queue)
	// The writer error wins over the reader-side cancellation it caused.
	if werr := <-writerErr; werr != nil && (readErr == nil || errors.Is(readErr, context.Canceled)) {
		readErr = fmt.Errorf("write batch: %w", werr)
	}

	sum.Writer = writer.Metrics()
	e.finalProgress()
	return sum, readErr
}

// processSubject reads every leaf folder of one subject. Leaf folders are
// processed concurrently; within a leaf the files run in lexicographic order
// so same-series payloads keep their file order.
func (e *Engine) processSubject(ctx context.Context, subject string, pathIndex map[string]bool, tokens map[string]string, queue chan<- Payload) (Summary, error) {
	root := filepath.Join(e.opts.SourcePath, subject)

	leaves := make(map[string][]string)
	err := scan.DepthFirst(ctx, root, func(path string) error {
		parent := filepath.Dir(path)
		leaves[parent] = append(leaves[parent], path)
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	parents := make([]string, 0, len(leaves))
	for p := range leaves {
		parents = append(parents, p)
	}
	sort.Strings(parents)

	var (
		mu  sync.Mutex
		sum Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.SeriesWorkers)
	for _, parent := range parents {
		files := leaves[parent]
		g.Go(func() error {
			ls := e.processLeaf(gctx, subject, files, pathIndex, tokens, queue)
			mu.Lock()
			sum.FilesSeen += ls.FilesSeen
			sum.FilesResumed += ls.FilesResumed
			sum.FilesFiltered += ls.FilesFiltered
			sum.FilesFailed += ls.FilesFailed
			sum.FilesQueued += ls.FilesQueued
			mu.Unlock()
			return gctx.Err()
		})
	}
	return sum, g.Wait()
}

// processLeaf reads one leaf folder's files in order and queues the payloads.
// A file that fails to parse is counted and skipped, never fatal.
func (e *Engine) processLeaf(ctx context.Context, subject string, files []string, pathIndex map[string]bool, tokens map[string]string, queue chan<- Payload) Summary {
	var sum Summary
	sort.Strings(files)
	for _, path := range files {
		if ctx.Err() != nil {
			return sum
		}
		sum.FilesSeen++

		rel, err := filepath.Rel(e.opts.SourcePath, path)
		if err != nil {
			sum.FilesFailed++
			continue
		}
		rel = filepath.ToSlash(rel)
		if pathIndex[rel] {
			sum.FilesResumed++
			continue
		}

		info, err := dicomio.ReadFileInfo(path)
		if err != nil {
			sum.FilesFailed++
			e.log.Warn("file failed", zap.String("path", rel), zap.Error(err))
			continue
		}
		if !e.modalityAllowed(info.Modality) {
			sum.FilesFiltered++
			continue
		}
		if info.SeriesUID != "" && info.SOPUID != "" && info.SOPUID <= tokens[info.SeriesUID] {
			sum.FilesResumed++
			continue
		}

		code, source, err := e.resolver.Resolve(info.PatientID, info.StudyUID)
		if err != nil {
			sum.FilesFailed++
			e.log.Warn("no subject code", zap.String("path", rel), zap.Error(err))
			continue
		}

		select {
		case queue <- payloadFromInfo(info, subject, rel, code, source):
			sum.FilesQueued++
		case <-ctx.Done():
			return sum
		}
	}
	return sum
}

func (e *Engine) modalityAllowed(modality string) bool {
	if len(e.opts.Modalities) == 0 {
		return true
	}
	for _, m := range e.opts.Modalities {
		if m == modality {
			return true
		}
	}
	return false
}

func (e *Engine) reportProgress() {
	if e.opts.Progress == nil {
		return
	}
	e.progressMu.Lock()
	e.processed++
	processed, total := e.processed, e.total
	due := time.Since(e.lastProgress) >= e.opts.ProgressInterval
	if due {
		e.lastProgress = time.Now()
	}
	e.progressMu.Unlock()
	if due {
		e.opts.Progress(processed, total)
	}
}

func (e *Engine) finalProgress() {
	if e.opts.Progress == nil {
		return
	}
	e.progressMu.Lock()
	processed, total := e.processed, e.total
	e.progressMu.Unlock()
	e.opts.Progress(processed, total)
}
