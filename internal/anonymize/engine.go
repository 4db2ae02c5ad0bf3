package anonymize

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrsinham/dicomcohort/internal/audit"
	"github.com/mrsinham/dicomcohort/internal/dicomio"
	"github.com/mrsinham/dicomcohort/internal/idmap"
	"github.com/mrsinham/dicomcohort/internal/scan"
)

// Options configures one anonymization run. Everything is immutable once the
// engine starts; the audit ledger is the only mutable rendezvous between
// workers.
type Options struct {
	CohortName string
	SourcePath string
	OutputPath string
	Workers    int

	Strategy           idmap.Strategy
	AnonymizePatientID bool
	MapTimepoints      bool

	RenamePatientFolders bool
	// PreserveUIDs selects strict output format: when set, outputs are
	// written as fully verified standalone DICOM files.
	PreserveUIDs bool

	ScrubTags   []dicomio.TagInfo
	ExcludeTags []dicomio.TagInfo

	DryRun bool

	Progress         func(processed, total int)
	ProgressInterval time.Duration
}

// Summary aggregates one run.
type Summary struct {
	Patients        int
	Leaves          int
	LeavesSkipped   int
	FilesTotal      int
	FilesWritten    int
	FilesReused     int
	FilesSkipped    int // candidates without a StudyInstanceUID
	FilesWithErrors int
}

func (s *Summary) add(o Summary) {
	s.Patients += o.Patients
	s.Leaves += o.Leaves
	s.LeavesSkipped += o.LeavesSkipped
	s.FilesTotal += o.FilesTotal
	s.FilesWritten += o.FilesWritten
	s.FilesReused += o.FilesReused
	s.FilesSkipped += o.FilesSkipped
	s.FilesWithErrors += o.FilesWithErrors
}

// Engine partitions top-level patient folders across workers and anonymizes
// leaf by leaf.
type Engine struct {
	opts   Options
	ledger audit.Ledger
	log    *zap.Logger

	progressMu   sync.Mutex
	lastProgress time.Time
	processed    int
	total        int
}

// New validates the options and builds an engine.
func New(opts Options, ledger audit.Ledger, log *zap.Logger) (*Engine, error) {
	if opts.SourcePath == "" || opts.OutputPath == "" {
		return nil, fmt.Errorf("source and output paths are required")
	}
	if opts.Strategy == nil {
		return nil, fmt.Errorf("an id strategy is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("an audit ledger is required")
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if len(opts.ScrubTags) == 0 {
		tags, err := dicomio.ResolveTagSpecs(dicomio.DefaultScrubProfile)
		if err != nil {
			return nil, err
		}
		opts.ScrubTags = tags
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{opts: opts, ledger: ledger, log: log}, nil
}

// leafFile is one candidate with its minimal tag read.
type leafFile struct {
	path      string
	relPath   string
	patientID string
	studyDate string
}

// Run partitions the patient folders round-robin across workers and processes
// every leaf not yet marked complete in the ledger. Cancellation is
// cooperative: workers stop between files and in-flight leaves finalize.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	dirs, err := scan.TopLevelDirs(e.opts.SourcePath)
	if err != nil {
		return Summary{}, fmt.Errorf("list patient folders: %w", err)
	}
	e.progressMu.Lock()
	e.total = len(dirs)
	e.progressMu.Unlock()

	partitions := make([][]string, e.opts.Workers)
	for i, dir := range dirs {
		partitions[i%e.opts.Workers] = append(partitions[i%e.opts.Workers], dir)
	}

	var (
		mu      sync.Mutex
		summary Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	for w, part := range partitions {
		if len(part) == 0 {
			continue
		}
		log := e.log.With(zap.Int("worker", w))
		g.Go(func() error {
			for _, dir := range part {
				if err := gctx.Err(); err != nil {
					return err
				}
				ps, err := e.processPatient(gctx, dir, log)
				if err != nil {
					return err
				}
				mu.Lock()
				summary.add(ps)
				mu.Unlock()
				e.reportProgress()
			}
			return nil
		})
	}
	err = g.Wait()
	e.finalProgress()
	return summary, err
}

// processPatient groups one top-level folder's candidates into leaves by
// StudyInstanceUID and anonymizes every leaf the ledger does not already hold.
func (e *Engine) processPatient(ctx context.Context, dir string, log *zap.Logger) (Summary, error) {
	var s Summary
	s.Patients = 1
	root := filepath.Join(e.opts.SourcePath, dir)

	leaves := make(map[string][]leafFile)
	err := scan.DepthFirst(ctx, root, func(path string) error {
		rel, rerr := filepath.Rel(e.opts.SourcePath, path)
		if rerr != nil {
			return rerr
		}
		info, rerr := dicomio.ReadFileInfo(path)
		if rerr != nil || info.StudyUID == "" {
			s.FilesSkipped++
			return nil
		}
		leaves[info.StudyUID] = append(leaves[info.StudyUID], leafFile{
			path:      path,
			relPath:   rel,
			patientID: info.PatientID,
			studyDate: info.StudyDate,
		})
		return nil
	})
	if err != nil {
		return s, err
	}

	firstDates := map[string]string{}
	if e.opts.MapTimepoints {
		for _, files := range leaves {
			for _, f := range files {
				if f.studyDate == "" {
					continue
				}
				if cur, ok := firstDates[f.patientID]; !ok || f.studyDate < cur {
					firstDates[f.patientID] = f.studyDate
				}
			}
		}
	}

	uids := make([]string, 0, len(leaves))
	for uid := range leaves {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		ls, err := e.processLeaf(ctx, uid, leaves[uid], firstDates, log)
		if err != nil {
			return s, err
		}
		s.add(ls)
	}
	return s, nil
}

// processLeaf anonymizes every file of one leaf and commits the summary and
// completion marker when at least one file succeeded. A file-level error is
// recorded but does not abort the leaf.
func (e *Engine) processLeaf(ctx context.Context, studyUID string, files []leafFile, firstDates map[string]string, log *zap.Logger) (Summary, error) {
	var s Summary

	done, err := e.ledger.Exists(ctx, studyUID)
	if err != nil {
		return s, fmt.Errorf("check audit ledger: %w", err)
	}
	if done {
		// Audited on a previous run: the outputs exist, nothing is reopened.
		s.LeavesSkipped++
		s.FilesTotal += len(files)
		s.FilesReused += len(files)
		log.Debug("leaf already audited", zap.String("study_uid", studyUID))
		return s, nil
	}

	s.Leaves++
	leafRel := filepath.ToSlash(filepath.Dir(files[0].relPath))

	var (
		events     []audit.Event
		errs       []string
		originalID string
		newID      string
	)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		s.FilesTotal++
		res := e.processFile(f.path, f.relPath, studyUID, firstDates)
		switch {
		case res.Err != nil:
			s.FilesWithErrors++
			errs = append(errs, fmt.Sprintf("%s: %v", f.relPath, res.Err))
			log.Warn("file failed", zap.String("path", f.relPath), zap.Error(res.Err))
			continue
		case res.Written:
			s.FilesWritten++
		case res.Reused:
			s.FilesReused++
		}
		events = append(events, res.Events...)
		if originalID == "" {
			originalID = f.patientID
		}
		for _, ev := range res.Events {
			if ev.TagName == "PatientID" && ev.NewValue != "" {
				newID = ev.NewValue
			}
		}
	}

	// Commit only when the leaf produced at least one non-errored result; a
	// wholly failed leaf stays unaudited and is retried next run.
	processed := s.FilesWritten + s.FilesReused
	if processed == 0 || e.opts.DryRun {
		return s, nil
	}

	summary := audit.LeafSummary{
		StudyUID:        studyUID,
		CohortName:      e.opts.CohortName,
		LeafRelPath:     leafRel,
		FilesTotal:      s.FilesTotal,
		FilesWritten:    s.FilesWritten,
		FilesReused:     s.FilesReused,
		FilesWithErrors: s.FilesWithErrors,
		OriginalID:      originalID,
		NewID:           newID,
		Entries:         audit.DedupEvents(events),
		Errors:          errs,
	}
	if err := e.ledger.RecordSummary(ctx, summary); err != nil {
		return s, fmt.Errorf("record leaf summary: %w", err)
	}
	if err := e.ledger.MarkComplete(ctx, studyUID, e.opts.CohortName, leafRel); err != nil {
		return s, fmt.Errorf("mark leaf complete: %w", err)
	}
	return s, nil
}

// reportProgress invokes the callback at most once per configured interval.
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
