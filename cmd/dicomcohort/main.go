package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mrsinham/dicomcohort/internal/anonymize"
	"github.com/mrsinham/dicomcohort/internal/audit"
	"github.com/mrsinham/dicomcohort/internal/config"
	"github.com/mrsinham/dicomcohort/internal/dicomio"
	"github.com/mrsinham/dicomcohort/internal/extract"
	"github.com/mrsinham/dicomcohort/internal/idmap"
	"github.com/mrsinham/dicomcohort/internal/layout"
	"github.com/mrsinham/dicomcohort/internal/metadb"
	"github.com/mrsinham/dicomcohort/internal/stacks"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "anonymize":
		err = runAnonymize(ctx, os.Args[2:])
	case "extract":
		err = runExtract(ctx, os.Args[2:])
	case "stacks":
		err = runStacks(ctx, os.Args[2:])
	case "export-audit":
		err = runExportAudit(ctx, os.Args[2:])
	case "version":
		fmt.Printf("dicomcohort %s\n", version)
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAnonymize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("anonymize", flag.ExitOnError)
	configFile := fs.String("config", "", "Load configuration from YAML file")
	source := fs.String("source", "", "Cohort directory (root, derivatives, dcm-original or dcm-raw)")
	cohort := fs.String("cohort", "", "Cohort name")
	workers := fs.Int("workers", 0, fmt.Sprintf("Number of parallel workers (default: %d = CPU cores)", runtime.NumCPU()))
	dryRun := fs.Bool("dry-run", false, "Walk and map IDs without writing anything")
	clean := fs.Bool("clean", false, "Empty dcm-raw before running")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	a := cfg.Anonymize
	if *source != "" {
		a.SourcePath = *source
	}
	if *cohort != "" {
		a.CohortName = *cohort
	}
	if *workers > 0 {
		a.Workers = *workers
	}
	if *dryRun {
		a.DryRun = true
	}
	if a.SourcePath == "" {
		return fmt.Errorf("a source directory is required (--source or config)")
	}
	if a.Workers == 0 {
		a.Workers = runtime.NumCPU()
	}

	log := newLogger()
	defer log.Sync()

	paths, err := layout.Resolve(a.SourcePath)
	if err != nil {
		return err
	}
	fmt.Printf("Source: %s\nOutput: %s\nStatus: %s\n\n", paths.SourcePath, paths.OutputPath, paths.Status)
	if *clean {
		if err := layout.CleanRaw(paths); err != nil {
			return err
		}
	}

	strategy, err := buildStrategy(ctx, a, paths.SourcePath)
	if err != nil {
		return err
	}

	ledger, cleanup, err := openLedger(ctx, cfg.Database.DSN, a.DryRun)
	if err != nil {
		return err
	}
	defer cleanup()

	scrub, err := dicomio.ResolveTagSpecs(a.ScrubTags)
	if err != nil {
		return fmt.Errorf("scrub tags: %w", err)
	}
	exclude, err := dicomio.ResolveTagSpecs(a.ExcludeTags)
	if err != nil {
		return fmt.Errorf("exclude tags: %w", err)
	}

	engine, err := anonymize.New(anonymize.Options{
		CohortName:           a.CohortName,
		SourcePath:           paths.SourcePath,
		OutputPath:           paths.OutputPath,
		Workers:              a.Workers,
		Strategy:             strategy,
		AnonymizePatientID:   a.AnonymizePatientID,
		MapTimepoints:        a.MapTimepoints,
		RenamePatientFolders: a.RenamePatientFolders,
		PreserveUIDs:         a.PreserveUIDs,
		ScrubTags:            scrub,
		ExcludeTags:          exclude,
		DryRun:               a.DryRun,
		Progress: func(processed, total int) {
			fmt.Printf("  %d/%d patient folders\n", processed, total)
		},
		ProgressInterval: time.Duration(a.ProgressSeconds) * time.Second,
	}, ledger, log)
	if err != nil {
		return err
	}

	sum, err := engine.Run(ctx)
	fmt.Printf("\nPatients:     %d\n", sum.Patients)
	fmt.Printf("Leaves:       %d (+%d already audited)\n", sum.Leaves, sum.LeavesSkipped)
	fmt.Printf("Files:        %d total, %d written, %d reused, %d skipped, %d errors\n",
		sum.FilesTotal, sum.FilesWritten, sum.FilesReused, sum.FilesSkipped, sum.FilesWithErrors)
	if err != nil {
		return err
	}
	fmt.Println("\n✓ Anonymization complete")
	return nil
}

func runExtract(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	configFile := fs.String("config", "", "Load configuration from YAML file")
	source := fs.String("source", "", "Anonymized tree to extract (normally dcm-raw)")
	cohort := fs.String("cohort", "", "Cohort name")
	resume := fs.Bool("resume", false, "Skip instances already persisted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	e := cfg.Extract
	if *source != "" {
		e.SourcePath = *source
	}
	if *cohort != "" {
		e.CohortName = *cohort
	}
	if *resume {
		e.Resume = true
	}
	if e.SourcePath == "" {
		return fmt.Errorf("a source directory is required (--source or config)")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("a database dsn is required")
	}

	log := newLogger()
	defer log.Sync()

	pool, store, err := openStore(ctx, cfg.Database.DSN, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	var codes map[string]string
	if e.SubjectCSVPath != "" {
		codes, err = idmap.LoadCSVTable(e.SubjectCSVPath, e.SubjectCSVFrom, e.SubjectCSVTo)
		if err != nil {
			return fmt.Errorf("subject codes: %w", err)
		}
	}

	engine, err := extract.NewEngine(extract.Options{
		CohortName:     e.CohortName,
		SourcePath:     e.SourcePath,
		SubjectWorkers: e.SubjectWorkers,
		SeriesWorkers:  e.SeriesWorkers,
		QueueSize:      e.QueueSize,
		Modalities:     e.Modalities,
		Resume:         e.Resume,
		Salt:           e.Salt,
		SubjectCodes:   codes,
		Policy:         extract.DuplicatePolicy(e.DuplicatePolicy),
		Controller: extract.ControllerOptions{
			MinBatch:      e.MinBatch,
			MaxBatch:      e.MaxBatch,
			InitialBatch:  e.InitialBatch,
			TargetLatency: time.Duration(e.TargetLatencyMS) * time.Millisecond,
		},
		Progress: func(processed, total int) {
			fmt.Printf("  %d/%d subject folders\n", processed, total)
		},
		ProgressInterval: time.Duration(e.ProgressSeconds) * time.Second,
	}, store, log)
	if err != nil {
		return err
	}

	sum, err := engine.Run(ctx)
	fmt.Printf("\nSubjects:     %d\n", sum.Subjects)
	fmt.Printf("Files:        %d seen, %d queued, %d resumed, %d filtered, %d failed\n",
		sum.FilesSeen, sum.FilesQueued, sum.FilesResumed, sum.FilesFiltered, sum.FilesFailed)
	w := sum.Writer
	fmt.Printf("Persisted:    %d subjects, %d studies, %d series, %d instances (%d skipped, %d overwritten)\n",
		w.Persisted.Subjects, w.Persisted.Studies, w.Persisted.Series,
		w.Persisted.Instances, w.Persisted.Skipped, w.Persisted.Overwritten)
	fmt.Printf("Batches:      %d, final size %d, ema latency %s\n", w.Batches, w.BatchSize, w.EMALatency)
	if err != nil {
		return err
	}
	fmt.Println("\n✓ Extraction complete")
	return nil
}

func runStacks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stacks", flag.ExitOnError)
	configFile := fs.String("config", "", "Load configuration from YAML file")
	cohort := fs.String("cohort", "", "Cohort name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	name := cfg.Extract.CohortName
	if *cohort != "" {
		name = *cohort
	}
	if name == "" {
		return fmt.Errorf("a cohort name is required (--cohort or config)")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("a database dsn is required")
	}

	log := newLogger()
	defer log.Sync()

	pool, store, err := openStore(ctx, cfg.Database.DSN, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	cohortID, err := store.EnsureCohort(ctx, name)
	if err != nil {
		return err
	}
	sum, err := stacks.Discover(ctx, store, cohortID, log)
	fmt.Printf("Series:       %d\nStacks:       %d\nInstances:    %d\n", sum.Series, sum.Stacks, sum.Instances)
	if err != nil {
		return err
	}
	fmt.Println("\n✓ Stack discovery complete")
	return nil
}

func runExportAudit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export-audit", flag.ExitOnError)
	configFile := fs.String("config", "", "Load configuration from YAML file")
	cohort := fs.String("cohort", "", "Cohort name")
	out := fs.String("out", "audit.csv", "Output CSV file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	name := cfg.Anonymize.CohortName
	if *cohort != "" {
		name = *cohort
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("a database dsn is required")
	}

	ledger, cleanup, err := openLedger(ctx, cfg.Database.DSN, false)
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("create %s: %w", *out, err)
	}
	defer f.Close()

	if err := audit.ExportCSV(ctx, ledger, name, f); err != nil {
		return err
	}
	fmt.Printf("✓ Audit exported to %s\n", *out)
	return nil
}

// loadConfig reads the YAML file when given, otherwise returns an empty config
// so flags alone can drive a run.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return &config.Config{}, nil
	}
	return config.Load(path)
}

// buildStrategy constructs the configured ID strategy. The sequential strategy
// runs its discovery pass here, before any worker starts.
func buildStrategy(ctx context.Context, a config.AnonymizeConfig, sourcePath string) (idmap.Strategy, error) {
	switch a.IDStrategy {
	case "", "none":
		return idmap.NewNone(), nil
	case "deterministic":
		return idmap.NewDeterministic(a.IDPattern, a.Salt)
	case "folder":
		return idmap.NewFolder(idmap.FolderOptions{
			Segment: a.FolderSegment,
			Regex:   a.FolderRegex,
			Literal: a.FolderLiteral,
			Pattern: a.IDPattern,
		})
	case "csv":
		table, err := idmap.LoadCSVTable(a.CSVPath, a.CSVSourceColumn, a.CSVTargetColumn)
		if err != nil {
			return nil, err
		}
		fallback := idmap.Fallback(a.CSVFallback)
		if fallback == "" {
			fallback = idmap.FallbackHash
		}
		start := a.SequentialStart
		if start == 0 {
			start = 1
		}
		return idmap.NewCSV(idmap.CSVOptions{
			Table:    table,
			Fallback: fallback,
			Pattern:  a.IDPattern,
			Salt:     a.Salt,
			Start:    start,
		})
	case "sequential":
		mode := idmap.DiscoveryMode(a.DiscoveryMode)
		if mode == "" {
			mode = idmap.DiscoverPerTopFolder
		}
		originals, err := idmap.DiscoverOriginals(ctx, sourcePath, mode)
		if err != nil {
			return nil, fmt.Errorf("discover patient ids: %w", err)
		}
		start := a.SequentialStart
		if start == 0 {
			start = 1
		}
		return idmap.NewSequential(originals, a.IDPattern, start)
	default:
		return nil, fmt.Errorf("unknown id strategy %q", a.IDStrategy)
	}
}

// openLedger returns the postgres ledger when a DSN is configured, or the
// in-memory ledger for dry runs without a database.
func openLedger(ctx context.Context, dsn string, dryRun bool) (audit.Ledger, func(), error) {
	if dsn == "" {
		if !dryRun {
			return nil, nil, fmt.Errorf("a database dsn is required (use --dry-run to run without one)")
		}
		return audit.NewMemoryLedger(), func() {}, nil
	}
	if err := metadb.Migrate(ctx, dsn); err != nil {
		return nil, nil, err
	}
	pool, err := metadb.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return audit.NewPGLedger(pool), pool.Close, nil
}

// openStore migrates the schema and returns the metadata store.
func openStore(ctx context.Context, dsn string, log *zap.Logger) (*pgxpool.Pool, *metadb.Store, error) {
	if err := metadb.Migrate(ctx, dsn); err != nil {
		return nil, nil, err
	}
	pool, err := metadb.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pool, metadb.NewStore(pool, log), nil
}

// newLogger builds the console logger the pipelines report through. Every
// invocation carries a run id so interleaved logs from concurrent runs can be
// told apart.
func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log.With(zap.String("run_id", uuid.NewString()))
}

func printHelp() {
	fmt.Println("dicomcohort")
	fmt.Println("===========")
	fmt.Println()
	fmt.Println("Prepare neuroimaging DICOM cohorts: anonymize trees, extract metadata,")
	fmt.Println("discover acquisition stacks.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  dicomcohort <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  anonymize     Anonymize a cohort tree into derivatives/dcm-raw")
	fmt.Println("  extract       Persist metadata from an anonymized tree into PostgreSQL")
	fmt.Println("  stacks        Group series instances into stacks by acquisition parameters")
	fmt.Println("  export-audit  Export the cohort audit table as CSV")
	fmt.Println("  version       Show version")
	fmt.Println()
	fmt.Println("Every command accepts --config <file.yaml>; flags override the file.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Anonymize with sequential IDs, 8 workers")
	fmt.Println("  dicomcohort anonymize --config cohort.yaml --workers 8")
	fmt.Println()
	fmt.Println("  # Dry run without a database")
	fmt.Println("  dicomcohort anonymize --source /data/cohort --dry-run")
	fmt.Println()
	fmt.Println("  # Extract, resuming a previous run")
	fmt.Println("  dicomcohort extract --config cohort.yaml --resume")
	fmt.Println()
	fmt.Println("  # Discover stacks for a cohort")
	fmt.Println("  dicomcohort stacks --config cohort.yaml --cohort STUDY01")
}
