// Package core assembles the store: durability, repository, resilience,
// and health, opened over one root directory.
package core

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/audit"
	"github.com/forgeflow/forgeflow/internal/breaker"
	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/degrade"
	"github.com/forgeflow/forgeflow/internal/dlq"
	"github.com/forgeflow/forgeflow/internal/fs"
	"github.com/forgeflow/forgeflow/internal/health"
	"github.com/forgeflow/forgeflow/internal/ident"
	"github.com/forgeflow/forgeflow/internal/layout"
	"github.com/forgeflow/forgeflow/internal/ledger"
	"github.com/forgeflow/forgeflow/internal/lock"
	"github.com/forgeflow/forgeflow/internal/metrics"
	"github.com/forgeflow/forgeflow/internal/repo"
	"github.com/forgeflow/forgeflow/internal/retry"
	"github.com/forgeflow/forgeflow/internal/run"
	"github.com/forgeflow/forgeflow/internal/schema"
	"github.com/forgeflow/forgeflow/internal/wal"
)

// Options tunes Open. Zero values select production defaults.
type Options struct {
	// FS substitutes the filesystem, for fault injection in tests.
	FS fs.FS

	// Clock substitutes the time source.
	Clock ident.Clock

	// Logger is the parent logger. Nil means zap.NewNop.
	Logger *zap.Logger

	// Config carries the tunables; zero value uses config.Default().
	Config config.Config

	// Semantic plugs a semantic scorer into the repository.
	Semantic repo.SemanticScorer

	// SkipRecovery opens without replaying the journal. Inspection tooling
	// uses this to examine pending intents without consuming them.
	SkipRecovery bool
}

// Core is an opened store.
type Core struct {
	Root      layout.Root
	FS        fs.FS
	Clock     ident.Clock
	Logger    *zap.Logger
	Config    config.Config
	Metrics   *metrics.Set
	Locks     *lock.Manager
	Journal   *wal.Journal
	Writer    *wal.Writer
	Chain     *audit.Chain
	Ledger    *ledger.Ledger
	Validator *schema.Validator
	Repo      *repo.Repository
	Runs      *run.Runs
	Incidents *run.Incidents
	Mesh      *health.Mesh
	Guard     *health.Guard
	Checks    *health.Checks
	Retryer   *retry.Retryer
	Breakers  *breaker.Registry
	DLQ       *dlq.Queue
	Degrader  *degrade.Degrader

	// Recovered holds the journal intents found (and cleared) at open.
	Recovered []wal.Entry
}

// storeDirs are created at open so every subsystem finds its directory.
var storeDirs = []string{
	"_wal", "_wal_shadow", "status", "context",
	layout.MapsDir, layout.SchemaDir, layout.DLQDir,
	layout.RunsDir, layout.IncidentsDir, layout.ArchiveDir,
}

// Open initializes the store at rootDir: directory layout, default
// schemas, journal recovery, and the full subsystem graph.
func Open(rootDir string, opts Options) (*Core, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	clock := opts.Clock
	if clock == nil {
		clock = ident.SystemClock{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := opts.Config
	if cfg.Root == "" {
		cfg = config.Default()
	}

	root := layout.Root(rootDir)

	for _, dir := range storeDirs {
		err := fsys.MkdirAll(root.Path(dir), os.FileMode(0o755))
		if err != nil {
			return nil, fmt.Errorf("create store dir %s: %w", dir, err)
		}
	}

	err := schema.EnsureDefaults(fsys, root)
	if err != nil {
		return nil, err
	}

	set := metrics.NewSet()
	journal := wal.NewJournal(fsys, root, clock, logger)

	var recovered []wal.Entry

	if !opts.SkipRecovery {
		recovered, err = journal.Recover()
		if err != nil {
			return nil, err
		}

		set.WALPending.Set(float64(len(recovered)))
	}

	writer := wal.NewWriter(fsys, journal)
	chain := audit.NewChain(fsys, root, clock, logger)
	led := ledger.New(fsys, root, clock, logger)
	validator := schema.NewValidator(fsys, root)
	mesh := health.NewMesh(fsys, root, clock, logger, set)
	guard := health.NewGuard(mesh, logger)
	checks := health.NewChecks(clock, logger, set)
	retryer := retry.New(logger, set)
	breakers := breaker.NewRegistry(logger, set)
	queue := dlq.New(fsys, root, clock, logger, set)
	degrader := degrade.New(clock, logger)
	degrader.ReplaceFlags(cfg.FeatureFlags)

	locks := lock.NewManager(fsys, root, clock, logger)
	repository := repo.New(fsys, root, writer, validator, chain, led, clock, logger, opts.Semantic)
	runs := run.New(fsys, root, locks, writer, validator, chain, led, guard, clock, logger)
	incidents := run.NewIncidents(fsys, root, validator, chain, clock, logger)

	c := &Core{
		Root:      root,
		FS:        fsys,
		Clock:     clock,
		Logger:    logger,
		Config:    cfg,
		Metrics:   set,
		Locks:     locks,
		Journal:   journal,
		Writer:    writer,
		Chain:     chain,
		Ledger:    led,
		Validator: validator,
		Repo:      repository,
		Runs:      runs,
		Incidents: incidents,
		Mesh:      mesh,
		Guard:     guard,
		Checks:    checks,
		Retryer:   retryer,
		Breakers:  breakers,
		DLQ:       queue,
		Degrader:  degrader,
		Recovered: recovered,
	}

	c.registerChecks()

	return c, nil
}

// registerChecks installs the built-in store probes.
func (c *Core) registerChecks() {
	cfg := health.CheckConfig{
		Timeout:            c.Config.Health.CheckTimeout.Std(),
		HealthyThreshold:   1,
		UnhealthyThreshold: 2,
	}

	c.Checks.Register("wal", func(context.Context) error {
		_, err := c.Journal.Pending()

		return err
	}, cfg)

	c.Checks.Register("audit", func(context.Context) error {
		report, err := c.Chain.Verify()
		if err != nil {
			return err
		}

		if !report.OK() {
			return fmt.Errorf("audit chain diverged at entry %d: %s", report.DivergedAt, report.Reason)
		}

		return nil
	}, cfg)

	c.Checks.Register("lock", func(context.Context) error {
		_, err := c.Locks.Inspect()

		return err
	}, cfg)
}

// IntegrityReport is the result of a full verification pass.
type IntegrityReport struct {
	Audit      audit.Report `json:"audit"`
	WALPending int          `json:"wal_pending"`
	LedgerSeq  uint64       `json:"ledger_seq"`
}

// OK reports whether every surface verified.
func (r IntegrityReport) OK() bool {
	return r.Audit.OK() && r.WALPending == 0
}

// VerifyIntegrity checks the audit chain, pending journal intents, and the
// ledger sequence without mutating anything.
func (c *Core) VerifyIntegrity() (IntegrityReport, error) {
	auditReport, err := c.Chain.Verify()
	if err != nil {
		return IntegrityReport{}, err
	}

	pending, err := c.Journal.Pending()
	if err != nil {
		return IntegrityReport{}, err
	}

	seq, err := c.Ledger.Seq()
	if err != nil {
		return IntegrityReport{}, err
	}

	return IntegrityReport{
		Audit:      auditReport,
		WALPending: len(pending),
		LedgerSeq:  seq,
	}, nil
}
