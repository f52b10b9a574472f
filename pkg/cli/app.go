// Package cli wires the engine's stores, connections, and Orchestrator
// into the operator-facing commands of spec §6 ("Operator surface"),
// following the teacher's split of a thin cmd/ executable around a
// heavier pkg/ package holding the actual command structs and Run
// methods (cmd/lint/lint.go + pkg/lint.Lint in the teacher).
package cli

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/siddontang/loggers"

	"github.com/tablesync/tablesync/internal/migrations"
	"github.com/tablesync/tablesync/pkg/checkpointstore"
	"github.com/tablesync/tablesync/pkg/config"
	"github.com/tablesync/tablesync/pkg/dbconn"
	"github.com/tablesync/tablesync/pkg/failurestore"
	"github.com/tablesync/tablesync/pkg/orchestrator"
	"github.com/tablesync/tablesync/pkg/source"
	"github.com/tablesync/tablesync/pkg/target"
)

// App bundles every long-lived dependency a command needs: the loaded
// configuration, both database connections, the two stores, and an
// Orchestrator wired against them.
type App struct {
	Config       *config.Config
	SourceDB     *sql.DB
	TargetDB     *sql.DB
	Logger       loggers.Advanced
	Checkpoints  checkpointstore.Store
	Failures     failurestore.Store
	Orchestrator *orchestrator.Orchestrator
}

// NewApp opens both database contracts named in spec §6, applies any
// pending Checkpoint/Failure Store migrations against the target, and
// wires an Orchestrator. Callers must Close it when done.
func NewApp(cfg *config.Config) (*App, error) {
	logger := logrus.New()

	sourceDB, err := dbconn.Open("mysql", cfg.Runtime.SourceDSN, dbconn.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("opening source database: %w", err)
	}

	targetDB, err := dbconn.Open("postgres", cfg.Runtime.TargetDSN, dbconn.NewConfig())
	if err != nil {
		sourceDB.Close()
		return nil, fmt.Errorf("opening target database: %w", err)
	}

	if err := migrations.Apply(targetDB); err != nil {
		sourceDB.Close()
		targetDB.Close()
		return nil, err
	}

	checkpoints := checkpointstore.NewPostgresStore(targetDB)
	failures := failurestore.NewPostgresStore(targetDB)

	orch := orchestrator.New(checkpoints, failures, cfg.Runtime.MaxWorkers, cfg.Runtime.BatchSize)
	orch.SetLogger(logger)
	orch.SetBatchTimeout(cfg.Runtime.BatchTimeout)

	return &App{
		Config:       cfg,
		SourceDB:     sourceDB,
		TargetDB:     targetDB,
		Logger:       logger,
		Checkpoints:  checkpoints,
		Failures:     failures,
		Orchestrator: orch,
	}, nil
}

// Close releases both database connections.
func (a *App) Close() {
	a.SourceDB.Close()
	a.TargetDB.Close()
}

// TableRuntimes builds an orchestrator.TableRuntime per requested target
// table name, or for every configured table when names is empty.
func (a *App) TableRuntimes(names []string) ([]orchestrator.TableRuntime, error) {
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}

	var rts []orchestrator.TableRuntime
	for _, mapping := range a.Config.Tables {
		if len(want) > 0 && !want[mapping.TargetTable] {
			continue
		}
		delete(want, mapping.TargetTable)
		ex := source.New(a.SourceDB, mapping, a.Logger)
		rts = append(rts, orchestrator.TableRuntime{
			Mapping:   mapping,
			Extractor: orchestrator.ExtractorAdapter{Extractor: ex},
			Loader:    target.New(a.TargetDB, mapping),
		})
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for n := range want {
			unknown = append(unknown, n)
		}
		return nil, fmt.Errorf("unknown table(s) requested: %v", unknown)
	}
	return rts, nil
}

// Run builds the requested table runtimes and drives one Orchestrator
// pass. It is the function both the `sync` command and the Scheduler's
// cron-triggered RunFunc call into.
func (a *App) Run(ctx context.Context, tables []string, full bool) (*orchestrator.RunReport, error) {
	rts, err := a.TableRuntimes(tables)
	if err != nil {
		return nil, err
	}
	mode := orchestrator.ModeIncremental
	if full {
		mode = orchestrator.ModeFull
	}
	return a.Orchestrator.Run(ctx, rts, mode)
}
