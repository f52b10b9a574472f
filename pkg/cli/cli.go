package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tablesync/tablesync/pkg/failurestore"
	"github.com/tablesync/tablesync/pkg/orchestrator"
	"github.com/tablesync/tablesync/pkg/scheduler"
)

// CLI is the kong root grammar: global config-path flags plus the six
// operator commands of spec §6.
type CLI struct {
	TablesConfig   string `help:"Path to the table mapping YAML document." default:"config/tables.yaml"`
	ScheduleConfig string `help:"Path to the schedule YAML document." default:"config/schedule.yaml"`
	RuntimeConfig  string `help:"Path to the runtime settings YAML document." default:"config/runtime.yaml"`

	Sync           SyncCmd           `cmd:"" help:"Trigger a run once and print its RunReport."`
	Daemon         DaemonCmd         `cmd:"" help:"Run the Scheduler in the foreground."`
	Status         StatusCmd         `cmd:"" help:"Print the lock state, per-table checkpoints, and failure stats."`
	Reset          ResetCmd          `cmd:"" help:"Delete a table's checkpoint, or every checkpoint."`
	Failures       FailuresCmd       `cmd:"" help:"List or export failed records."`
	TestConnection TestConnectionCmd `cmd:"" name:"test-connection" help:"Verify both the source and target database contracts."`
}

// SyncCmd implements `sync [--tables list] [--full] [--no-resume]`.
type SyncCmd struct {
	Tables   []string `help:"Target tables to sync (default: all configured tables)." sep:","`
	Full     bool     `help:"Ignore any stored checkpoint and sync from the beginning."`
	NoResume bool     `help:"Do not resume from any stored checkpoint; like --full, sync every requested table from the beginning."`
}

// Run triggers one Orchestrator pass and prints its RunReport. Per spec
// §7's user-visible-outcome rule, the process exits non-zero only when at
// least one table reported a table-level (non-row-level) error; rows
// rejected into the Failure Store are reflected in Counters.Failed but do
// not themselves fail the command.
func (c *SyncCmd) Run(app *App) error {
	full := c.Full || c.NoResume
	report, err := app.Run(context.Background(), c.Tables, full)
	if err != nil {
		return err
	}
	printReport(report)

	var failedTables int
	for _, t := range report.Tables {
		if t.Err != nil {
			failedTables++
		}
	}
	if failedTables > 0 {
		return fmt.Errorf("%d of %d table(s) reported a fatal error", failedTables, len(report.Tables))
	}
	return nil
}

// DaemonCmd implements `daemon`.
type DaemonCmd struct{}

// Run starts the cron Scheduler and blocks until SIGINT/SIGTERM, letting
// any in-flight run finish before returning (spec §4.8).
func (c *DaemonCmd) Run(app *App) error {
	sched := scheduler.New(app.Config.Runtime.LockFilePath, app.Run)
	sched.SetLogger(app.Logger)

	for _, entry := range app.Config.Schedules {
		if err := sched.AddSchedule(entry); err != nil {
			return err
		}
	}
	if err := sched.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	app.Logger.Infof("scheduler running with %d schedule(s); waiting for signal", len(app.Config.Schedules))
	<-sig

	app.Logger.Infof("shutting down: waiting for any in-flight run to finish")
	<-sched.Stop().Done()
	return nil
}

// StatusCmd implements `status`.
type StatusCmd struct{}

func (c *StatusCmd) Run(app *App) error {
	pid, held := scheduler.HeldByPID(app.Config.Runtime.LockFilePath)
	if held {
		fmt.Printf("scheduler lock: held (pid %d)\n", pid)
	} else {
		fmt.Println("scheduler lock: free")
	}

	fmt.Println("\ncheckpoints:")
	for _, mapping := range app.Config.Tables {
		cp, err := app.Checkpoints.Get(context.Background(), mapping.TargetTable)
		if err != nil {
			return fmt.Errorf("reading checkpoint for %s: %w", mapping.TargetTable, err)
		}
		if cp == nil {
			fmt.Printf("  %-24s (never synced)\n", mapping.TargetTable)
			continue
		}
		fmt.Printf("  %-24s status=%-10s cursor=(%s, %s) offset=%d synced=%d\n",
			mapping.TargetTable, cp.Status, cp.LastTs, cp.LastPk, cp.LastOffset, cp.RecordsSynced)
	}

	stats, err := app.Failures.Statistics(context.Background())
	if err != nil {
		return fmt.Errorf("reading failure statistics: %w", err)
	}
	fmt.Printf("\nfailed records: %d total\n", stats.Total)
	for status, n := range stats.ByStatus {
		fmt.Printf("  %-12s %d\n", status, n)
	}
	return nil
}

// ResetCmd implements `reset <table|all>`.
type ResetCmd struct {
	Table string `arg:"" help:"Target table name, or \"all\" to reset every configured table."`
}

func (c *ResetCmd) Run(app *App) error {
	ctx := context.Background()
	if c.Table == "all" {
		for _, mapping := range app.Config.Tables {
			if err := app.Checkpoints.Reset(ctx, mapping.TargetTable); err != nil {
				return fmt.Errorf("resetting %s: %w", mapping.TargetTable, err)
			}
		}
		fmt.Printf("reset %d checkpoint(s)\n", len(app.Config.Tables))
		return nil
	}
	if _, ok := app.Config.TableByTarget(c.Table); !ok {
		return fmt.Errorf("unknown table %q", c.Table)
	}
	if err := app.Checkpoints.Reset(ctx, c.Table); err != nil {
		return err
	}
	fmt.Printf("reset checkpoint for %s\n", c.Table)
	return nil
}

// FailuresCmd implements `failures [--table T] [--status S] [--export path]
// | --retry id,id,... | --resolve id,id,... | --ignore id,id,...`. One
// action runs per invocation, matching the Python failure handler's CLI:
// --retry if set, otherwise --resolve, otherwise --ignore, otherwise the
// listing or export. Other flags given alongside the chosen action are
// not rejected; they have no effect.
type FailuresCmd struct {
	Table   string  `help:"Restrict to one table."`
	Status  string  `help:"Restrict to one status (pending|resolved|ignored|retrying)."`
	Export  string  `help:"Write the matching records as CSV to this path instead of printing a summary." type:"path"`
	Retry   []int64 `help:"Replay these failed record ids back through transform/validate/load." sep:","`
	Resolve []int64 `help:"Mark these failed record ids resolved without retrying them." sep:","`
	Ignore  []int64 `help:"Mark these failed record ids ignored without retrying them." sep:","`
}

func (c *FailuresCmd) Run(app *App) error {
	ctx := context.Background()

	switch {
	case len(c.Retry) > 0:
		return c.runRetry(ctx, app)
	case len(c.Resolve) > 0:
		return c.runMutate(ctx, c.Resolve, "resolved", app.Failures.MarkResolved)
	case len(c.Ignore) > 0:
		return c.runMutate(ctx, c.Ignore, "ignored", app.Failures.MarkIgnored)
	}

	filter := failurestore.ListFilter{
		Table:  c.Table,
		Status: failurestore.Status(c.Status),
	}
	records, err := app.Failures.List(ctx, filter)
	if err != nil {
		return err
	}

	if c.Export != "" {
		return exportCSV(c.Export, records)
	}

	for _, r := range records {
		fmt.Printf("[%d] %s/%s stage=%s kind=%s status=%s retries=%d: %s\n",
			r.ID, r.TableName, r.SourceRecordID, r.Stage, r.ErrorKind, r.Status, r.RetryCount, r.ErrorMessage)
	}
	fmt.Printf("%d record(s)\n", len(records))
	return nil
}

func (c *FailuresCmd) runRetry(ctx context.Context, app *App) error {
	rts, err := app.TableRuntimes(nil)
	if err != nil {
		return err
	}
	report, err := app.Orchestrator.RetryFailed(ctx, rts, c.Retry)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func (c *FailuresCmd) runMutate(ctx context.Context, ids []int64, verb string, mutate func(context.Context, int64) error) error {
	for _, id := range ids {
		if err := mutate(ctx, id); err != nil {
			return fmt.Errorf("marking %d %s: %w", id, verb, err)
		}
	}
	fmt.Printf("%s %d record(s)\n", verb, len(ids))
	return nil
}

func exportCSV(path string, records []*failurestore.FailedRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"id", "run_id", "table_name", "source_record_id", "stage", "error_kind",
		"error_message", "retry_count", "status", "created_at", "updated_at",
		"source_data", "transformed_data",
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		srcJSON, _ := json.Marshal(r.SourceData)
		trJSON, _ := json.Marshal(r.TransformedData)
		row := []string{
			strconv.FormatInt(r.ID, 10), r.RunID, r.TableName, r.SourceRecordID, string(r.Stage), r.ErrorKind,
			r.ErrorMessage, strconv.Itoa(r.RetryCount), string(r.Status),
			r.CreatedAt.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339),
			string(srcJSON), string(trJSON),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	fmt.Printf("exported %d record(s) to %s\n", len(records), path)
	return nil
}

// TestConnectionCmd implements `test-connection`.
type TestConnectionCmd struct{}

func (c *TestConnectionCmd) Run(app *App) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.SourceDB.PingContext(ctx); err != nil {
		return fmt.Errorf("source database unreachable: %w", err)
	}
	fmt.Println("source database: ok")

	if err := app.TargetDB.PingContext(ctx); err != nil {
		return fmt.Errorf("target database unreachable: %w", err)
	}
	fmt.Println("target database: ok")
	return nil
}

func printReport(report *orchestrator.RunReport) {
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Printf("run %s: (failed to render report: %v)\n", report.RunID, err)
		return
	}
	fmt.Println(string(b))
}
