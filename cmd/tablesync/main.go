// Command tablesync is the operator surface of spec §6: trigger or
// schedule table syncs, inspect checkpoints and failures, and verify
// database connectivity. Kong usage mirrors the teacher's cmd/lint +
// pkg/lint.Lint split: this file only parses flags and dispatches: the
// command structs and their Run methods live in pkg/cli.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/tablesync/tablesync/pkg/cli"
	"github.com/tablesync/tablesync/pkg/config"
)

// Exit codes per spec §6: 0 success, 1 operational failure, 2 usage error.
const (
	exitSuccess     = 0
	exitOperational = 1
	exitUsage       = 2
)

func main() {
	var root cli.CLI
	parser, err := kong.New(&root,
		kong.Name("tablesync"),
		kong.Description("Incremental MySQL-to-PostgreSQL table sync engine."),
		kong.Exit(func(code int) { os.Exit(exitUsage) }),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	ctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		parser.FatalIfErrorf(err)
		return
	}

	cfg, err := config.Load(root.TablesConfig, root.ScheduleConfig, root.RuntimeConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitOperational)
	}

	app, err := cli.NewApp(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitOperational)
	}
	defer app.Close()

	if err := ctx.Run(app); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitOperational)
	}
	os.Exit(exitSuccess)
}
