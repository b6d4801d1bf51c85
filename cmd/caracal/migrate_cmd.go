package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/garudex-labs/caracal/pkg/migrate"
)

func runMigrateCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: caracal migrate <v01|validate> [flags]")
		return exitUsage
	}
	switch args[0] {
	case "v01":
		return runMigrateV01(args[1:], stdout, stderr)
	case "validate":
		return runMigrateValidate(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "caracal migrate: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func runMigrateV01(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("migrate v01", flag.ContinueOnError)
	fs.SetOutput(stderr)
	source := fs.String("source", "", "directory holding agents.json, policies.json, ledger.jsonl (required)")
	dryRun := fs.Bool("dry-run", false, "read and report without writing")
	agentsOnly := fs.Bool("agents-only", false, "migrate agents only")
	policiesOnly := fs.Bool("policies-only", false, "migrate policies only")
	ledgerOnly := fs.Bool("ledger-only", false, "migrate the usage ledger only")
	batchSize := fs.Int("batch-size", 0, "rows per import batch (0 = default)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *source == "" {
		fmt.Fprintln(stderr, "caracal migrate v01: -source is required")
		return exitUsage
	}
	only := 0
	for _, f := range []bool{*agentsOnly, *policiesOnly, *ledgerOnly} {
		if f {
			only++
		}
	}
	if only > 1 {
		fmt.Fprintln(stderr, "caracal migrate v01: use at most one of -agents-only, -policies-only, -ledger-only")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	m := migrate.NewMigrator(rt.principals, rt.policies, rt.meter, rt.logger)
	summary, err := m.Run(context.Background(), migrate.Options{
		SourceDir:    *source,
		DryRun:       *dryRun,
		AgentsOnly:   *agentsOnly,
		PoliciesOnly: *policiesOnly,
		LedgerOnly:   *ledgerOnly,
		BatchSize:    *batchSize,
	})
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, summary); err != nil {
		return fail(stderr, err)
	}
	if !summary.Clean() {
		fmt.Fprintln(stderr, "caracal migrate v01: finished with record errors, see summary")
		return exitValidation
	}
	return exitOK
}

func runMigrateValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("migrate validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	source := fs.String("source", "", "directory holding the v0.1 files (required)")
	spotChecks := fs.Int("spot-checks", 0, "ledger lines to sample (0 = default)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *source == "" {
		fmt.Fprintln(stderr, "caracal migrate validate: -source is required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	m := migrate.NewMigrator(rt.principals, rt.policies, rt.meter, rt.logger)
	result, err := m.Validate(context.Background(), *source, *spotChecks)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, result); err != nil {
		return fail(stderr, err)
	}
	if !result.Valid() {
		fmt.Fprintln(stderr, "caracal migrate validate: stores do not match the source, see errors")
		return exitValidation
	}
	return exitOK
}
