package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/garudex-labs/caracal/pkg/metering"
)

func runChargesCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: caracal charges <cleanup|list> [flags]")
		return exitUsage
	}
	switch args[0] {
	case "cleanup":
		return runChargesCleanup(args[1:], stdout, stderr)
	case "list":
		return runChargesList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "caracal charges: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func runChargesCleanup(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("charges cleanup", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dryRun := fs.Bool("dry-run", false, "count expired holds without releasing them")
	batchSize := fs.Int("batch-size", metering.DefaultCleanupBatch, "rows released per pass")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()
	ctx := context.Background()

	if *dryRun {
		charges, err := rt.meter.ListCharges(ctx, metering.ChargeFilter{ShowExpired: true})
		if err != nil {
			return fail(stderr, err)
		}
		now := time.Now().UTC()
		expired := 0
		for _, c := range charges {
			if c.Status(now) == metering.ChargeExpired {
				expired++
			}
		}
		fmt.Fprintf(stdout, "%d expired charge(s) would be released\n", expired)
		return exitOK
	}

	total := 0
	for {
		n, err := rt.meter.CleanupExpired(ctx, *batchSize)
		if err != nil {
			return fail(stderr, err)
		}
		total += n
		if n < *batchSize {
			break
		}
	}
	fmt.Fprintf(stdout, "%d expired charge(s) released\n", total)
	return exitOK
}

func runChargesList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("charges list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	principal := fs.String("principal", "", "filter by principal id")
	showExpired := fs.Bool("show-expired", false, "include expired holds awaiting cleanup")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	charges, err := rt.meter.ListCharges(context.Background(), metering.ChargeFilter{
		PrincipalID: *principal,
		ShowExpired: *showExpired,
	})
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, charges); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}
