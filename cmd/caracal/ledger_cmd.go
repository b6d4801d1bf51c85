package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/garudex-labs/caracal/pkg/crypto"
	"github.com/garudex-labs/caracal/pkg/ledger"
)

func runLedgerCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: caracal ledger <verify|tail> [flags]")
		return exitUsage
	}
	switch args[0] {
	case "verify":
		return runLedgerVerify(args[1:], stdout, stderr)
	case "tail":
		return runLedgerTail(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "caracal ledger: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func runLedgerVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledger verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	event := fs.Int64("event", 0, "verify one event's Merkle inclusion and batch signature")
	from := fs.Int64("from", 1, "first event id for a chain walk")
	to := fs.Int64("to", 0, "last event id for a chain walk (0 = newest)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	ks, err := rt.openKeystore()
	if err != nil {
		return fail(stderr, err)
	}
	verifier := ledger.NewVerifier(rt.events, crypto.StaticKeys(ks.PublicKeys()))
	ctx := context.Background()

	if *event > 0 {
		res, err := verifier.VerifyEvent(ctx, *event)
		if err != nil {
			return fail(stderr, err)
		}
		if err := printJSON(stdout, res); err != nil {
			return fail(stderr, err)
		}
		if !res.Contained || !res.ValidSignature {
			return exitError
		}
		return exitOK
	}

	last := *to
	if last <= 0 {
		if last, err = rt.events.MaxEventID(ctx); err != nil {
			return fail(stderr, err)
		}
	}
	if last == 0 {
		fmt.Fprintln(stdout, "ledger is empty")
		return exitOK
	}
	n, err := verifier.VerifyChain(ctx, *from, last)
	if err != nil {
		fmt.Fprintf(stderr, "caracal: chain broken: %v\n", err)
		return exitError
	}
	fmt.Fprintf(stdout, "hash chain intact: %d events verified (%d..%d)\n", n, *from, last)
	return exitOK
}

func runLedgerTail(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ledger tail", flag.ContinueOnError)
	fs.SetOutput(stderr)
	n := fs.Int("n", 20, "number of events to show")
	asJSON := fs.Bool("json", false, "print full rows as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	rows, err := rt.events.Tail(context.Background(), *n)
	if err != nil {
		return fail(stderr, err)
	}
	if *asJSON {
		if err := printJSON(stdout, rows); err != nil {
			return fail(stderr, err)
		}
		return exitOK
	}
	for _, r := range rows {
		detail := r.Decision
		if r.DenialKind != "" {
			detail = fmt.Sprintf("%s (%s)", r.Decision, r.DenialKind)
		}
		fmt.Fprintf(stdout, "%8d  %-27s %-18s %-24s %s\n",
			r.EventID, r.Timestamp, r.Kind, r.PrincipalID, detail)
	}
	return exitOK
}

// batchStatus is derived from the database, not from a running batcher,
// so it works whether or not the service is up.
type batchStatus struct {
	MaxEventID         int64           `json:"max_event_id"`
	LastBatchedEventID int64           `json:"last_batched_event_id"`
	PendingEvents      int64           `json:"pending_events"`
	RecentBatches      []*ledger.Batch `json:"recent_batches"`
}

func runBatchCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "status" {
		fmt.Fprintln(stderr, "Usage: caracal batch status [flags]")
		return exitUsage
	}
	fs := flag.NewFlagSet("batch status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 5, "number of recent batches to include")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	ctx := context.Background()
	maxID, err := rt.events.MaxEventID(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	lastBatched, err := rt.events.LastBatchedEventID(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	batches, err := rt.events.Batches(ctx, *limit)
	if err != nil {
		return fail(stderr, err)
	}

	out := batchStatus{
		MaxEventID:         maxID,
		LastBatchedEventID: lastBatched,
		PendingEvents:      maxID - lastBatched,
		RecentBatches:      batches,
	}
	if err := printJSON(stdout, out); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}
