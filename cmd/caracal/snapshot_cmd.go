package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/garudex-labs/caracal/pkg/archive"
	"github.com/garudex-labs/caracal/pkg/crypto"
	"github.com/garudex-labs/caracal/pkg/snapshot"
)

func runSnapshotCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: caracal snapshot <create|restore|list|verify> [flags]")
		return exitUsage
	}
	switch args[0] {
	case "create":
		return runSnapshotCreate(args[1:], stdout, stderr)
	case "restore":
		return runSnapshotRestore(args[1:], stdout, stderr)
	case "list":
		return runSnapshotList(args[1:], stdout, stderr)
	case "verify":
		return runSnapshotVerify(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "caracal snapshot: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

// snapshotter assembles the full snapshot stack for one command.
func (rt *runtime) snapshotter(ctx context.Context) (*snapshot.Snapshotter, error) {
	ks, err := rt.openKeystore()
	if err != nil {
		return nil, err
	}
	objects, err := archive.New(ctx, archive.Config{
		Backend:  rt.cfg.Archive.Backend,
		Dir:      rt.cfg.Snapshot.Directory,
		Bucket:   rt.cfg.Archive.Bucket,
		Region:   rt.cfg.Archive.Region,
		Endpoint: rt.cfg.Archive.Endpoint,
		Prefix:   rt.cfg.Archive.Prefix,
	})
	if err != nil {
		return nil, unavailable(fmt.Errorf("open archive: %w", err))
	}
	return snapshot.NewSnapshotter(snapshot.Stores{
		Principals: rt.principals,
		Policies:   rt.policies,
		Mandates:   rt.mandates,
		Ledger:     rt.events,
		Catalog:    rt.catalog,
	}, objects, ks.ActiveSigner(), crypto.StaticKeys(ks.PublicKeys()), rt.logger).
		WithKeep(rt.cfg.Snapshot.Keep), nil
}

func runSnapshotCreate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("snapshot create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	ctx := context.Background()
	sn, err := rt.snapshotter(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	meta, err := sn.Create(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, meta); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runSnapshotRestore(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("snapshot restore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "snapshot id (required)")
	confirm := fs.Bool("confirm", false, "actually overwrite current state")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" {
		fmt.Fprintln(stderr, "caracal snapshot restore: -id is required")
		return exitUsage
	}
	if !*confirm {
		fmt.Fprintln(stderr, "caracal snapshot restore: overwrites principals, policies, and mandates; re-run with -confirm")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	ctx := context.Background()
	sn, err := rt.snapshotter(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	res, err := sn.Restore(ctx, *id)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, res); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "state restored; replay consumers from %s to catch up\n",
		res.ReplayFrom.Format("2006-01-02T15:04:05Z07:00"))
	return exitOK
}

func runSnapshotList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("snapshot list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	list, err := rt.catalog.List(context.Background())
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, list); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runSnapshotVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("snapshot verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "snapshot id (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" {
		fmt.Fprintln(stderr, "caracal snapshot verify: -id is required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	ctx := context.Background()
	sn, err := rt.snapshotter(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	res, err := sn.Verify(ctx, *id)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, res); err != nil {
		return fail(stderr, err)
	}
	if !res.ValidSignature {
		return exitError
	}
	return exitOK
}
