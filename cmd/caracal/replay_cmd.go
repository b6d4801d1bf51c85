package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/garudex-labs/caracal/pkg/bus"
)

func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: caracal replay <to-timestamp|to-snapshot|status> [flags]")
		return exitUsage
	}
	switch args[0] {
	case "to-timestamp":
		return runReplayToTimestamp(args[1:], stdout, stderr)
	case "to-snapshot":
		return runReplayToSnapshot(args[1:], stdout, stderr)
	case "status":
		return runReplayStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "caracal replay: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func replayFlags(fs *flag.FlagSet) (group, topics *string) {
	group = fs.String("group", ledgerWriterGroup, "consumer group to rewind")
	topics = fs.String("topics", bus.TopicAuthorityEvents+","+bus.TopicMeteringEvents,
		"comma-separated topics to rewind")
	return
}

// startReplay rewinds the group and records the run. The service's
// consumers pick up from the moved offsets; this command only moves them.
func startReplay(rt *runtime, group string, topics []string, from time.Time, stdout, stderr io.Writer) int {
	replayer := bus.NewReplayer(rt.bus, rt.logger)
	run, err := replayer.Start(context.Background(), group, topics, from)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, run); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runReplayToTimestamp(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay to-timestamp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	group, topics := replayFlags(fs)
	ts := fs.String("timestamp", "", "RFC 3339 time to rewind to (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *ts == "" {
		fmt.Fprintln(stderr, "caracal replay to-timestamp: -timestamp is required")
		return exitUsage
	}
	from, err := time.Parse(time.RFC3339, *ts)
	if err != nil {
		fmt.Fprintf(stderr, "caracal replay to-timestamp: bad -timestamp: %v\n", err)
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	return startReplay(rt, *group, splitList(*topics), from, stdout, stderr)
}

func runReplayToSnapshot(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay to-snapshot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	group, topics := replayFlags(fs)
	snapshotID := fs.String("snapshot-id", "", "snapshot whose creation time to rewind to (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *snapshotID == "" {
		fmt.Fprintln(stderr, "caracal replay to-snapshot: -snapshot-id is required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	meta, err := rt.catalog.Get(context.Background(), *snapshotID)
	if err != nil {
		return fail(stderr, err)
	}
	return startReplay(rt, *group, splitList(*topics), meta.CreatedAt, stdout, stderr)
}

func runReplayStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "show one replay run")
	all := fs.Bool("all", false, "include completed and failed runs")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	replayer := bus.NewReplayer(rt.bus, rt.logger)
	ctx := context.Background()

	if *id != "" {
		run, err := replayer.Get(ctx, *id)
		if err != nil {
			return fail(stderr, err)
		}
		if err := printJSON(stdout, run); err != nil {
			return fail(stderr, err)
		}
		return exitOK
	}

	runs, err := replayer.List(ctx, !*all)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, runs); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}
