package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/garudex-labs/caracal/pkg/archive"
	"github.com/garudex-labs/caracal/pkg/audit"
)

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: caracal audit <query|export> [flags]")
		return exitUsage
	}
	switch args[0] {
	case "query":
		return runAuditQuery(args[1:], stdout, stderr)
	case "export":
		return runAuditExport(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "caracal audit: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func auditFilterFlags(fs *flag.FlagSet) (principal, eventType, topic, correlation, since, until *string, after *int64, limit *int) {
	principal = fs.String("principal", "", "filter by principal id")
	eventType = fs.String("event-type", "", "filter by event type")
	topic = fs.String("topic", "", "filter by source topic")
	correlation = fs.String("correlation", "", "filter by correlation id")
	since = fs.String("since", "", "RFC 3339 lower bound on event time")
	until = fs.String("until", "", "RFC 3339 upper bound on event time")
	after = fs.Int64("after", 0, "keyset cursor: only log ids greater than this")
	limit = fs.Int("limit", 100, "maximum rows")
	return
}

func buildAuditFilter(principal, eventType, topic, correlation, since, until string, after int64, limit int) (audit.Filter, error) {
	f := audit.Filter{
		PrincipalID:   principal,
		EventType:     eventType,
		Topic:         topic,
		CorrelationID: correlation,
		AfterLogID:    after,
		Limit:         limit,
	}
	var err error
	if since != "" {
		if f.Since, err = time.Parse(time.RFC3339, since); err != nil {
			return f, fmt.Errorf("bad -since: %w", err)
		}
	}
	if until != "" {
		if f.Until, err = time.Parse(time.RFC3339, until); err != nil {
			return f, fmt.Errorf("bad -until: %w", err)
		}
	}
	return f, nil
}

func runAuditQuery(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	principal, eventType, topic, correlation, since, until, after, limit := auditFilterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	filter, err := buildAuditFilter(*principal, *eventType, *topic, *correlation, *since, *until, *after, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "caracal audit query: %v\n", err)
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	entries, err := rt.audits.Query(context.Background(), filter)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, entries); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runAuditExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	principal, eventType, topic, correlation, since, until, after, limit := auditFilterFlags(fs)
	format := fs.String("format", "json", "export format: json, csv, or syslog")
	out := fs.String("out", "", "write to this file instead of stdout")
	ship := fs.Bool("ship", false, "upload to the configured archive instead of writing locally")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	filter, err := buildAuditFilter(*principal, *eventType, *topic, *correlation, *since, *until, *after, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "caracal audit export: %v\n", err)
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	ctx := context.Background()
	exporter := audit.NewExporter(rt.audits, rt.logger)

	if *ship {
		objects, err := archive.New(ctx, archive.Config{
			Backend:  rt.cfg.Archive.Backend,
			Dir:      rt.cfg.Snapshot.Directory,
			Bucket:   rt.cfg.Archive.Bucket,
			Region:   rt.cfg.Archive.Region,
			Endpoint: rt.cfg.Archive.Endpoint,
			Prefix:   rt.cfg.Archive.Prefix,
		})
		if err != nil {
			return fail(stderr, unavailable(fmt.Errorf("open archive: %w", err)))
		}
		key, err := exporter.WithArchive(objects).Ship(ctx, filter, audit.Format(*format))
		if err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintf(stdout, "audit export shipped: %s\n", key)
		return exitOK
	}

	data, err := exporter.Export(ctx, filter, audit.Format(*format))
	if err != nil {
		return fail(stderr, err)
	}
	if *out != "" {
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			return fail(stderr, err)
		}
		fmt.Fprintf(stdout, "audit export written: %s (%d bytes)\n", *out, len(data))
		return exitOK
	}
	if _, err := stdout.Write(data); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}
