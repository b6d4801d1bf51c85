package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/garudex-labs/caracal/pkg/identity"
)

func runPrincipalCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: caracal principal <register|list|deactivate|set-key> [flags]")
		return exitUsage
	}
	switch args[0] {
	case "register":
		return runPrincipalRegister(args[1:], stdout, stderr)
	case "list":
		return runPrincipalList(args[1:], stdout, stderr)
	case "deactivate":
		return runPrincipalDeactivate(args[1:], stdout, stderr)
	case "set-key":
		return runPrincipalSetKey(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "caracal principal: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

func runPrincipalRegister(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("principal register", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "unique principal name (required)")
	owner := fs.String("owner", "", "owning team or user (required)")
	ptype := fs.String("type", "agent", "principal type: user, agent, or service")
	parent := fs.String("parent", "", "parent principal id for sub-agents")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *name == "" || *owner == "" {
		fmt.Fprintln(stderr, "caracal principal register: -name and -owner are required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	p, err := rt.principals.Register(context.Background(), *name, *owner, identity.PrincipalType(*ptype), *parent)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, p); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runPrincipalList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("principal list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	ptype := fs.String("type", "", "filter by principal type")
	owner := fs.String("owner", "", "filter by owner")
	activeOnly := fs.Bool("active", false, "only active principals")
	limit := fs.Int("limit", 0, "maximum rows (0 = no limit)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	list, err := rt.principals.List(context.Background(), identity.Filter{
		Type:       identity.PrincipalType(*ptype),
		Owner:      *owner,
		ActiveOnly: *activeOnly,
		Limit:      *limit,
	})
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, list); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runPrincipalDeactivate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("principal deactivate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "principal id (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" {
		fmt.Fprintln(stderr, "caracal principal deactivate: -id is required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	if err := rt.principals.Deactivate(context.Background(), *id); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "principal %s deactivated\n", *id)
	return exitOK
}

func runPrincipalSetKey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("principal set-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "principal id (required)")
	keyFile := fs.String("key-file", "", "path to an SPKI PEM public key (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" || *keyFile == "" {
		fmt.Fprintln(stderr, "caracal principal set-key: -id and -key-file are required")
		return exitUsage
	}

	pem, err := os.ReadFile(*keyFile)
	if err != nil {
		return fail(stderr, fmt.Errorf("read key file: %w", err))
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	if err := rt.principals.SetPublicKey(context.Background(), *id, string(pem)); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "principal %s key updated\n", *id)
	return exitOK
}
