package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/garudex-labs/caracal/pkg/audit"
	"github.com/garudex-labs/caracal/pkg/bus"
	"github.com/garudex-labs/caracal/pkg/identity"
	"github.com/garudex-labs/caracal/pkg/ledger"
	"github.com/garudex-labs/caracal/pkg/mandate"
	"github.com/garudex-labs/caracal/pkg/metering"
	"github.com/garudex-labs/caracal/pkg/migrate"
	"github.com/garudex-labs/caracal/pkg/policy"
	"github.com/garudex-labs/caracal/pkg/snapshot"
)

const version = "0.6.0"

// Exit codes. Scripts key off these, so every command path funnels
// through exitCode instead of inventing its own.
const (
	exitOK          = 0
	exitError       = 1
	exitUsage       = 2
	exitValidation  = 3
	exitUnavailable = 4
	exitDenied      = 5
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run dispatches to the subcommands. Tests call it directly with their
// own argument vectors and writers.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return exitUsage
	}

	switch args[0] {
	case "serve", "server":
		return runServeCmd(args[1:], stdout, stderr)
	case "principal":
		return runPrincipalCmd(args[1:], stdout, stderr)
	case "policy":
		return runPolicyCmd(args[1:], stdout, stderr)
	case "mandate":
		return runMandateCmd(args[1:], stdout, stderr)
	case "ledger":
		return runLedgerCmd(args[1:], stdout, stderr)
	case "batch":
		return runBatchCmd(args[1:], stdout, stderr)
	case "snapshot":
		return runSnapshotCmd(args[1:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[1:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[1:], stdout, stderr)
	case "charges":
		return runChargesCmd(args[1:], stdout, stderr)
	case "migrate":
		return runMigrateCmd(args[1:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "caracal %s\n", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "caracal: unknown command %q\n", args[0])
		printUsage(stderr)
		return exitUsage
	}
}

// ANSI colors for usage output.
const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sCaracal %s%s\n", colorBold+colorCyan, version, colorReset)
	fmt.Fprintf(w, "%sPre-execution authority enforcement for AI agents.%s\n", colorGray, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  caracal <command> [subcommand] [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVICE")
	printCommand(w, "serve", "Run the enforcement service (gateway, consumers, batcher)")

	printSection(w, "IDENTITY & AUTHORITY")
	printCommand(w, "principal", "Manage principals (register, list, deactivate)")
	printCommand(w, "policy", "Manage authority policies (create, modify, deactivate, history, diff)")
	printCommand(w, "mandate", "Manage mandates (issue, delegate, revoke, inspect, verify-token, list)")

	printSection(w, "LEDGER & SNAPSHOTS")
	printCommand(w, "ledger", "Verify and tail the authority ledger")
	printCommand(w, "batch", "Show Merkle batcher status")
	printCommand(w, "snapshot", "Manage state snapshots (create, restore, list, verify)")

	printSection(w, "OPERATIONS")
	printCommand(w, "replay", "Rewind consumer groups (to-timestamp, to-snapshot, status)")
	printCommand(w, "audit", "Query and export the audit trail")
	printCommand(w, "charges", "Sweep expired provisional charges")
	printCommand(w, "migrate", "Import v0.1 file-based state")

	printSection(w, "MISC")
	printCommand(w, "version", "Show version")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}

// errUnavailable marks failures to reach a backing service (database,
// keystore, archive) so the dispatcher reports exit code 4 instead of a
// general failure.
type errUnavailable struct {
	err error
}

func (e *errUnavailable) Error() string { return e.err.Error() }
func (e *errUnavailable) Unwrap() error { return e.err }

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &errUnavailable{err: err}
}

// exitCode classifies err for the shell. Authority rejections come back
// as mandate.ValidationError or policy.RuleViolation and map to the
// denied code; plain lookup misses and malformed input map to the
// validation code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var unavail *errUnavailable
	if errors.As(err, &unavail) {
		return exitUnavailable
	}
	var denial *mandate.ValidationError
	if errors.As(err, &denial) {
		return exitDenied
	}
	var rule *policy.RuleViolation
	if errors.As(err, &rule) {
		return exitDenied
	}
	switch {
	case errors.Is(err, identity.ErrNotFound),
		errors.Is(err, identity.ErrParentNotFound),
		errors.Is(err, policy.ErrNotFound),
		errors.Is(err, policy.ErrActivePolicyExists),
		errors.Is(err, policy.ErrAlreadyDeactivated),
		errors.Is(err, mandate.ErrNotFound),
		errors.Is(err, mandate.ErrMalformedToken),
		errors.Is(err, mandate.ErrTokenSignature),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, snapshot.ErrNotFound),
		errors.Is(err, snapshot.ErrIncompatibleFormat),
		errors.Is(err, metering.ErrEventNotFound),
		errors.Is(err, metering.ErrChargeNotFound),
		errors.Is(err, bus.ErrNotFound),
		errors.Is(err, bus.ErrUnknownTopic),
		errors.Is(err, audit.ErrUnknownFormat),
		errors.Is(err, audit.ErrInvalidTimeRange),
		errors.Is(err, migrate.ErrUnsupportedSource):
		return exitValidation
	}
	return exitError
}

// fail prints err the way every subcommand reports and maps it to an
// exit code.
func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "caracal: %v\n", err)
	return exitCode(err)
}
