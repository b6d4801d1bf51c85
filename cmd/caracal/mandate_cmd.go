package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/garudex-labs/caracal/pkg/mandate"
)

func runMandateCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: caracal mandate <issue|delegate|revoke|inspect|verify-token|list> [flags]")
		return exitUsage
	}
	switch args[0] {
	case "issue":
		return runMandateIssue(args[1:], stdout, stderr)
	case "delegate":
		return runMandateDelegate(args[1:], stdout, stderr)
	case "revoke":
		return runMandateRevoke(args[1:], stdout, stderr)
	case "inspect":
		return runMandateInspect(args[1:], stdout, stderr)
	case "verify-token":
		return runMandateVerifyToken(args[1:], stdout, stderr)
	case "list":
		return runMandateList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "caracal mandate: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

// grantOutput pairs the stored mandate with the signed token the holder
// presents to the gateway.
type grantOutput struct {
	Mandate *mandate.Mandate `json:"mandate"`
	Token   string           `json:"token"`
}

func runMandateIssue(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mandate issue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	issuer := fs.String("issuer", "", "issuing principal id (required)")
	subject := fs.String("subject", "", "subject principal id (required)")
	resources := fs.String("resources", "", "comma-separated resource scope (required)")
	actions := fs.String("actions", "", "comma-separated action scope (required)")
	validity := fs.Int64("validity", 3600, "validity window in seconds")
	intent := fs.String("intent", "", "free-form intent JSON recorded on the mandate")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *issuer == "" || *subject == "" || *resources == "" || *actions == "" {
		fmt.Fprintln(stderr, "caracal mandate issue: -issuer, -subject, -resources, and -actions are required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	mgr, ks, err := rt.manager()
	if err != nil {
		return fail(stderr, err)
	}

	m, err := mgr.Issue(context.Background(), mandate.IssueRequest{
		IssuerID:        *issuer,
		SubjectID:       *subject,
		ResourceScope:   splitList(*resources),
		ActionScope:     splitList(*actions),
		ValiditySeconds: *validity,
		Intent:          intentJSON(*intent),
	})
	if err != nil {
		return fail(stderr, err)
	}
	token, err := mandate.EncodeToken(m, ks.ActiveSigner())
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, grantOutput{Mandate: m, Token: token}); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runMandateDelegate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mandate delegate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	parent := fs.String("parent", "", "parent mandate id (required)")
	subject := fs.String("subject", "", "subject principal id (required)")
	resources := fs.String("resources", "", "comma-separated resource scope (required)")
	actions := fs.String("actions", "", "comma-separated action scope (required)")
	validity := fs.Int64("validity", 3600, "validity window in seconds")
	intent := fs.String("intent", "", "free-form intent JSON recorded on the mandate")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *parent == "" || *subject == "" || *resources == "" || *actions == "" {
		fmt.Fprintln(stderr, "caracal mandate delegate: -parent, -subject, -resources, and -actions are required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	mgr, ks, err := rt.manager()
	if err != nil {
		return fail(stderr, err)
	}

	m, err := mgr.Delegate(context.Background(), mandate.DelegateRequest{
		ParentMandateID: *parent,
		SubjectID:       *subject,
		ResourceScope:   splitList(*resources),
		ActionScope:     splitList(*actions),
		ValiditySeconds: *validity,
		Intent:          intentJSON(*intent),
	})
	if err != nil {
		return fail(stderr, err)
	}
	token, err := mandate.EncodeToken(m, ks.ActiveSigner())
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, grantOutput{Mandate: m, Token: token}); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runMandateRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mandate revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "mandate id (required)")
	by := fs.String("by", "", "who is revoking (required)")
	reason := fs.String("reason", "", "revocation reason")
	cascade := fs.Bool("cascade", false, "also revoke all descendant mandates")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" || *by == "" {
		fmt.Fprintln(stderr, "caracal mandate revoke: -id and -by are required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	mgr, _, err := rt.manager()
	if err != nil {
		return fail(stderr, err)
	}

	revoked, err := mgr.Revoke(context.Background(), *id, *by, *reason, *cascade)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, map[string]any{"revoked": revoked}); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runMandateInspect(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mandate inspect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "mandate id (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" {
		fmt.Fprintln(stderr, "caracal mandate inspect: -id is required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	m, err := rt.mandates.Get(context.Background(), *id)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, m); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runMandateVerifyToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mandate verify-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	token := fs.String("token", "", "compact JWS mandate token (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *token == "" {
		fmt.Fprintln(stderr, "caracal mandate verify-token: -token is required")
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

	decoded, err := mandate.DecodeToken(*token, keystoreLookup(ks))
	if err != nil {
		return fail(stderr, err)
	}

	// The token proves integrity; revocation and expiry live on the
	// stored row.
	out := map[string]any{"mandate": decoded, "signature_valid": true}
	stored, err := rt.mandates.Get(context.Background(), decoded.MandateID)
	if err == nil {
		now := time.Now().UTC()
		out["revoked"] = stored.Revoked
		out["expired"] = stored.Expired(now)
		out["active"] = !stored.Revoked && !stored.Expired(now) && !stored.NotYetValid(now)
	} else {
		out["stored"] = false
	}
	if err := printJSON(stdout, out); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runMandateList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mandate list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("subject", "", "filter by subject principal id")
	issuer := fs.String("issuer", "", "filter by issuer principal id")
	includeRevoked := fs.Bool("include-revoked", false, "include revoked mandates")
	limit := fs.Int("limit", 0, "maximum rows (0 = no limit)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	list, err := rt.mandates.List(context.Background(), mandate.Filter{
		SubjectID:      *subject,
		IssuerID:       *issuer,
		IncludeRevoked: *includeRevoked,
		Limit:          *limit,
	})
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, list); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

// intentJSON passes well-formed JSON through and quotes anything else as
// a JSON string, so -intent works for both structured and plain text.
func intentJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
