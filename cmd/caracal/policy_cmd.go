package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/garudex-labs/caracal/pkg/policy"
)

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: caracal policy <create|modify|deactivate|history|diff> [flags]")
		return exitUsage
	}
	switch args[0] {
	case "create":
		return runPolicyCreate(args[1:], stdout, stderr)
	case "modify":
		return runPolicyModify(args[1:], stdout, stderr)
	case "deactivate":
		return runPolicyDeactivate(args[1:], stdout, stderr)
	case "history":
		return runPolicyHistory(args[1:], stdout, stderr)
	case "diff":
		return runPolicyDiff(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "caracal policy: unknown subcommand %q\n", args[0])
		return exitUsage
	}
}

// specFlags registers the authority bound flags shared by create and
// modify.
func specFlags(fs *flag.FlagSet) (resources, actions *string, maxValidity *int64, allowDelegation *bool, maxDepth *int) {
	resources = fs.String("resources", "", "comma-separated allowed resource patterns (required)")
	actions = fs.String("actions", "", "comma-separated allowed actions (required)")
	maxValidity = fs.Int64("max-validity", 3600, "maximum mandate validity in seconds")
	allowDelegation = fs.Bool("allow-delegation", false, "permit delegation under this policy")
	maxDepth = fs.Int("max-depth", 0, "maximum delegation depth")
	return
}

func runPolicyCreate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policy create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	principalID := fs.String("principal", "", "principal the policy governs (required)")
	resources, actions, maxValidity, allowDelegation, maxDepth := specFlags(fs)
	by := fs.String("by", "", "who is making this change (required)")
	reason := fs.String("reason", "", "change reason for the version history")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *principalID == "" || *resources == "" || *actions == "" || *by == "" {
		fmt.Fprintln(stderr, "caracal policy create: -principal, -resources, -actions, and -by are required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	p, err := rt.policies.Create(context.Background(), *principalID, policy.Spec{
		AllowedResourcePatterns: splitList(*resources),
		AllowedActions:          splitList(*actions),
		MaxValiditySeconds:      *maxValidity,
		AllowDelegation:         *allowDelegation,
		MaxDelegationDepth:      *maxDepth,
	}, *by, *reason)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, p); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runPolicyModify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policy modify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "policy id (required)")
	resources, actions, maxValidity, allowDelegation, maxDepth := specFlags(fs)
	by := fs.String("by", "", "who is making this change (required)")
	reason := fs.String("reason", "", "change reason for the version history")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" || *resources == "" || *actions == "" || *by == "" {
		fmt.Fprintln(stderr, "caracal policy modify: -id, -resources, -actions, and -by are required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	p, err := rt.policies.Modify(context.Background(), *id, policy.Spec{
		AllowedResourcePatterns: splitList(*resources),
		AllowedActions:          splitList(*actions),
		MaxValiditySeconds:      *maxValidity,
		AllowDelegation:         *allowDelegation,
		MaxDelegationDepth:      *maxDepth,
	}, *by, *reason)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, p); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runPolicyDeactivate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policy deactivate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "policy id (required)")
	by := fs.String("by", "", "who is making this change (required)")
	reason := fs.String("reason", "", "change reason for the version history")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" || *by == "" {
		fmt.Fprintln(stderr, "caracal policy deactivate: -id and -by are required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	if err := rt.policies.Deactivate(context.Background(), *id, *by, *reason); err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintf(stdout, "policy %s deactivated\n", *id)
	return exitOK
}

func runPolicyHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policy history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "policy id (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" {
		fmt.Fprintln(stderr, "caracal policy history: -id is required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	versions, err := rt.policies.History(context.Background(), *id)
	if err != nil {
		return fail(stderr, err)
	}
	if err := printJSON(stdout, versions); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runPolicyDiff(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policy diff", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "policy id (required)")
	from := fs.Int("from", 0, "older version number (required)")
	to := fs.Int("to", 0, "newer version number (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *id == "" || *from <= 0 || *to <= 0 {
		fmt.Fprintln(stderr, "caracal policy diff: -id, -from, and -to are required")
		return exitUsage
	}

	rt, err := openRuntime(stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer rt.close()

	versions, err := rt.policies.History(context.Background(), *id)
	if err != nil {
		return fail(stderr, err)
	}
	var v1, v2 *policy.Version
	for _, v := range versions {
		if v.VersionNumber == *from {
			v1 = v
		}
		if v.VersionNumber == *to {
			v2 = v
		}
	}
	if v1 == nil {
		return fail(stderr, fmt.Errorf("version %d: %w", *from, policy.ErrNotFound))
	}
	if v2 == nil {
		return fail(stderr, fmt.Errorf("version %d: %w", *to, policy.ErrNotFound))
	}
	if err := printJSON(stdout, policy.Diff(v1, v2)); err != nil {
		return fail(stderr, err)
	}
	return exitOK
}
