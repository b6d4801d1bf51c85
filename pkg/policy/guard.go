package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// systemRules are checked on every mandate draft before signing. They are
// the floor under deployment-specific rules and cannot be disabled.
var systemRules = []string{
	// A mandate without scope grants nothing and must not be signed.
	`size(mandate.resource_scope) > 0`,
	`size(mandate.action_scope) > 0`,
	// The validity window must be forward and non-empty.
	`mandate.valid_until > mandate.valid_from`,
	`mandate.valid_until > now`,
	`mandate.delegation_depth >= 0`,
}

// RuleViolation reports the first guard rule a mandate draft failed.
type RuleViolation struct {
	Rule   string
	System bool
}

func (v *RuleViolation) Error() string {
	origin := "deployment"
	if v.System {
		origin = "system"
	}
	return fmt.Sprintf("issuance guard: %s rule violated: %s", origin, v.Rule)
}

// Guard evaluates CEL rules against a mandate draft at issuance time.
// Inputs per rule: `mandate` (map), `policy` (map), `now` (unix seconds).
// Programs are compiled once and cached.
type Guard struct {
	env         *cel.Env
	prgCache    map[string]cel.Program
	mu          sync.RWMutex
	deployRules []string
}

// NewGuard creates a guard with the built-in system rules plus
// deployment-specific rules from configuration. Deployment rules are
// compiled eagerly so a bad rule fails at startup, not at issuance.
func NewGuard(deploymentRules []string) (*Guard, error) {
	env, err := cel.NewEnv(
		cel.Variable("mandate", cel.DynType),
		cel.Variable("policy", cel.DynType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	g := &Guard{
		env:         env,
		prgCache:    make(map[string]cel.Program),
		deployRules: deploymentRules,
	}

	for _, rule := range append(append([]string{}, systemRules...), deploymentRules...) {
		if _, err := g.program(rule); err != nil {
			return nil, fmt.Errorf("compile guard rule %q: %w", rule, err)
		}
	}
	return g, nil
}

// Check evaluates all rules against the draft. It returns a
// *RuleViolation for the first rule that fails, or the evaluation error
// for a rule that cannot be decided (fail-closed).
func (g *Guard) Check(mandate, policy map[string]any, now time.Time) error {
	input := map[string]any{
		"mandate": mandate,
		"policy":  policy,
		"now":     now.UTC().Unix(),
	}

	for _, rule := range systemRules {
		ok, err := g.eval(rule, input)
		if err != nil {
			return fmt.Errorf("issuance guard: system rule %q: %w", rule, err)
		}
		if !ok {
			return &RuleViolation{Rule: rule, System: true}
		}
	}
	for _, rule := range g.deployRules {
		ok, err := g.eval(rule, input)
		if err != nil {
			return fmt.Errorf("issuance guard: deployment rule %q: %w", rule, err)
		}
		if !ok {
			return &RuleViolation{Rule: rule}
		}
	}
	return nil
}

func (g *Guard) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.prgCache[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, hit = g.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10_000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	g.prgCache[expr] = prg
	return prg, nil
}

func (g *Guard) eval(expr string, input map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not a bool")
	}
	return val, nil
}
