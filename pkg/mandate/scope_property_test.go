//go:build property
// +build property

// Property-based tests for scope pattern matching and subset checks.
package mandate

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestLiteralSelfMatch verifies a metacharacter-free value matches itself.
// Property: MatchPattern(v, v) == true for any literal v
func TestLiteralSelfMatch(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("exact match is reflexive", prop.ForAll(
		func(v string) bool {
			return MatchPattern(v, v)
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// TestStarCoversAnySuffix verifies `*` absorbs any run of characters,
// separators included.
// Property: MatchPattern(prefix+suffix, prefix+"*") == true
func TestStarCoversAnySuffix(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("star matches any suffix", prop.ForAll(
		func(prefix, suffix string) bool {
			return MatchPattern(prefix+suffix, prefix+"*")
		},
		gen.Identifier(),
		gen.AnyString(),
	))

	properties.Property("star crosses separators", prop.ForAll(
		func(svc, op string) bool {
			return MatchPattern("api:"+svc+":"+op, "api:*") &&
				MatchPattern("api:"+svc+"/"+op, "api:"+svc+"*")
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// TestSubsetClosure verifies ScopeSubset means what the evaluator needs it
// to mean: every child entry, taken as a plain value, is covered by the
// parent pattern list.
// Property: ScopeSubset(child, parent) <=> all child entries match parent
func TestSubsetClosure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("literal children of a star parent are subsets", prop.ForAll(
		func(svc string, ops []string) bool {
			parent := []string{"api:" + svc + ":*"}
			child := make([]string, 0, len(ops))
			for _, op := range ops {
				child = append(child, "api:"+svc+":"+op)
			}
			return ScopeSubset(child, parent)
		},
		gen.Identifier(),
		gen.SliceOf(gen.Identifier()),
	))

	properties.Property("a child outside every parent pattern is rejected", prop.ForAll(
		func(svc, other string) bool {
			if svc == other {
				return true
			}
			parent := []string{"api:" + svc + ":*"}
			child := []string{"api:" + svc + ":read", "db:" + other + ":write"}
			if ScopeSubset(child, parent) {
				return false
			}
			outside, found := CompileScope(parent).FirstOutside(child)
			return found && outside == "db:"+other+":write"
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("subset is transitive through a middle scope", prop.ForAll(
		func(svc string, ops []string) bool {
			grand := []string{"api:*"}
			parent := []string{"api:" + svc + ":*"}
			child := make([]string, 0, len(ops))
			for _, op := range ops {
				child = append(child, "api:"+svc+":"+op)
			}
			if !ScopeSubset(child, parent) || !ScopeSubset(parent, grand) {
				return false
			}
			return ScopeSubset(child, grand)
		},
		gen.Identifier(),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
