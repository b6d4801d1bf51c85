//go:build property
// +build property

// Property-based tests for canonical JSON determinism.
package canonical

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestMarshalDeterminism verifies repeated marshals of the same value
// produce identical bytes regardless of map iteration order.
// Property: Marshal(v) == Marshal(v) for any map v
func TestMarshalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("marshal is deterministic over maps", prop.ForAll(
		func(keys []string, val string) bool {
			m := make(map[string]string, len(keys))
			for _, k := range keys {
				m[k] = val
			}
			a, err := Marshal(m)
			if err != nil {
				return false
			}
			b, err := Marshal(m)
			if err != nil {
				return false
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.Identifier()),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestMarshalInsertionOrderIndependence verifies two maps holding the same
// pairs canonicalize to the same bytes however they were built.
// Property: Marshal(m1) == Marshal(m2) when m1 and m2 hold equal pairs
func TestMarshalInsertionOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("insertion order does not leak into canonical form", prop.ForAll(
		func(keys []string) bool {
			forward := make(map[string]int, len(keys))
			backward := make(map[string]int, len(keys))
			for _, k := range keys {
				forward[k] = len(k)
			}
			for i := len(keys) - 1; i >= 0; i-- {
				backward[keys[i]] = len(keys[i])
			}
			a, err := Marshal(forward)
			if err != nil {
				return false
			}
			b, err := Marshal(backward)
			if err != nil {
				return false
			}
			return string(a) == string(b)
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}

// TestHashAgreesWithMarshal verifies the hash helpers commit to the
// canonical bytes.
// Property: Hash(v) == HashBytes(Marshal(v))
func TestHashAgreesWithMarshal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hash commits to canonical bytes", prop.ForAll(
		func(k, v string) bool {
			m := map[string]string{k: v}
			b, err := Marshal(m)
			if err != nil {
				return false
			}
			h, err := Hash(m)
			if err != nil {
				return false
			}
			return h == HashBytes(b)
		},
		gen.Identifier(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
