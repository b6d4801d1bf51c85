package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/garudex-labs/caracal/pkg/identity"
	"github.com/garudex-labs/caracal/pkg/metering"
	"github.com/garudex-labs/caracal/pkg/policy"
)

// Validation compares the stores against the source files after a run.
// Agent and policy checks are exhaustive; ledger lines are spot-checked
// from a random sample, since the usage file can run to millions of
// lines. Counts are keyed "agents", "policies", "ledger"; for the
// ledger, found counts cover the sample only.
type Validation struct {
	SourceCounts  map[string]int `json:"source_counts"`
	FoundCounts   map[string]int `json:"found_counts"`
	LedgerSampled int            `json:"ledger_sampled"`
	Errors        []string       `json:"errors,omitempty"`
}

// Valid reports whether every check passed.
func (v *Validation) Valid() bool { return len(v.Errors) == 0 }

func (v *Validation) errorf(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate re-reads the source files and checks the stores hold what
// they say. It never writes; run it after Run, or on its own to audit a
// past migration.
func (m *Migrator) Validate(ctx context.Context, sourceDir string, spotChecks int) (*Validation, error) {
	if sourceDir == "" {
		return nil, errors.New("migrate: source directory is required")
	}
	if spotChecks <= 0 {
		spotChecks = DefaultSpotChecks
	}

	v := &Validation{
		SourceCounts: make(map[string]int),
		FoundCounts:  make(map[string]int),
	}

	if err := m.validateAgents(ctx, sourceDir, v); err != nil {
		return nil, err
	}
	if err := m.validatePolicies(ctx, sourceDir, v); err != nil {
		return nil, err
	}
	if err := m.validateLedger(ctx, sourceDir, spotChecks, v); err != nil {
		return nil, err
	}

	m.logger.Info("migration validated",
		slog.Bool("valid", v.Valid()),
		slog.Int("errors", len(v.Errors)))
	return v, nil
}

func (m *Migrator) validateAgents(ctx context.Context, sourceDir string, v *Validation) error {
	raw, err := readArray(filepath.Join(sourceDir, agentsFile))
	if err != nil {
		v.errorf("%v", err)
		return nil
	}
	v.SourceCounts["agents"] = len(raw)

	for i, r := range raw {
		var rec v01Agent
		if err := json.Unmarshal(r, &rec); err != nil {
			v.errorf("agents[%d]: %v", i, err)
			continue
		}
		p, err := m.principals.Get(ctx, rec.AgentID)
		if errors.Is(err, identity.ErrNotFound) {
			v.errorf("agent %s missing from store", rec.AgentID)
			continue
		}
		if err != nil {
			return fmt.Errorf("check principal %s: %w", rec.AgentID, err)
		}
		if p.Name != rec.Name || p.Owner != rec.Owner {
			v.errorf("agent %s differs from source", rec.AgentID)
			continue
		}
		v.FoundCounts["agents"]++
	}
	return nil
}

func (m *Migrator) validatePolicies(ctx context.Context, sourceDir string, v *Validation) error {
	raw, err := readArray(filepath.Join(sourceDir, policiesFile))
	if err != nil {
		v.errorf("%v", err)
		return nil
	}
	v.SourceCounts["policies"] = len(raw)

	for i, r := range raw {
		var rec v01Policy
		if err := json.Unmarshal(r, &rec); err != nil {
			v.errorf("policies[%d]: %v", i, err)
			continue
		}
		p, err := m.policies.Get(ctx, rec.PolicyID)
		if errors.Is(err, policy.ErrNotFound) {
			v.errorf("policy %s missing from store", rec.PolicyID)
			continue
		}
		if err != nil {
			return fmt.Errorf("check policy %s: %w", rec.PolicyID, err)
		}
		if p.PrincipalID != rec.AgentID || p.Active != rec.Active {
			v.errorf("policy %s differs from source", rec.PolicyID)
			continue
		}
		v.FoundCounts["policies"]++
	}
	return nil
}

func (m *Migrator) validateLedger(ctx context.Context, sourceDir string, spotChecks int, v *Validation) error {
	f, err := os.Open(filepath.Join(sourceDir, ledgerFile))
	if err != nil {
		v.errorf("%v", missingOrFailed(err, ledgerFile, sourceDir))
		return nil
	}
	defer f.Close()

	type sampled struct {
		lineNo int
		line   []byte
	}

	// Reservoir sample so memory stays flat no matter the file size.
	sample := make([]sampled, 0, spotChecks)
	seen := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLedgerLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		seen++
		if len(sample) < spotChecks {
			sample = append(sample, sampled{lineNo: lineNo, line: append([]byte(nil), line...)})
		} else if k := rand.IntN(seen); k < spotChecks {
			sample[k] = sampled{lineNo: lineNo, line: append([]byte(nil), line...)}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", ledgerFile, err)
	}
	v.SourceCounts["ledger"] = seen
	v.LedgerSampled = len(sample)

	for _, s := range sample {
		want, err := translateLedgerEvent(s.lineNo, s.line)
		if err != nil {
			v.errorf("ledger line %d: %v", s.lineNo, err)
			continue
		}
		got, err := m.meter.Get(ctx, want.EventID)
		if errors.Is(err, metering.ErrEventNotFound) {
			v.errorf("ledger line %d missing from store", s.lineNo)
			continue
		}
		if err != nil {
			return fmt.Errorf("check ledger event %s: %w", want.EventID, err)
		}
		if got.PrincipalID != want.PrincipalID || got.ResourceType != want.ResourceType ||
			!got.Quantity.Equal(want.Quantity) || !got.Cost.Equal(want.Cost) {
			v.errorf("ledger line %d differs from store", s.lineNo)
			continue
		}
		v.FoundCounts["ledger"]++
	}
	return nil
}
