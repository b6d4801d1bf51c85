// Package migrate moves a v0.1 file-based data directory into the SQL
// stores. v0.1 kept everything under ~/.caracal: agents.json and
// policies.json as JSON arrays and ledger.jsonl as one usage event per
// line. The migrator translates each record to the current model and
// writes through the stores' import paths, so a migrated deployment is
// indistinguishable from one that started here.
//
// Re-runs are safe. Principals and policies that already exist are
// skipped, and ledger events get ids derived from their file position
// and bytes, so the metering store's duplicate check drops them on a
// second pass.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/garudex-labs/caracal/pkg/identity"
	"github.com/garudex-labs/caracal/pkg/metering"
	"github.com/garudex-labs/caracal/pkg/policy"
)

const (
	// DefaultBatchSize bounds one import transaction.
	DefaultBatchSize = 1000

	// DefaultSpotChecks is how many ledger lines Validate samples.
	DefaultSpotChecks = 10

	// StarterValiditySeconds caps mandates issued under a migrated
	// policy. v0.1 had no mandate windows, so the cap is ours to pick.
	StarterValiditySeconds = 3600

	agentsFile   = "agents.json"
	policiesFile = "policies.json"
	ledgerFile   = "ledger.jsonl"
	versionFile  = "VERSION"

	// migrationActor is recorded as created_by on migrated rows.
	migrationActor = "v0.1-migration"

	// sourceConstraint bounds the layouts the migrator reads. A data
	// directory may carry a VERSION file stamped by the CLI that wrote
	// it; absent one, the layout is assumed v0.1.
	sourceConstraint = ">=0.1.0 <0.2.0"
)

// ErrUnsupportedSource is returned when the data directory's VERSION is
// outside the layouts this migrator understands.
var ErrUnsupportedSource = errors.New("migrate: unsupported source version")

// maxLedgerLine bounds one ledger.jsonl line.
const maxLedgerLine = 1 << 20

// Options selects what one run migrates. The three Only flags mirror
// the old CLI and compose by exclusion: each drops the other two
// components, so set at most one.
type Options struct {
	SourceDir    string
	DryRun       bool
	AgentsOnly   bool
	PoliciesOnly bool
	LedgerOnly   bool
	BatchSize    int
}

func (o Options) wantAgents() bool   { return !o.PoliciesOnly && !o.LedgerOnly }
func (o Options) wantPolicies() bool { return !o.AgentsOnly && !o.LedgerOnly }
func (o Options) wantLedger() bool   { return !o.AgentsOnly && !o.PoliciesOnly }

// Result tallies one component of a run. Errors hold per-record
// problems; a run-level failure comes back as an error instead.
type Result struct {
	Source   int      `json:"source_records"`
	Migrated int      `json:"migrated"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Summary is one run's outcome. Components the options deselected are
// nil.
type Summary struct {
	SourceDir       string  `json:"source_dir"`
	DryRun          bool    `json:"dry_run"`
	Agents          *Result `json:"agents,omitempty"`
	Policies        *Result `json:"policies,omitempty"`
	Ledger          *Result `json:"ledger,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Clean reports whether every selected component migrated without
// record errors.
func (s *Summary) Clean() bool {
	for _, r := range []*Result{s.Agents, s.Policies, s.Ledger} {
		if r != nil && len(r.Errors) > 0 {
			return false
		}
	}
	return true
}

// Migrator reads v0.1 files and writes the stores.
type Migrator struct {
	principals *identity.Store
	policies   *policy.Store
	meter      *metering.Store
	logger     *slog.Logger
}

func NewMigrator(principals *identity.Store, policies *policy.Store, meter *metering.Store, logger *slog.Logger) *Migrator {
	return &Migrator{
		principals: principals,
		policies:   policies,
		meter:      meter,
		logger:     logger.With(slog.String("component", "migrate")),
	}
}

// Run migrates the selected components in dependency order: principals
// first, then the policies and ledger events that reference them. A dry
// run reads, translates, and counts everything but writes nothing.
func (m *Migrator) Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.SourceDir == "" {
		return nil, errors.New("migrate: source directory is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if err := checkSourceVersion(opts.SourceDir); err != nil {
		return nil, err
	}

	start := time.Now()
	sum := &Summary{SourceDir: opts.SourceDir, DryRun: opts.DryRun}
	m.logger.Info("migration starting",
		slog.String("source_dir", opts.SourceDir),
		slog.Bool("dry_run", opts.DryRun))

	var err error
	seenAgents := make(map[string]bool)
	if opts.wantAgents() {
		if sum.Agents, err = m.migrateAgents(ctx, opts, seenAgents); err != nil {
			return nil, err
		}
	}
	if opts.wantPolicies() {
		if sum.Policies, err = m.migratePolicies(ctx, opts, seenAgents); err != nil {
			return nil, err
		}
	}
	if opts.wantLedger() {
		if sum.Ledger, err = m.migrateLedger(ctx, opts); err != nil {
			return nil, err
		}
	}

	sum.DurationSeconds = time.Since(start).Seconds()
	m.logger.Info("migration finished",
		slog.Bool("clean", sum.Clean()),
		slog.Float64("duration_seconds", sum.DurationSeconds))
	return sum, nil
}

// checkSourceVersion gates on the optional VERSION marker.
func checkSourceVersion(dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, versionFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read source version: %w", err)
	}

	constraint, err := semver.NewConstraint(sourceConstraint)
	if err != nil {
		return fmt.Errorf("parse source constraint: %w", err)
	}
	v, err := semver.NewVersion(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedSource, strings.TrimSpace(string(raw)))
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s", ErrUnsupportedSource, v)
	}
	return nil
}

// v01Agent is one record of agents.json. Metadata is dropped: the
// principal model has no free-form metadata column.
type v01Agent struct {
	AgentID   string          `json:"agent_id"`
	Name      string          `json:"name"`
	Owner     string          `json:"owner"`
	CreatedAt string          `json:"created_at"`
	Metadata  json.RawMessage `json:"metadata"`
}

// v01Policy is one record of policies.json: a budget, not an authority
// grant.
type v01Policy struct {
	PolicyID    string          `json:"policy_id"`
	AgentID     string          `json:"agent_id"`
	LimitAmount decimal.Decimal `json:"limit_amount"`
	TimeWindow  string          `json:"time_window"`
	Currency    string          `json:"currency"`
	CreatedAt   string          `json:"created_at"`
	Active      bool            `json:"active"`
}

// v01LedgerEvent is one line of ledger.jsonl.
type v01LedgerEvent struct {
	AgentID      string          `json:"agent_id"`
	Timestamp    string          `json:"timestamp"`
	ResourceType string          `json:"resource_type"`
	Quantity     decimal.Decimal `json:"quantity"`
	Cost         decimal.Decimal `json:"cost"`
	Currency     string          `json:"currency"`
	Metadata     json.RawMessage `json:"metadata"`
}

func (m *Migrator) migrateAgents(ctx context.Context, opts Options, seenAgents map[string]bool) (*Result, error) {
	res := &Result{}
	raw, err := readArray(filepath.Join(opts.SourceDir, agentsFile))
	if err != nil {
		res.errorf("%v", err)
		return res, nil
	}
	res.Source = len(raw)

	batch := make([]*identity.Principal, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := m.principals.Import(ctx, batch); err != nil {
			return fmt.Errorf("import principals: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for i, r := range raw {
		var rec v01Agent
		if err := json.Unmarshal(r, &rec); err != nil {
			res.errorf("agents[%d]: %v", i, err)
			continue
		}
		p, err := translateAgent(rec)
		if err != nil {
			res.errorf("agents[%d]: %v", i, err)
			continue
		}
		seenAgents[p.PrincipalID] = true

		if _, err := m.principals.Get(ctx, p.PrincipalID); err == nil {
			res.Skipped++
			continue
		} else if !errors.Is(err, identity.ErrNotFound) {
			return nil, fmt.Errorf("check principal %s: %w", p.PrincipalID, err)
		}

		res.Migrated++
		if opts.DryRun {
			continue
		}
		batch = append(batch, p)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	m.logger.Info("agents migrated",
		slog.Int("migrated", res.Migrated),
		slog.Int("skipped", res.Skipped),
		slog.Int("errors", len(res.Errors)))
	return res, nil
}

func translateAgent(rec v01Agent) (*identity.Principal, error) {
	if rec.AgentID == "" {
		return nil, errors.New("agent_id is empty")
	}
	if rec.Name == "" {
		return nil, fmt.Errorf("agent %s: name is empty", rec.AgentID)
	}
	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("agent %s: created_at: %v", rec.AgentID, err)
	}
	return &identity.Principal{
		PrincipalID: rec.AgentID,
		Name:        rec.Name,
		Owner:       rec.Owner,
		Type:        identity.TypeAgent,
		Active:      true,
		CreatedAt:   createdAt.UTC(),
	}, nil
}

func (m *Migrator) migratePolicies(ctx context.Context, opts Options, seenAgents map[string]bool) (*Result, error) {
	res := &Result{}
	raw, err := readArray(filepath.Join(opts.SourceDir, policiesFile))
	if err != nil {
		res.errorf("%v", err)
		return res, nil
	}
	res.Source = len(raw)

	batch := make([]*policy.Policy, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := m.policies.Import(ctx, batch); err != nil {
			return fmt.Errorf("import policies: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	// One active policy per principal is a schema invariant; track the
	// actives this run emits so a duplicate in the source file surfaces
	// as a record error instead of a failed transaction.
	activeSeen := make(map[string]bool)

	for i, r := range raw {
		var rec v01Policy
		if err := json.Unmarshal(r, &rec); err != nil {
			res.errorf("policies[%d]: %v", i, err)
			continue
		}
		pol, err := translatePolicy(rec)
		if err != nil {
			res.errorf("policies[%d]: %v", i, err)
			continue
		}

		// Agents migrated earlier in this run satisfy the reference even
		// on a dry run, where nothing has reached the database yet.
		if !seenAgents[pol.PrincipalID] {
			if _, err := m.principals.Get(ctx, pol.PrincipalID); errors.Is(err, identity.ErrNotFound) {
				res.errorf("policy %s: agent %s not found", pol.PolicyID, pol.PrincipalID)
				continue
			} else if err != nil {
				return nil, fmt.Errorf("check principal %s: %w", pol.PrincipalID, err)
			}
		}

		if _, err := m.policies.Get(ctx, pol.PolicyID); err == nil {
			res.Skipped++
			continue
		} else if !errors.Is(err, policy.ErrNotFound) {
			return nil, fmt.Errorf("check policy %s: %w", pol.PolicyID, err)
		}

		if pol.Active {
			if activeSeen[pol.PrincipalID] {
				res.errorf("policy %s: agent %s already has an active policy", pol.PolicyID, pol.PrincipalID)
				continue
			}
			if _, err := m.policies.Active(ctx, pol.PrincipalID); err == nil {
				res.errorf("policy %s: agent %s already has an active policy", pol.PolicyID, pol.PrincipalID)
				continue
			} else if !errors.Is(err, policy.ErrNoActivePolicy) {
				return nil, fmt.Errorf("check active policy for %s: %w", pol.PrincipalID, err)
			}
			activeSeen[pol.PrincipalID] = true
		}

		// The budget itself has no home here; log it so the operator can
		// hand the limit to legacy callers, which now send it on each
		// compatibility check.
		m.logger.Info("budget policy translated",
			slog.String("policy_id", pol.PolicyID),
			slog.String("principal_id", pol.PrincipalID),
			slog.String("limit", rec.LimitAmount.String()),
			slog.String("window", rec.TimeWindow),
			slog.String("currency", rec.Currency))

		res.Migrated++
		if opts.DryRun {
			continue
		}
		batch = append(batch, pol)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	m.logger.Info("policies migrated",
		slog.Int("migrated", res.Migrated),
		slog.Int("skipped", res.Skipped),
		slog.Int("errors", len(res.Errors)))
	return res, nil
}

// translatePolicy turns a v0.1 budget policy into a starter authority
// policy. v0.1 had no authority model: an agent inside its budget could
// call anything, so the starter grants every action and resource with
// delegation off, and the budget moves to the compatibility layer's
// per-request limits.
func translatePolicy(rec v01Policy) (*policy.Policy, error) {
	if rec.PolicyID == "" {
		return nil, errors.New("policy_id is empty")
	}
	if rec.AgentID == "" {
		return nil, fmt.Errorf("policy %s: agent_id is empty", rec.PolicyID)
	}
	if rec.LimitAmount.IsNegative() {
		return nil, fmt.Errorf("policy %s: limit_amount is negative", rec.PolicyID)
	}
	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("policy %s: created_at: %v", rec.PolicyID, err)
	}
	return &policy.Policy{
		PolicyID:                rec.PolicyID,
		PrincipalID:             rec.AgentID,
		AllowedResourcePatterns: []string{"*"},
		AllowedActions:          []string{"*"},
		MaxValiditySeconds:      StarterValiditySeconds,
		AllowDelegation:         false,
		MaxDelegationDepth:      0,
		Active:                  rec.Active,
		CreatedAt:               createdAt.UTC(),
		CreatedBy:               migrationActor,
		VersionNumber:           1,
	}, nil
}

func (m *Migrator) migrateLedger(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{}
	f, err := os.Open(filepath.Join(opts.SourceDir, ledgerFile))
	if err != nil {
		res.errorf("%v", missingOrFailed(err, ledgerFile, opts.SourceDir))
		return res, nil
	}
	defer f.Close()

	batch := make([]*metering.Event, 0, opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		inserted, err := m.meter.ImportEvents(ctx, batch)
		if err != nil {
			return fmt.Errorf("import ledger events: %w", err)
		}
		res.Migrated += inserted
		res.Skipped += len(batch) - inserted
		batch = batch[:0]
		return nil
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLedgerLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		res.Source++

		e, err := translateLedgerEvent(lineNo, line)
		if err != nil {
			res.errorf("ledger line %d: %v", lineNo, err)
			continue
		}

		if opts.DryRun {
			if _, err := m.meter.Get(ctx, e.EventID); err == nil {
				res.Skipped++
			} else if errors.Is(err, metering.ErrEventNotFound) {
				res.Migrated++
			} else {
				return nil, fmt.Errorf("check ledger event %s: %w", e.EventID, err)
			}
			continue
		}

		batch = append(batch, e)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", ledgerFile, err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	m.logger.Info("ledger migrated",
		slog.Int("migrated", res.Migrated),
		slog.Int("skipped", res.Skipped),
		slog.Int("errors", len(res.Errors)))
	return res, nil
}

func translateLedgerEvent(lineNo int, line []byte) (*metering.Event, error) {
	var rec v01LedgerEvent
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	if rec.AgentID == "" {
		return nil, errors.New("agent_id is empty")
	}
	usage := metering.Usage{
		ResourceType: rec.ResourceType,
		Quantity:     rec.Quantity.String(),
		Cost:         rec.Cost.String(),
		Currency:     rec.Currency,
	}
	if err := usage.Validate(); err != nil {
		return nil, err
	}
	recordedAt, err := time.Parse(time.RFC3339, rec.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("timestamp: %v", err)
	}
	return &metering.Event{
		EventID:      ledgerEventID(lineNo, line),
		PrincipalID:  rec.AgentID,
		ResourceType: rec.ResourceType,
		Quantity:     rec.Quantity,
		Cost:         rec.Cost,
		Currency:     rec.Currency,
		RecordedAt:   recordedAt.UTC(),
	}, nil
}

// ledgerEventID derives a stable id for a v0.1 ledger line. v0.1 events
// carried no id, so the id is a v5 UUID over the line's position and
// bytes: re-running the same file maps every line to the same event,
// while identical usage on different lines stays distinct.
func ledgerEventID(lineNo int, line []byte) string {
	name := fmt.Sprintf("caracal:v01-ledger:%d:%s", lineNo, line)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// readArray reads a JSON array file element by element, so one bad
// record costs one error instead of the file.
func readArray(path string) ([]json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, missingOrFailed(err, filepath.Base(path), filepath.Dir(path))
	}
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%s is not a JSON array: %v", filepath.Base(path), err)
	}
	return records, nil
}

func missingOrFailed(err error, name, dir string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s not found in %s", name, dir)
	}
	return err
}
