// Package compat answers v0.2 budget checks against the v0.3 authority
// model. Deployments mid-migration pick an enforcement mode: authority
// translates each legacy check into a mandate evaluation, budget keeps
// answering from spending windows for rollback, and dual runs both legs
// with denial taking precedence. Every answer carries a deprecation
// warning; the layer exists to be deleted once the last v0.2 caller is
// gone.
package compat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garudex-labs/caracal/pkg/authority"
	"github.com/garudex-labs/caracal/pkg/cache"
	"github.com/garudex-labs/caracal/pkg/mandate"
	"github.com/garudex-labs/caracal/pkg/metering"
)

// Mode selects which enforcement answers legacy checks.
type Mode string

const (
	ModeAuthority Mode = "authority"
	ModeBudget    Mode = "budget"
	ModeDual      Mode = "dual"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuthority, ModeBudget, ModeDual:
		return Mode(s), nil
	}
	return "", fmt.Errorf("compat: unknown enforcement mode %q", s)
}

// Window selects which spending bucket a legacy budget limit bounds.
type Window string

const (
	WindowHour Window = "hour"
	WindowDay  Window = "day"
	WindowWeek Window = "week"
)

// DefaultWindow applies when a check does not name one.
const DefaultWindow = WindowDay

// DefaultCurrency applies when a check does not name one.
const DefaultCurrency = "USD"

// DeprecationWarning is attached to every answer the layer gives.
const DeprecationWarning = "budget-focused endpoints are deprecated; migrate to authority-focused endpoints"

// CheckRequest is a legacy budget check. Budget policies lived with v0.2
// callers, not with Caracal, so the limit arrives on the request.
type CheckRequest struct {
	PrincipalID   string
	Action        string
	Resource      string
	EstimatedCost decimal.Decimal
	BudgetLimit   decimal.NullDecimal
	Window        Window
	Currency      string
}

// CheckResponse is the layer's verdict in the v0.2 response shape.
// RemainingBudget is valid only when a budget leg ran; Degraded marks
// answers computed from the spending sketch instead of store truth.
type CheckResponse struct {
	Allowed            bool                `json:"allowed"`
	Reason             string              `json:"reason"`
	Mode               Mode                `json:"mode"`
	MandateID          string              `json:"mandate_id,omitempty"`
	DenialKind         authority.Kind      `json:"denial_kind,omitempty"`
	RemainingBudget    decimal.NullDecimal `json:"remaining_budget,omitempty"`
	Degraded           bool                `json:"degraded,omitempty"`
	DeprecationWarning string              `json:"deprecation_warning"`
}

// MandateSource lists a subject's mandates, satisfied by the mandate
// store. The indirection exists so checks can run against a remote
// mandate service.
type MandateSource interface {
	List(ctx context.Context, filter mandate.Filter) ([]*mandate.Mandate, error)
}

// SpendingSource answers window totals and active holds, satisfied by
// the metering store.
type SpendingSource interface {
	Spending(ctx context.Context, principalID, currency string) (metering.Windows, error)
	ActiveHold(ctx context.Context, principalID, currency string) (decimal.Decimal, error)
}

// Layer is the compatibility facade. Construct one at wiring time and
// share it; it holds no per-request state.
type Layer struct {
	mode      Mode
	mandates  MandateSource
	evaluator *authority.Evaluator
	spending  SpendingSource
	sketch    *cache.SpendingSketch
	logger    *slog.Logger
	clock     func() time.Time
}

// NewLayer wires the authority leg. Budget and dual modes additionally
// need WithSpending.
func NewLayer(mode Mode, mandates MandateSource, evaluator *authority.Evaluator, logger *slog.Logger) *Layer {
	l := &Layer{
		mode:      mode,
		mandates:  mandates,
		evaluator: evaluator,
		logger:    logger.With(slog.String("component", "compat")),
		clock:     time.Now,
	}
	switch mode {
	case ModeBudget:
		l.logger.Warn("compatibility layer in budget mode, authority answers rolled back")
	case ModeDual:
		l.logger.Info("compatibility layer in dual mode")
	default:
		l.logger.Info("compatibility layer in authority mode")
	}
	return l
}

// WithSpending sets the store the budget leg reads.
func (l *Layer) WithSpending(src SpendingSource) *Layer {
	l.spending = src
	return l
}

// WithSketch sets the fallback consulted when the spending store is
// unreachable. Allowed checks also accumulate their estimates here so a
// degraded stretch keeps moving totals.
func (l *Layer) WithSketch(sk *cache.SpendingSketch) *Layer {
	l.sketch = sk
	return l
}

// WithClock overrides clock for testing.
func (l *Layer) WithClock(clock func() time.Time) *Layer {
	l.clock = clock
	return l
}

// Mode returns the operating mode.
func (l *Layer) Mode() Mode { return l.mode }

// CheckExecution answers one legacy check. It never returns an error:
// every failure inside the layer collapses to a denial, because a legacy
// caller retrying a 500 is a caller not enforcing anything meanwhile.
func (l *Layer) CheckExecution(ctx context.Context, req CheckRequest) (resp CheckResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = l.finish(CheckResponse{
				Reason: fmt.Sprintf("internal compatibility failure: %v", r),
			}, req)
		}
	}()

	l.logger.Warn("legacy budget check served",
		slog.String("mode", string(l.mode)),
		slog.String("principal_id", req.PrincipalID),
		slog.String("action", req.Action),
		slog.String("resource", req.Resource))

	if req.PrincipalID == "" || req.Action == "" || req.Resource == "" {
		return l.finish(CheckResponse{
			Reason: "principal, action, and resource are required",
		}, req)
	}
	if req.EstimatedCost.IsNegative() {
		return l.finish(CheckResponse{
			Reason: "estimated cost must not be negative",
		}, req)
	}

	switch l.mode {
	case ModeBudget:
		resp = l.budgetDecision(ctx, req)
	case ModeDual:
		resp = l.dualDecision(ctx, req)
	default:
		resp = l.authorityDecision(ctx, req)
	}
	return l.finish(resp, req)
}

// finish stamps the envelope fields and feeds allowed estimates into the
// sketch so degraded budget answers keep tracking admissions.
func (l *Layer) finish(resp CheckResponse, req CheckRequest) CheckResponse {
	resp.Mode = l.mode
	resp.DeprecationWarning = DeprecationWarning
	if resp.Allowed && l.mode != ModeAuthority && l.sketch != nil && req.EstimatedCost.IsPositive() {
		l.sketch.Add(req.PrincipalID, req.EstimatedCost)
	}
	return resp
}

// authorityDecision finds an active covering mandate and evaluates it.
func (l *Layer) authorityDecision(ctx context.Context, req CheckRequest) CheckResponse {
	now := l.clock().UTC()

	m, err := l.coveringMandate(ctx, req, now)
	if err != nil {
		return CheckResponse{Reason: "mandate lookup failed: " + err.Error()}
	}
	if m == nil {
		return CheckResponse{
			Reason:     "no active mandate covers the requested action and resource",
			DenialKind: authority.KindPolicyNotFound,
		}
	}

	d := l.evaluator.Decide(ctx, m, req.Action, req.Resource, now)
	return CheckResponse{
		Allowed:    d.Allowed,
		Reason:     d.Reason,
		DenialKind: d.DenialKind,
		MandateID:  m.MandateID,
	}
}

// coveringMandate returns the oldest live mandate whose scopes cover the
// request, or nil when none does.
func (l *Layer) coveringMandate(ctx context.Context, req CheckRequest, now time.Time) (*mandate.Mandate, error) {
	mandates, err := l.mandates.List(ctx, mandate.Filter{SubjectID: req.PrincipalID})
	if err != nil {
		return nil, err
	}
	for _, m := range mandates {
		if m.NotYetValid(now) || m.Expired(now) {
			continue
		}
		if !mandate.CompileScope(m.ActionScope).Matches(req.Action) {
			continue
		}
		if !mandate.CompileScope(m.ResourceScope).Matches(req.Resource) {
			continue
		}
		return m, nil
	}
	return nil, nil
}

// budgetDecision answers from spending windows: remaining = limit minus
// the window's recorded spending minus active holds.
func (l *Layer) budgetDecision(ctx context.Context, req CheckRequest) CheckResponse {
	if !req.BudgetLimit.Valid {
		return CheckResponse{Reason: "budget check requires a budget limit"}
	}
	window := req.Window
	if window == "" {
		window = DefaultWindow
	}
	if window != WindowHour && window != WindowDay && window != WindowWeek {
		return CheckResponse{Reason: fmt.Sprintf("unknown budget window %q", window)}
	}
	currency := req.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	spent, hold, degraded, err := l.windowSpending(ctx, req.PrincipalID, currency, window)
	if err != nil {
		return CheckResponse{Reason: "spending data unavailable: " + err.Error()}
	}

	remaining := req.BudgetLimit.Decimal.Sub(spent).Sub(hold)
	resp := CheckResponse{
		RemainingBudget: decimal.NullDecimal{Decimal: remaining, Valid: true},
		Degraded:        degraded,
	}
	if req.EstimatedCost.GreaterThan(remaining) {
		resp.Reason = fmt.Sprintf("estimated cost %s exceeds remaining %s budget %s",
			req.EstimatedCost, window, remaining)
		return resp
	}
	resp.Allowed = true
	resp.Reason = "estimated cost within remaining budget"
	return resp
}

// windowSpending reads one window's total plus active holds from the
// store, falling back to the sketch when the store cannot answer. The
// sketch does not track holds, so degraded answers treat them as zero.
func (l *Layer) windowSpending(ctx context.Context, principalID, currency string, window Window) (spent, hold decimal.Decimal, degraded bool, err error) {
	if l.spending == nil {
		return decimal.Zero, decimal.Zero, false, fmt.Errorf("spending source not configured")
	}

	windows, err := l.spending.Spending(ctx, principalID, currency)
	if err != nil {
		if l.sketch == nil {
			return decimal.Zero, decimal.Zero, false, err
		}
		totals, ok := l.sketch.Totals(principalID)
		if !ok {
			return decimal.Zero, decimal.Zero, false, fmt.Errorf("store unreachable and sketch has no totals: %w", err)
		}
		l.logger.Warn("budget check degraded to spending sketch",
			slog.String("principal_id", principalID),
			slog.Any("cause", err))
		return pickWindow(metering.Windows(totals), window), decimal.Zero, true, nil
	}

	hold, err = l.spending.ActiveHold(ctx, principalID, currency)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, err
	}
	if l.sketch != nil {
		l.sketch.Seed(principalID, cache.SpendingWindows(windows))
	}
	return pickWindow(windows, window), hold, false, nil
}

func pickWindow(w metering.Windows, window Window) decimal.Decimal {
	switch window {
	case WindowHour:
		return w.Hour
	case WindowDay:
		return w.Day
	default:
		return w.Week
	}
}

// dualDecision runs both legs with denial precedence: an authority
// denial answers as-is, a budget denial overrides an authority allow.
// Without a limit the budget leg is vacuous and authority stands alone.
func (l *Layer) dualDecision(ctx context.Context, req CheckRequest) CheckResponse {
	auth := l.authorityDecision(ctx, req)
	if !req.BudgetLimit.Valid {
		return auth
	}

	budget := l.budgetDecision(ctx, req)
	resp := auth
	resp.RemainingBudget = budget.RemainingBudget
	resp.Degraded = budget.Degraded
	if auth.Allowed && !budget.Allowed {
		resp.Allowed = false
		resp.Reason = budget.Reason
		resp.DenialKind = ""
	}
	return resp
}

// Endpoint describes a maintained legacy route and where its traffic
// should move.
type Endpoint struct {
	Status      string `json:"status"`
	Replacement string `json:"replacement"`
	Message     string `json:"message"`
}

// DeprecatedEndpoints maps the maintained v0.2 routes to their
// replacements, served verbatim on the legacy policy route.
func DeprecatedEndpoints() map[string]Endpoint {
	return map[string]Endpoint{
		"/budget/check": {
			Status:      "deprecated",
			Replacement: "/authority/validate",
			Message:     "present an execution mandate instead of a budget",
		},
		"/budget/policy": {
			Status:      "deprecated",
			Replacement: "/authority/policy",
			Message:     "authority policies replace budget policies",
		},
	}
}
