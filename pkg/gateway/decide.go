package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/garudex-labs/caracal/pkg/api"
	"github.com/garudex-labs/caracal/pkg/auth"
	"github.com/garudex-labs/caracal/pkg/authority"
	"github.com/garudex-labs/caracal/pkg/canonical"
	"github.com/garudex-labs/caracal/pkg/ledger"
	"github.com/garudex-labs/caracal/pkg/mandate"
	"github.com/garudex-labs/caracal/pkg/metering"
	"github.com/garudex-labs/caracal/pkg/policy"
)

type stateKey struct{}

// proxyState rides the request context between the handler, the director,
// and the response hooks. The handler owns it; the hooks only record.
type proxyState struct {
	target       *url.URL
	upstreamCode int
	upstreamErr  error
}

// handleProxy runs the full decision sequence and forwards on allow.
// Every exit before ServeHTTP is a rejection; nothing reaches the
// upstream until the mandate, the policy, and the evaluator all agree.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	now := s.clock()
	correlationID := api.GetCorrelationID(r.Context())

	caller, ok := auth.IdentityFrom(r.Context())
	if !ok {
		api.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "Authentication required")
		return
	}

	if err := s.checkReplay(r.Context(), r, now); err != nil {
		api.WriteProblemR(w, r, http.StatusUnauthorized, "replay_rejected", "Replay Rejected", err.Error())
		return
	}

	target, err := parseTarget(r.Header.Get(HeaderTargetURL))
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}

	// The token proves possession; the stored row is authoritative for
	// revocation state, so evaluation always runs against the row.
	m, err := s.loadMandate(r.Context(), r.Header.Get(HeaderMandate))
	if err != nil {
		s.logger.Info("mandate rejected",
			slog.String("principal_id", caller.PrincipalID),
			slog.String("error", err.Error()))
		api.WriteProblemR(w, r, http.StatusForbidden, "mandate_not_found", "Mandate Not Found", err.Error())
		return
	}

	// A caller presenting a mandate issued to another subject is trying
	// to exercise authority that was never granted to it.
	if m.SubjectID != caller.PrincipalID {
		d := authority.Decision{
			Reason:     "mandate subject " + m.SubjectID + " does not match caller " + caller.PrincipalID,
			DenialKind: authority.KindScopeEscalation,
		}
		s.deny(w, r, caller.PrincipalID, m, "", "", d, correlationID)
		return
	}

	action, resource := deriveRequest(r, target)

	pol, degraded, cacheAge, err := s.loadPolicy(r.Context(), caller.PrincipalID)
	if err != nil {
		if errors.Is(err, policy.ErrNoActivePolicy) {
			d := authority.Decision{
				Reason:     "no active authority policy for principal " + caller.PrincipalID,
				DenialKind: authority.KindPolicyNotFound,
			}
			s.deny(w, r, caller.PrincipalID, m, action, resource, d, correlationID)
			return
		}
		s.logger.Error("policy store unavailable with no usable cache",
			slog.String("principal_id", caller.PrincipalID),
			slog.String("error", err.Error()))
		api.WriteProblemR(w, r, http.StatusServiceUnavailable, "policy_service_unavailable",
			"Policy Service Unavailable", "The policy store is unreachable and no cached policy is fresh enough to decide")
		return
	}

	if d, denied := policyScopeDecision(pol, action, resource); denied {
		s.deny(w, r, caller.PrincipalID, m, action, resource, d, correlationID)
		return
	}

	d := s.evaluator.Decide(r.Context(), m, action, resource, now)
	if !d.Allowed {
		s.deny(w, r, caller.PrincipalID, m, action, resource, d, correlationID)
		return
	}
	s.decisions.Add(1)

	chargeID, estimated := s.holdEstimate(r.Context(), caller.PrincipalID, r.Header.Get(HeaderEstimatedCost))

	// ReverseProxy appends upstream headers to what is already on w, so
	// the decision headers go on before forwarding.
	w.Header().Set(HeaderDecision, "allowed")
	if degraded {
		s.degradedRequests.Add(1)
		w.Header().Set(HeaderDegradedMode, "true")
		w.Header().Set(HeaderCacheAge, strconv.Itoa(int(cacheAge/time.Second)))
		w.Header().Set(HeaderCacheWarning, "decision made from cached policy; policy store unreachable")
		s.logger.Warn("serving decision from cached policy",
			slog.String("principal_id", caller.PrincipalID),
			slog.Duration("cache_age", cacheAge))
	}

	state := &proxyState{target: target}
	ctx, cancel := context.WithTimeout(r.Context(), s.upstreamTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, stateKey{}, state)

	s.proxy.ServeHTTP(w, r.WithContext(ctx))

	// The decision stands whether or not the upstream answered; the event
	// records what was authorized, not what the upstream did with it.
	s.publishDecision(r.Context(), caller.PrincipalID, m, action, resource, d, correlationID)

	if state.upstreamCode != 0 && estimated != "" {
		s.publishMetering(r.Context(), caller.PrincipalID, m, estimated, chargeID, correlationID)
	}
}

// deny writes the rejection and records the decision event. A denial with
// no kind means evaluation itself failed rather than a rule rejecting the
// request; those answer 500, not 403, but are ledgered all the same.
func (s *Server) deny(w http.ResponseWriter, r *http.Request, principalID string, m *mandate.Mandate, action, resource string, d authority.Decision, correlationID string) {
	s.decisions.Add(1)
	s.denials.Add(1)
	w.Header().Set(HeaderDecision, "denied")
	if d.DenialKind == "" {
		s.logger.Error("request denied on evaluation failure",
			slog.String("principal_id", principalID),
			slog.String("reason", d.Reason))
		api.WriteProblemR(w, r, http.StatusInternalServerError, "evaluation_failure",
			"Evaluation Failure", "The request was denied because evaluation could not complete")
	} else {
		s.logger.Info("request denied",
			slog.String("principal_id", principalID),
			slog.String("denial_kind", string(d.DenialKind)),
			slog.String("reason", d.Reason))
		api.WriteDenial(w, string(d.DenialKind), d.Reason, correlationID)
	}
	s.publishDecision(r.Context(), principalID, m, action, resource, d, correlationID)
}

// loadMandate decodes the presented token and loads the stored row it
// names. Any failure collapses to one error so a probing caller learns
// nothing about which step rejected it.
func (s *Server) loadMandate(ctx context.Context, token string) (*mandate.Mandate, error) {
	if token == "" {
		return nil, errors.New("no mandate presented")
	}
	decoded, err := mandate.DecodeToken(token, s.keys)
	if err != nil {
		return nil, err
	}
	m, err := s.mandates.Get(ctx, decoded.MandateID)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// loadPolicy fetches the caller's active policy. The store is asked every
// time; the cache only answers when the store itself fails, and a policy
// read from the cache marks the response degraded.
func (s *Server) loadPolicy(ctx context.Context, principalID string) (p *policy.Policy, degraded bool, cacheAge time.Duration, err error) {
	p, err = s.policies.Active(ctx, principalID)
	if err == nil {
		if s.cache != nil {
			s.cache.Put(principalID, p)
		}
		return p, false, 0, nil
	}
	if errors.Is(err, policy.ErrNoActivePolicy) {
		return nil, false, 0, err
	}
	if s.cache != nil {
		if entry := s.cache.Get(principalID); entry != nil {
			return entry.Policy, true, entry.Age(s.clock()), nil
		}
	}
	return nil, false, 0, err
}

// policyScopeDecision enforces the caller's policy directly, so tightening
// or deactivating a policy constrains mandates that were issued under a
// wider one.
func policyScopeDecision(p *policy.Policy, action, resource string) (authority.Decision, bool) {
	if !mandate.CompileScope(p.AllowedActions).Matches(action) {
		return authority.Decision{
			Reason:     "action " + strconv.Quote(action) + " not allowed by policy " + p.PolicyID,
			DenialKind: authority.KindActionOutOfScope,
		}, true
	}
	if !mandate.CompileScope(p.AllowedResourcePatterns).Matches(resource) {
		return authority.Decision{
			Reason:     "resource " + strconv.Quote(resource) + " matches no pattern in policy " + p.PolicyID,
			DenialKind: authority.KindResourceOutOfScope,
		}, true
	}
	return authority.Decision{}, false
}

// holdEstimate places a provisional charge for the declared estimated cost.
// The hold is bookkeeping, not authorization; if it cannot be placed the
// request still proceeds and the final metering event carries no charge id.
func (s *Server) holdEstimate(ctx context.Context, principalID, raw string) (chargeID, estimated string) {
	if raw == "" || s.charges == nil {
		return "", raw
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil || amount.IsNegative() {
		s.logger.Warn("unparseable estimated cost ignored",
			slog.String("principal_id", principalID),
			slog.String("estimated_cost", raw))
		return "", ""
	}
	charge, err := s.charges.CreateProvisional(ctx, principalID, amount, DefaultCurrency, 0)
	if err != nil {
		s.logger.Warn("provisional charge failed",
			slog.String("principal_id", principalID),
			slog.String("error", err.Error()))
		return "", amount.String()
	}
	return charge.ChargeID, amount.String()
}

func (s *Server) publishDecision(ctx context.Context, principalID string, m *mandate.Mandate, action, resource string, d authority.Decision, correlationID string) {
	if s.publisher == nil {
		return
	}
	outcome := ledger.DecisionDenied
	if d.Allowed {
		outcome = ledger.DecisionAllowed
	}
	event := ledger.Event{
		EventID:           uuid.New().String(),
		Kind:              ledger.KindAuthorityDecision,
		Timestamp:         canonical.Timestamp(s.clock()),
		PrincipalID:       principalID,
		Decision:          outcome,
		DenialKind:        string(d.DenialKind),
		DenialReason:      d.Reason,
		RequestedAction:   action,
		RequestedResource: resource,
		CorrelationID:     correlationID,
	}
	if d.Allowed {
		event.DenialReason = ""
	}
	if m != nil {
		event.MandateID = m.MandateID
	}
	value, err := canonical.Marshal(event)
	if err != nil {
		s.logger.Error("marshal decision event", slog.String("error", err.Error()))
		return
	}
	if err := s.publisher.Publish(ctx, "authority.events", principalID, value); err != nil {
		s.logger.Warn("publish decision event failed",
			slog.String("principal_id", principalID),
			slog.String("error", err.Error()))
	}
}

func (s *Server) publishMetering(ctx context.Context, principalID string, m *mandate.Mandate, cost, chargeID, correlationID string) {
	if s.publisher == nil {
		return
	}
	usage := metering.Usage{
		ResourceType:        metering.ResourceAPICall,
		Quantity:            "1",
		Cost:                cost,
		Currency:            DefaultCurrency,
		ProvisionalChargeID: chargeID,
	}
	payload, err := canonical.Marshal(usage)
	if err != nil {
		s.logger.Error("marshal usage payload", slog.String("error", err.Error()))
		return
	}
	event := ledger.Event{
		EventID:       uuid.New().String(),
		Kind:          ledger.KindMetering,
		Timestamp:     canonical.Timestamp(s.clock()),
		PrincipalID:   principalID,
		CorrelationID: correlationID,
		Payload:       payload,
	}
	if m != nil {
		event.MandateID = m.MandateID
	}
	value, err := canonical.Marshal(event)
	if err != nil {
		s.logger.Error("marshal metering event", slog.String("error", err.Error()))
		return
	}
	if err := s.publisher.Publish(ctx, "metering.events", principalID, value); err != nil {
		s.logger.Warn("publish metering event failed",
			slog.String("principal_id", principalID),
			slog.String("error", err.Error()))
	}
}

// parseTarget validates the forwarding destination. Only absolute http and
// https URLs are forwardable.
func parseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("missing " + HeaderTargetURL + " header")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.New("unparseable target URL")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("target URL must be absolute http or https")
	}
	return u, nil
}

// deriveRequest names the action and resource for scope matching. SDKs
// override with headers; otherwise the action is the lowercased HTTP
// method and the resource the target URL without query or fragment.
func deriveRequest(r *http.Request, target *url.URL) (action, resource string) {
	action = r.Header.Get(HeaderAction)
	if action == "" {
		action = strings.ToLower(r.Method)
	}
	resource = r.Header.Get(HeaderResource)
	if resource == "" {
		stripped := *target
		stripped.RawQuery = ""
		stripped.Fragment = ""
		resource = stripped.String()
	}
	return action, resource
}
