package gateway

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/garudex-labs/caracal/pkg/api"
	"github.com/garudex-labs/caracal/pkg/auth"
	"github.com/garudex-labs/caracal/pkg/authority"
	"github.com/garudex-labs/caracal/pkg/cache"
	"github.com/garudex-labs/caracal/pkg/compat"
	"github.com/garudex-labs/caracal/pkg/crypto"
	"github.com/garudex-labs/caracal/pkg/database"
	"github.com/garudex-labs/caracal/pkg/identity"
	"github.com/garudex-labs/caracal/pkg/ledger"
	"github.com/garudex-labs/caracal/pkg/mandate"
	"github.com/garudex-labs/caracal/pkg/metering"
	"github.com/garudex-labs/caracal/pkg/policy"
)

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	keys   []string
	values [][]byte
}

func (p *capturePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return nil
}

func (p *capturePublisher) events(t *testing.T, kind string) []ledger.Event {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ledger.Event
	for _, v := range p.values {
		var e ledger.Event
		if err := json.Unmarshal(v, &e); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type flakyPolicies struct {
	inner *policy.Store
	mu    sync.Mutex
	fail  bool
}

func (p *flakyPolicies) setFail(v bool) {
	p.mu.Lock()
	p.fail = v
	p.mu.Unlock()
}

func (p *flakyPolicies) Active(ctx context.Context, principalID string) (*policy.Policy, error) {
	p.mu.Lock()
	failing := p.fail
	p.mu.Unlock()
	if failing {
		return nil, errors.New("policy store: connection refused")
	}
	return p.inner.Active(ctx, principalID)
}

type upstreamCapture struct {
	mu      sync.Mutex
	hits    int
	headers http.Header
	host    string
	path    string
	delay   time.Duration
}

func (u *upstreamCapture) record(r *http.Request) {
	u.mu.Lock()
	u.hits++
	u.headers = r.Header.Clone()
	u.host = r.Host
	u.path = r.URL.Path
	u.mu.Unlock()
}

func (u *upstreamCapture) hitCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits
}

type gatewayFixture struct {
	db       *database.DB
	ids      *identity.Store
	pols     *policy.Store
	source   *flakyPolicies
	mandates *mandate.Store
	mgr      *mandate.Manager
	charges  *metering.Store
	signer   *crypto.SoftwareSigner
	cache    *cache.PolicyCache
	pub      *capturePublisher
	srv      *Server
	handler  http.Handler
	upstream *httptest.Server
	captured *upstreamCapture
	now         time.Time
	issuer      *identity.Principal
	agent       *identity.Principal
	agentPolicy *policy.Policy
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ids, err := identity.NewStore(db, logger)
	if err != nil {
		t.Fatalf("identity store: %v", err)
	}
	pols, err := policy.NewStore(db, logger)
	if err != nil {
		t.Fatalf("policy store: %v", err)
	}
	mandates, err := mandate.NewStore(db, logger)
	if err != nil {
		t.Fatalf("mandate store: %v", err)
	}
	charges, err := metering.NewStore(db, logger)
	if err != nil {
		t.Fatalf("metering store: %v", err)
	}
	guard, err := policy.NewGuard(nil)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	signer, err := crypto.NewSoftwareSigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	f := &gatewayFixture{
		db:       db,
		ids:      ids,
		pols:     pols,
		source:   &flakyPolicies{inner: pols},
		mandates: mandates,
		charges:  charges,
		signer:   signer,
		pub:      &capturePublisher{},
		captured: &upstreamCapture{},
		now:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	f.mgr = mandate.NewManager(mandates, ids, pols, guard, signer, logger).WithClock(clock)
	f.cache = cache.NewPolicyCache(logger).WithTTL(5 * time.Minute).WithClock(clock)

	f.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.captured.mu.Lock()
		delay := f.captured.delay
		f.captured.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		f.captured.record(r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":"ok"}`)
	}))
	t.Cleanup(f.upstream.Close)

	keys := func(kid string) (*ecdsa.PublicKey, error) {
		if kid != signer.KeyID() {
			return nil, errors.New("unknown key " + kid)
		}
		return &signer.Private().PublicKey, nil
	}
	resolver := func(ctx context.Context, id string) (*mandate.Mandate, error) {
		return mandates.Get(ctx, id)
	}
	keyPEM := func(context.Context, *mandate.Mandate) (string, error) {
		return signer.PublicKeyPEM(), nil
	}
	evaluator := authority.NewEvaluator(resolver, keyPEM)
	chain := auth.Chain{auth.NewJWSAuthenticator(auth.KeySet{signer.KeyID(): &signer.Private().PublicKey})}

	f.srv = NewServer(mandates, f.source, evaluator, keys, chain, logger).
		WithCache(f.cache).
		WithCharges(charges).
		WithPublisher(f.pub).
		WithClock(clock)
	f.handler = f.srv.Handler()

	f.issuer = f.register(t, "alice", identity.TypeUser)
	f.agent = f.register(t, "travel-agent", identity.TypeAgent)
	f.grantPolicy(t, f.issuer.PrincipalID, policy.Spec{
		AllowedResourcePatterns: []string{"api:*"},
		AllowedActions:          []string{"api_call", "file_write"},
		MaxValiditySeconds:      3600,
		AllowDelegation:         true,
		MaxDelegationDepth:      2,
	})
	f.agentPolicy = f.grantPolicy(t, f.agent.PrincipalID, policy.Spec{
		AllowedResourcePatterns: []string{"api:*"},
		AllowedActions:          []string{"api_call"},
		MaxValiditySeconds:      3600,
		AllowDelegation:         false,
		MaxDelegationDepth:      0,
	})
	return f
}

func (f *gatewayFixture) register(t *testing.T, name string, ptype identity.PrincipalType) *identity.Principal {
	t.Helper()
	p, err := f.ids.Register(context.Background(), name, "ops", ptype, "")
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return p
}

func (f *gatewayFixture) grantPolicy(t *testing.T, principalID string, spec policy.Spec) *policy.Policy {
	t.Helper()
	p, err := f.pols.Create(context.Background(), principalID, spec, "admin", "test setup")
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	return p
}

// issueMandate grants the standard fixture mandate and returns its token.
func (f *gatewayFixture) issueMandate(t *testing.T, actions []string) (*mandate.Mandate, string) {
	t.Helper()
	m, err := f.mgr.Issue(context.Background(), mandate.IssueRequest{
		IssuerID:        f.issuer.PrincipalID,
		SubjectID:       f.agent.PrincipalID,
		ResourceScope:   []string{"api:openai:*"},
		ActionScope:     actions,
		ValiditySeconds: 600,
	})
	if err != nil {
		t.Fatalf("issue mandate: %v", err)
	}
	token, err := mandate.EncodeToken(m, f.signer)
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	return m, token
}

func (f *gatewayFixture) bearerFor(t *testing.T, principalID string) string {
	t.Helper()
	// Bearer expiry is checked against the wall clock by the JWT
	// validator, so the bearer is signed with real time while the
	// mandate window runs on the fixture clock.
	bearer, err := auth.SignBearer(f.signer, principalID, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign bearer: %v", err)
	}
	return bearer
}

// proxyRequest sends a request through the full middleware stack. An empty
// header value in overrides removes the header instead of setting it.
func (f *gatewayFixture) proxyRequest(t *testing.T, token string, overrides map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "http://caracal.gateway/", nil)
	r.Header.Set("Authorization", "Bearer "+f.bearerFor(t, f.agent.PrincipalID))
	if token != "" {
		r.Header.Set(HeaderMandate, token)
	}
	r.Header.Set(HeaderTargetURL, f.upstream.URL+"/v1/complete")
	r.Header.Set(HeaderAction, "api_call")
	r.Header.Set(HeaderResource, "api:openai:completions")
	for k, v := range overrides {
		if v == "" {
			r.Header.Del(k)
			continue
		}
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	var p api.ProblemDetail
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode problem body %q: %v", w.Body.String(), err)
	}
	return p
}

func wantDecisionEvent(t *testing.T, f *gatewayFixture, decision string, denialKind authority.Kind) ledger.Event {
	t.Helper()
	events := f.pub.events(t, ledger.KindAuthorityDecision)
	if len(events) == 0 {
		t.Fatal("no authority decision event published")
	}
	e := events[len(events)-1]
	if e.Decision != decision {
		t.Errorf("event decision = %s, want %s", e.Decision, decision)
	}
	if e.DenialKind != string(denialKind) {
		t.Errorf("event denial kind = %s, want %s", e.DenialKind, denialKind)
	}
	return e
}

func TestProxyForwardsAllowedRequest(t *testing.T) {
	f := newGatewayFixture(t)
	m, token := f.issueMandate(t, []string{"api_call"})

	w := f.proxyRequest(t, token, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"result":"ok"`) {
		t.Errorf("upstream body not passed through: %s", w.Body.String())
	}
	if got := w.Header().Get(HeaderDecision); got != "allowed" {
		t.Errorf("%s = %q, want allowed", HeaderDecision, got)
	}
	if w.Header().Get(api.HeaderCorrelationID) == "" {
		t.Error("response missing correlation id")
	}
	if w.Header().Get(HeaderDegradedMode) != "" {
		t.Error("healthy request marked degraded")
	}
	if f.captured.hitCount() != 1 {
		t.Fatalf("upstream hits = %d, want 1", f.captured.hitCount())
	}

	e := wantDecisionEvent(t, f, ledger.DecisionAllowed, "")
	if e.PrincipalID != f.agent.PrincipalID {
		t.Errorf("event principal = %s, want %s", e.PrincipalID, f.agent.PrincipalID)
	}
	if e.MandateID != m.MandateID {
		t.Errorf("event mandate = %s, want %s", e.MandateID, m.MandateID)
	}
	if e.RequestedAction != "api_call" || e.RequestedResource != "api:openai:completions" {
		t.Errorf("event request = %s on %s", e.RequestedAction, e.RequestedResource)
	}
	if e.CorrelationID != w.Header().Get(api.HeaderCorrelationID) {
		t.Error("event correlation id does not match response header")
	}
}

func TestProxyStripsCredentialHeaders(t *testing.T) {
	f := newGatewayFixture(t)
	_, token := f.issueMandate(t, []string{"api_call"})

	w := f.proxyRequest(t, token, map[string]string{HeaderEstimatedCost: "0.01"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	f.captured.mu.Lock()
	defer f.captured.mu.Unlock()
	for _, h := range []string{"Authorization", auth.HeaderAPIKey, HeaderMandate, HeaderTargetURL, HeaderEstimatedCost, HeaderAction, HeaderResource} {
		if v := f.captured.headers.Get(h); v != "" {
			t.Errorf("header %s leaked to upstream: %q", h, v)
		}
	}
	if f.captured.path != "/v1/complete" {
		t.Errorf("upstream path = %s", f.captured.path)
	}
}

func TestProxyRequiresMandate(t *testing.T) {
	f := newGatewayFixture(t)

	w := f.proxyRequest(t, "", nil)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	p := decodeProblem(t, w)
	if !strings.HasSuffix(p.Type, "/mandate_not_found") {
		t.Errorf("problem type = %s", p.Type)
	}
	if f.captured.hitCount() != 0 {
		t.Error("request without mandate reached upstream")
	}
	if len(f.pub.events(t, ledger.KindAuthorityDecision)) != 0 {
		t.Error("pre-decision rejection published a decision event")
	}
}

func TestProxyRejectsUnknownMandate(t *testing.T) {
	f := newGatewayFixture(t)

	// A well-signed token whose mandate was never stored. Possession of
	// a token proves nothing without the row.
	ghost := &mandate.Mandate{
		MandateID:     "m-ghost",
		IssuerID:      f.issuer.PrincipalID,
		SubjectID:     f.agent.PrincipalID,
		ResourceScope: []string{"api:*"},
		ActionScope:   []string{"api_call"},
		ValidFrom:     f.now,
		ValidUntil:    f.now.Add(10 * time.Minute),
	}
	token, err := mandate.EncodeToken(ghost, f.signer)
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}

	w := f.proxyRequest(t, token, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	p := decodeProblem(t, w)
	if !strings.HasSuffix(p.Type, "/mandate_not_found") {
		t.Errorf("problem type = %s", p.Type)
	}
	if f.captured.hitCount() != 0 {
		t.Error("unknown mandate reached upstream")
	}
}

func TestProxyDeniesExpiredMandate(t *testing.T) {
	f := newGatewayFixture(t)
	_, token := f.issueMandate(t, []string{"api_call"})

	f.now = f.now.Add(11 * time.Minute)

	w := f.proxyRequest(t, token, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	p := decodeProblem(t, w)
	if p.DenialKind != string(authority.KindExpired) {
		t.Errorf("denial kind = %s, want EXPIRED", p.DenialKind)
	}
	if got := w.Header().Get(HeaderDecision); got != "denied" {
		t.Errorf("%s = %q, want denied", HeaderDecision, got)
	}
	if f.captured.hitCount() != 0 {
		t.Error("expired mandate reached upstream")
	}
	wantDecisionEvent(t, f, ledger.DecisionDenied, authority.KindExpired)
}

func TestProxyDeniesRevokedMandate(t *testing.T) {
	f := newGatewayFixture(t)
	m, token := f.issueMandate(t, []string{"api_call"})

	if _, err := f.mgr.Revoke(context.Background(), m.MandateID, f.issuer.PrincipalID, "compromised", false); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// The presented token still verifies; revocation lives on the row.
	w := f.proxyRequest(t, token, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	p := decodeProblem(t, w)
	if p.DenialKind != string(authority.KindRevoked) {
		t.Errorf("denial kind = %s, want REVOKED", p.DenialKind)
	}
	wantDecisionEvent(t, f, ledger.DecisionDenied, authority.KindRevoked)
}

func TestProxyDeniesSubjectMismatch(t *testing.T) {
	f := newGatewayFixture(t)
	_, token := f.issueMandate(t, []string{"api_call"})

	r := httptest.NewRequest(http.MethodPost, "http://caracal.gateway/", nil)
	r.Header.Set("Authorization", "Bearer "+f.bearerFor(t, f.issuer.PrincipalID))
	r.Header.Set(HeaderMandate, token)
	r.Header.Set(HeaderTargetURL, f.upstream.URL+"/v1/complete")
	r.Header.Set(HeaderAction, "api_call")
	r.Header.Set(HeaderResource, "api:openai:completions")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	p := decodeProblem(t, w)
	if !strings.Contains(p.Detail, "does not match caller") {
		t.Errorf("detail = %s", p.Detail)
	}
	if p.DenialKind != string(authority.KindScopeEscalation) {
		t.Errorf("denial kind = %s, want SCOPE_ESCALATION", p.DenialKind)
	}
	if f.captured.hitCount() != 0 {
		t.Error("mismatched subject reached upstream")
	}
	wantDecisionEvent(t, f, ledger.DecisionDenied, authority.KindScopeEscalation)
}

func TestProxyDeniesActionOutsideCallerPolicy(t *testing.T) {
	f := newGatewayFixture(t)
	// The mandate allows file_write but the agent's own policy does not;
	// the policy check catches what issuance could not know.
	_, token := f.issueMandate(t, []string{"api_call", "file_write"})

	w := f.proxyRequest(t, token, map[string]string{HeaderAction: "file_write"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	p := decodeProblem(t, w)
	if p.DenialKind != string(authority.KindActionOutOfScope) {
		t.Errorf("denial kind = %s, want ACTION_OUT_OF_SCOPE", p.DenialKind)
	}
	if !strings.Contains(p.Detail, "policy") {
		t.Errorf("detail should name the policy: %s", p.Detail)
	}
	wantDecisionEvent(t, f, ledger.DecisionDenied, authority.KindActionOutOfScope)
}

func TestProxyDeniesWithoutActivePolicy(t *testing.T) {
	f := newGatewayFixture(t)
	_, token := f.issueMandate(t, []string{"api_call"})

	if err := f.pols.Deactivate(context.Background(), f.agentPolicy.PolicyID, "admin", "offboarding"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	w := f.proxyRequest(t, token, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	p := decodeProblem(t, w)
	if p.DenialKind != string(authority.KindPolicyNotFound) {
		t.Errorf("denial kind = %s, want POLICY_NOT_FOUND", p.DenialKind)
	}
	wantDecisionEvent(t, f, ledger.DecisionDenied, authority.KindPolicyNotFound)
}

func TestProxyDegradedModeServesFromCache(t *testing.T) {
	f := newGatewayFixture(t)
	_, token := f.issueMandate(t, []string{"api_call"})

	if w := f.proxyRequest(t, token, nil); w.Code != http.StatusOK {
		t.Fatalf("warmup status = %d", w.Code)
	}

	f.source.setFail(true)
	f.now = f.now.Add(90 * time.Second)

	w := f.proxyRequest(t, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("degraded status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get(HeaderDegradedMode); got != "true" {
		t.Errorf("%s = %q, want true", HeaderDegradedMode, got)
	}
	if got := w.Header().Get(HeaderCacheAge); got != "90" {
		t.Errorf("%s = %q, want 90", HeaderCacheAge, got)
	}
	if w.Header().Get(HeaderCacheWarning) == "" {
		t.Error("degraded response missing cache warning")
	}
	if f.captured.hitCount() != 2 {
		t.Errorf("upstream hits = %d, want 2", f.captured.hitCount())
	}
}

func TestProxyColdCacheFailsClosed(t *testing.T) {
	f := newGatewayFixture(t)
	_, token := f.issueMandate(t, []string{"api_call"})

	f.source.setFail(true)

	w := f.proxyRequest(t, token, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	p := decodeProblem(t, w)
	if !strings.HasSuffix(p.Type, "/policy_service_unavailable") {
		t.Errorf("problem type = %s", p.Type)
	}
	if f.captured.hitCount() != 0 {
		t.Error("request without a decidable policy reached upstream")
	}
	if len(f.pub.events(t, ledger.KindAuthorityDecision)) != 0 {
		t.Error("availability failure published a decision event")
	}
}

func TestProxyUpstreamTimeout(t *testing.T) {
	f := newGatewayFixture(t)
	_, token := f.issueMandate(t, []string{"api_call"})

	f.captured.mu.Lock()
	f.captured.delay = 200 * time.Millisecond
	f.captured.mu.Unlock()
	f.srv.WithUpstreamTimeout(50 * time.Millisecond)

	w := f.proxyRequest(t, token, nil)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
	p := decodeProblem(t, w)
	if !strings.HasSuffix(p.Type, "/upstream_timeout") {
		t.Errorf("problem type = %s", p.Type)
	}
	// The authorization stands even though delivery failed.
	wantDecisionEvent(t, f, ledger.DecisionAllowed, "")
}

func TestProxyPublishesMeteringEvent(t *testing.T) {
	f := newGatewayFixture(t)
	m, token := f.issueMandate(t, []string{"api_call"})

	w := f.proxyRequest(t, token, map[string]string{HeaderEstimatedCost: "0.05"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	events := f.pub.events(t, ledger.KindMetering)
	if len(events) != 1 {
		t.Fatalf("metering events = %d, want 1", len(events))
	}
	e := events[0]
	if e.PrincipalID != f.agent.PrincipalID || e.MandateID != m.MandateID {
		t.Errorf("metering event identity = %s / %s", e.PrincipalID, e.MandateID)
	}

	var usage metering.Usage
	if err := json.Unmarshal(e.Payload, &usage); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if usage.Cost != "0.05" || usage.Currency != DefaultCurrency {
		t.Errorf("usage = %s %s", usage.Cost, usage.Currency)
	}
	if usage.ResourceType != metering.ResourceAPICall {
		t.Errorf("resource type = %s", usage.ResourceType)
	}
	if usage.ProvisionalChargeID == "" {
		t.Fatal("metering event carries no charge id")
	}

	charge, err := f.charges.GetCharge(context.Background(), usage.ProvisionalChargeID)
	if err != nil {
		t.Fatalf("load charge: %v", err)
	}
	if charge.Amount.String() != "0.05" || charge.PrincipalID != f.agent.PrincipalID {
		t.Errorf("charge = %s for %s", charge.Amount, charge.PrincipalID)
	}
}

func TestProxyDeniedRequestHoldsNothing(t *testing.T) {
	f := newGatewayFixture(t)
	_, token := f.issueMandate(t, []string{"api_call"})
	f.now = f.now.Add(11 * time.Minute)

	w := f.proxyRequest(t, token, map[string]string{HeaderEstimatedCost: "0.05"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	charges, err := f.charges.ListCharges(context.Background(), metering.ChargeFilter{})
	if err != nil {
		t.Fatalf("list charges: %v", err)
	}
	if len(charges) != 0 {
		t.Errorf("denied request left %d charges", len(charges))
	}
	if len(f.pub.events(t, ledger.KindMetering)) != 0 {
		t.Error("denied request published a metering event")
	}
}

func TestProxyRejectsBadTarget(t *testing.T) {
	f := newGatewayFixture(t)
	_, token := f.issueMandate(t, []string{"api_call"})

	cases := map[string]string{
		"missing":  "",
		"relative": "/v1/complete",
		"ftp":      "ftp://files.example/complete",
	}
	for name, target := range cases {
		w := f.proxyRequest(t, token, map[string]string{HeaderTargetURL: target})
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, w.Code)
		}
	}
	if f.captured.hitCount() != 0 {
		t.Error("bad target reached upstream")
	}
}

func TestProxyRejectsUnauthenticated(t *testing.T) {
	f := newGatewayFixture(t)
	_, token := f.issueMandate(t, []string{"api_call"})

	r := httptest.NewRequest(http.MethodPost, "http://caracal.gateway/", nil)
	r.Header.Set(HeaderMandate, token)
	r.Header.Set(HeaderTargetURL, f.upstream.URL+"/v1/complete")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if f.captured.hitCount() != 0 {
		t.Error("unauthenticated request reached upstream")
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newGatewayFixture(t)
	f.srv.WithComponent("database", func(context.Context) error { return nil }).
		WithComponent("bus", func(context.Context) error { return errors.New("lag unknown") })

	r := httptest.NewRequest(http.MethodGet, "http://caracal.gateway/health", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var doc struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if doc.Status != "degraded" {
		t.Errorf("status = %s, want degraded", doc.Status)
	}
	if doc.Components["database"] != "ok" {
		t.Errorf("database = %s", doc.Components["database"])
	}
	if doc.Components["bus"] != "lag unknown" {
		t.Errorf("bus = %s", doc.Components["bus"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newGatewayFixture(t)
	_, token := f.issueMandate(t, []string{"api_call"})

	if w := f.proxyRequest(t, token, nil); w.Code != http.StatusOK {
		t.Fatalf("allowed request status = %d", w.Code)
	}
	f.now = f.now.Add(11 * time.Minute)
	if w := f.proxyRequest(t, token, nil); w.Code != http.StatusForbidden {
		t.Fatalf("expired request status = %d", w.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "http://caracal.gateway/stats", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	var doc struct {
		Decisions struct {
			Total    int64 `json:"total"`
			Denied   int64 `json:"denied"`
			Degraded int64 `json:"degraded_requests"`
		} `json:"decisions"`
		PolicyCache *cache.Stats `json:"policy_cache"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if doc.Decisions.Total != 2 || doc.Decisions.Denied != 1 {
		t.Errorf("decisions = %+v", doc.Decisions)
	}
	if doc.PolicyCache == nil {
		t.Fatal("stats missing policy_cache section")
	}
	if doc.PolicyCache.Size != 1 {
		t.Errorf("cache size = %d, want 1", doc.PolicyCache.Size)
	}
}

func TestLegacyBudgetRoutesMountBehindAuth(t *testing.T) {
	f := newGatewayFixture(t)
	f.issueMandate(t, []string{"api_call"})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := func(ctx context.Context, id string) (*mandate.Mandate, error) {
		return f.mandates.Get(ctx, id)
	}
	keyPEM := func(context.Context, *mandate.Mandate) (string, error) {
		return f.signer.PublicKeyPEM(), nil
	}
	layer := compat.NewLayer(compat.ModeAuthority, f.mandates, authority.NewEvaluator(resolver, keyPEM), logger).
		WithClock(func() time.Time { return f.now })
	handler := f.srv.WithCompat(compat.NewHandler(layer, logger)).Handler()

	body := `{"agent_id": "` + f.agent.PrincipalID + `", "action": "api_call", "resource": "api:openai:completions"}`

	// The legacy routes share the proxy's authentication chain.
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "http://caracal.gateway/budget/check", strings.NewReader(body)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", w.Code)
	}

	r := httptest.NewRequest(http.MethodPost, "http://caracal.gateway/budget/check", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+f.bearerFor(t, f.agent.PrincipalID))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Deprecation"); got != "true" {
		t.Errorf("Deprecation header = %q", got)
	}
	var resp compat.CheckResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if !resp.Allowed {
		t.Fatalf("denied: %s", resp.Reason)
	}
	if resp.MandateID == "" {
		t.Error("verdict missing mandate id")
	}
	if f.captured.hitCount() != 0 {
		t.Errorf("legacy check reached the upstream %d times", f.captured.hitCount())
	}
}
