package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/garudex-labs/caracal/pkg/api"
	"github.com/garudex-labs/caracal/pkg/auth"
)

// credentialHeaders never cross the gateway. The caller's credentials
// authorize it to Caracal, not to the upstream.
var credentialHeaders = []string{
	"Authorization",
	auth.HeaderAPIKey,
	HeaderMandate,
	HeaderTargetURL,
	HeaderEstimatedCost,
	HeaderNonce,
	HeaderTimestamp,
	HeaderAction,
	HeaderResource,
}

func requestState(r *http.Request) *proxyState {
	state, _ := r.Context().Value(stateKey{}).(*proxyState)
	return state
}

// director rewrites the request toward the decided target. The decision
// path already validated the target, so a missing state means the request
// bypassed it; the empty URL makes the transport fail rather than forward.
func (s *Server) director(r *http.Request) {
	state := requestState(r)
	if state == nil || state.target == nil {
		r.URL.Scheme = ""
		r.URL.Host = ""
		return
	}

	r.URL.Scheme = state.target.Scheme
	r.URL.Host = state.target.Host
	r.URL.Path = state.target.Path
	r.URL.RawQuery = state.target.RawQuery
	r.Host = state.target.Host

	for _, h := range credentialHeaders {
		r.Header.Del(h)
	}
}

func (s *Server) modifyResponse(resp *http.Response) error {
	if state := requestState(resp.Request); state != nil {
		state.upstreamCode = resp.StatusCode
	}
	return nil
}

// upstreamError answers for the upstream when forwarding fails. The
// decision already allowed the request, so the status speaks only to
// delivery: a deadline is a gateway timeout, anything else a bad gateway.
func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if state := requestState(r); state != nil {
		state.upstreamErr = err
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "context deadline exceeded") {
		api.WriteProblemR(w, r, http.StatusGatewayTimeout, "upstream_timeout",
			"Upstream Timeout", "The upstream did not answer within the forwarding deadline")
		return
	}
	api.WriteProblemR(w, r, http.StatusBadGateway, "upstream_unreachable",
		"Upstream Unreachable", err.Error())
}
