package compat

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/garudex-labs/caracal/pkg/api"
)

// maxCheckBody bounds the legacy request body. A budget check is a few
// hundred bytes; anything larger is not a budget check.
const maxCheckBody = 1 << 16

// Handler serves the maintained v0.2 routes over the layer. Responses
// carry Deprecation and Warning headers so well-behaved clients notice
// before the routes disappear.
type Handler struct {
	layer  *Layer
	logger *slog.Logger
}

func NewHandler(layer *Layer, logger *slog.Logger) *Handler {
	return &Handler{
		layer:  layer,
		logger: logger.With(slog.String("component", "compat_api")),
	}
}

// Register mounts the legacy routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/budget/check", h.handleCheck)
	mux.HandleFunc("/budget/policy", h.handlePolicy)
}

// checkBody is the v0.2 wire request. budget_limit, window, and currency
// are extensions: the v0.2 server kept budget policies itself, so rolled
// back callers now send the limit they used to store.
type checkBody struct {
	AgentID       string              `json:"agent_id"`
	Action        string              `json:"action"`
	Resource      string              `json:"resource"`
	EstimatedCost decimal.Decimal     `json:"estimated_cost"`
	BudgetLimit   decimal.NullDecimal `json:"budget_limit"`
	Window        string              `json:"window"`
	Currency      string              `json:"currency"`
}

// handleCheck answers a legacy budget check. The verdict travels in the
// body; HTTP errors are reserved for requests the shim cannot read at
// all.
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}

	var body checkBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCheckBody)).Decode(&body); err != nil {
		api.WriteBadRequest(w, "request body is not a budget check: "+err.Error())
		return
	}

	resp := h.layer.CheckExecution(r.Context(), CheckRequest{
		PrincipalID:   body.AgentID,
		Action:        body.Action,
		Resource:      body.Resource,
		EstimatedCost: body.EstimatedCost,
		BudgetLimit:   body.BudgetLimit,
		Window:        Window(body.Window),
		Currency:      body.Currency,
	})

	writeDeprecated(w)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("write budget check response", slog.Any("error", err))
	}
}

// handlePolicy describes where budget policy management went. Reads get
// the endpoint map; anything trying to mutate gets told the resource is
// gone.
func (h *Handler) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteProblemR(w, r, http.StatusGone, "budget_policy_removed",
			"Budget Policies Removed",
			"authority policies replace budget policies; use /authority/policy")
		return
	}

	writeDeprecated(w)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(DeprecatedEndpoints()); err != nil {
		h.logger.Warn("write endpoint map", slog.Any("error", err))
	}
}

func writeDeprecated(w http.ResponseWriter) {
	w.Header().Set("Deprecation", "true")
	w.Header().Set("Warning", `299 - "`+DeprecationWarning+`"`)
}
