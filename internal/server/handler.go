package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chainreader/internal/adapter"
	"chainreader/internal/config"
	"chainreader/internal/endpoint"
	"chainreader/internal/reader"
)

// BalancesResponse is the body of GET /v1/balances/{wallet}
type BalancesResponse struct {
	Wallet common.Address                        `json:"wallet"`
	Native reader.Result[string]                 `json:"native"`
	Tokens []reader.Result[adapter.TokenBalance] `json:"tokens"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string              `json:"status"`
	Endpoints []endpoint.Endpoint `json:"endpoints"`
	Cached    int                 `json:"cached"`
}

// Handler routes HTTP requests to the adapters
type Handler struct {
	mux      *http.ServeMux
	adapters *adapter.Set
	factory  common.Address
	tokens   []common.Address
	logger   zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(cfg *config.Config, adapters *adapter.Set, gatherer prometheus.Gatherer, logger zerolog.Logger) *Handler {
	h := &Handler{
		mux:      http.NewServeMux(),
		adapters: adapters,
		logger:   logger.With().Str("component", "handler").Logger(),
	}
	if cfg.Adapters.FactoryAddress != "" {
		h.factory = common.HexToAddress(cfg.Adapters.FactoryAddress)
	}
	for _, t := range cfg.Adapters.Tokens {
		h.tokens = append(h.tokens, common.HexToAddress(t))
	}

	h.mux.HandleFunc("GET /v1/balances/{wallet}", h.balances)
	h.mux.HandleFunc("GET /v1/pools", h.pools)
	h.mux.HandleFunc("GET /v1/pools/{pair}/reserves", h.reserves)
	h.mux.HandleFunc("GET /v1/analytics/overview", h.overview)
	h.mux.HandleFunc("GET /v1/portfolio/{wallet}", h.portfolio)
	h.mux.HandleFunc("POST /v1/wallets/{wallet}/confirmed", h.confirmed)
	h.mux.HandleFunc("POST /v1/reset", h.reset)
	h.mux.HandleFunc("GET /health", h.health)
	if gatherer != nil {
		h.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) balances(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.address(w, r.PathValue("wallet"))
	if !ok {
		return
	}
	tokens := h.tokens
	if q := r.URL.Query().Get("tokens"); q != "" {
		tokens = nil
		for _, s := range strings.Split(q, ",") {
			tok, ok := h.address(w, strings.TrimSpace(s))
			if !ok {
				return
			}
			tokens = append(tokens, tok)
		}
	}

	resp := BalancesResponse{
		Wallet: wallet,
		Native: h.adapters.Balances.Native(r.Context(), wallet),
		Tokens: []reader.Result[adapter.TokenBalance]{},
	}
	if len(tokens) > 0 {
		resp.Tokens = h.adapters.Balances.Tokens(r.Context(), wallet, tokens)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) pools(w http.ResponseWriter, r *http.Request) {
	factory, ok := h.factoryParam(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.adapters.Pools.List(r.Context(), factory))
}

func (h *Handler) reserves(w http.ResponseWriter, r *http.Request) {
	pair, ok := h.address(w, r.PathValue("pair"))
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.adapters.Pools.Reserves(r.Context(), pair))
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	factory, ok := h.factoryParam(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.adapters.Analytics.Overview(r.Context(), factory))
}

func (h *Handler) portfolio(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.address(w, r.PathValue("wallet"))
	if !ok {
		return
	}
	factory, ok := h.factoryParam(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.adapters.Analytics.Portfolio(r.Context(), factory, wallet))
}

func (h *Handler) confirmed(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.address(w, r.PathValue("wallet"))
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.adapters.OnTransactionConfirmed(r.Context(), wallet))
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	h.adapters.Reset()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	rd := h.adapters.Reader()
	resp := HealthResponse{
		Status:    rd.Endpoints().Health(endpoint.KindPrimary).String(),
		Endpoints: rd.Endpoints().Snapshot(),
		Cached:    rd.Cache().Len(),
	}
	status := http.StatusOK
	if rd.Endpoints().Health(endpoint.KindPrimary) == endpoint.HealthDown {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) factoryParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	if q := r.URL.Query().Get("factory"); q != "" {
		return h.address(w, q)
	}
	if h.factory == (common.Address{}) {
		h.writeError(w, http.StatusBadRequest, "factory is required")
		return common.Address{}, false
	}
	return h.factory, true
}

func (h *Handler) address(w http.ResponseWriter, s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		h.writeError(w, http.StatusBadRequest, "invalid address: "+s)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// writeJSON writes v as a JSON body
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal response")
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError writes a JSON error body
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	data, _ := json.Marshal(map[string]string{"error": message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
