package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Analyzer evaluates a single trade synchronously.
type Analyzer interface {
	Evaluate(ctx context.Context, trade *domain.Trade) *domain.Evaluation
}

// Wallets reads ledger aggregates.
type Wallets interface {
	Summary(ctx context.Context, wallet string) (domain.WalletSummary, error)
	RecentTrades(ctx context.Context, wallet string, limit int) ([]*domain.Trade, error)
}

// MarketStats reads and drops cached market baselines.
type MarketStats interface {
	Latest(ctx context.Context, market string) (domain.MarketStats, error)
	Invalidate(ctx context.Context, market string) error
}

// Deps are the collaborators of the API.
type Deps struct {
	Repo        domain.Repository
	Cache       domain.Cache
	Bus         domain.EventBus
	Engine      Analyzer
	Wallets     Wallets
	Stats       MarketStats
	Expressions *rules.ExpressionEngine
	Hub         *Hub
	Version     string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	bus         domain.EventBus
	engine      Analyzer
	wallets     Wallets
	stats       MarketStats
	expressions *rules.ExpressionEngine
	hub         *Hub
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:        deps.Repo,
		cache:       deps.Cache,
		bus:         deps.Bus,
		engine:      deps.Engine,
		wallets:     deps.Wallets,
		stats:       deps.Stats,
		expressions: deps.Expressions,
		hub:         deps.Hub,
		version:     deps.Version,
	}
}

const (
	defaultAlertLimit  = 50
	maxAlertLimit      = 500
	walletRecentTrades = 50
)

// TradeRequest is the request body for POST /trades.
type TradeRequest struct {
	TransactionHash string    `json:"transactionHash"`
	Wallet          string    `json:"wallet"`
	Market          string    `json:"market"`
	Side            string    `json:"side"`
	Outcome         string    `json:"outcome,omitempty"`
	Size            float64   `json:"size"`
	Price           float64   `json:"price"`
	ValueUSD        float64   `json:"valueUsd"`
	Timestamp       time.Time `json:"timestamp"`
}

func (req TradeRequest) trade() *domain.Trade {
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &domain.Trade{
		ID:        req.TransactionHash,
		Wallet:    req.Wallet,
		Market:    req.Market,
		Side:      domain.Side(req.Side),
		Outcome:   req.Outcome,
		Size:      req.Size,
		Price:     req.Price,
		ValueUSD:  req.ValueUSD,
		Timestamp: ts,
	}
}

// SubmitTrade handles POST /trades. The trade is analyzed synchronously
// and the evaluation returned. With ?async=true it is queued on the event
// bus for the worker instead.
func (h *Handler) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	trade := req.trade()
	trade.Normalize()
	if err := trade.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("async") == "true" {
		h.enqueue(w, r, trade)
		return
	}

	eval := h.engine.Evaluate(ctx, trade)
	if eval.Invalid != "" {
		writeError(w, http.StatusBadRequest, eval.Invalid)
		return
	}
	if tid := GetTraceID(ctx); tid != "" {
		eval.Metadata.TraceID = tid
	}
	writeJSON(w, http.StatusOK, eval)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, trade *domain.Trade) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	payload, err := json.Marshal(trade)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode trade")
		return
	}
	if err := h.bus.Publish(r.Context(), domain.TopicTradeIngested, payload); err != nil {
		slog.Error("failed to queue trade", "trade_id", trade.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue trade")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"tradeId": trade.ID,
		"status":  "queued",
	})
}

// ListAlerts handles GET /alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.AlertFilter{
		Type:       domain.AlertType(strings.TrimSpace(q.Get("type"))),
		Wallet:     strings.ToLower(strings.TrimSpace(q.Get("wallet"))),
		UnreadOnly: q.Get("unread") == "true",
		Limit:      defaultAlertLimit,
	}

	if v := q.Get("severity"); v != "" {
		sev, ok := domain.ParseSeverity(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "severity must be one of LOW, MEDIUM, HIGH, CRITICAL")
			return
		}
		filter.Severity = sev
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxAlertLimit)
	}

	list, err := h.repo.ListAlerts(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list alerts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if list == nil {
		list = []*domain.Alert{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	alert, err := h.repo.GetAlert(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "alert", id)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// MarkAlertRead handles POST /alerts/{id}/read.
func (h *Handler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.MarkAlertRead(r.Context(), id); err != nil {
		h.storeError(w, err, "alert", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "read": true})
}

// DismissAlert handles POST /alerts/{id}/dismiss.
func (h *Handler) DismissAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.repo.DismissAlert(r.Context(), id); err != nil {
		h.storeError(w, err, "alert", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "dismissed": true})
}

// WalletResponse is the response for GET /wallets/{address}.
type WalletResponse struct {
	Wallet       domain.WalletSummary `json:"wallet"`
	AgeHours     float64              `json:"ageHours"`
	RecentTrades []*domain.Trade      `json:"recentTrades"`
}

// GetWallet handles GET /wallets/{address}.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := strings.ToLower(chi.URLParam(r, "address"))

	summary, err := h.wallets.Summary(ctx, address)
	if errors.Is(err, domain.ErrUnknownWallet) {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}
	if err != nil {
		slog.Error("failed to load wallet", "wallet", address, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load wallet")
		return
	}

	trades, err := h.wallets.RecentTrades(ctx, address, walletRecentTrades)
	if err != nil {
		slog.Error("failed to load wallet trades", "wallet", address, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load wallet trades")
		return
	}
	if trades == nil {
		trades = []*domain.Trade{}
	}

	writeJSON(w, http.StatusOK, WalletResponse{
		Wallet:       summary,
		AgeHours:     summary.AgeAt(time.Now()).Hours(),
		RecentTrades: trades,
	})
}

// ListWallets handles GET /wallets?sort=freshness|volume.
func (h *Handler) ListWallets(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	order := domain.WalletsByFreshness
	if v := r.URL.Query().Get("sort"); v != "" {
		order = domain.WalletOrder(v)
		if !order.Valid() {
			writeError(w, http.StatusBadRequest, "sort must be freshness or volume")
			return
		}
	}

	wallets, err := h.repo.ListWallets(r.Context(), order, limit)
	if err != nil {
		slog.Error("failed to list wallets", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list wallets")
		return
	}
	if wallets == nil {
		wallets = []*domain.WalletSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallets": wallets,
		"sort":    order,
		"count":   len(wallets),
	})
}

// ListTrades handles GET /trades, the feed of recently ingested trades.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}

	trades, err := h.repo.ListRecentTrades(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list trades", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []*domain.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trades": trades,
		"count":  len(trades),
	})
}

// listLimit reads ?limit, writing a 400 when it is malformed.
func listLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultAlertLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxAlertLimit), true
}

// ListMarkets handles GET /markets.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}

	markets, err := h.repo.ListMarkets(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list markets", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}
	if markets == nil {
		markets = []*domain.MarketActivity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markets": markets,
		"count":   len(markets),
	})
}

// GetMarketStats handles GET /markets/{id}/stats.
func (h *Handler) GetMarketStats(w http.ResponseWriter, r *http.Request) {
	h.serveMarketStats(w, r, chi.URLParam(r, "id"))
}

// RefreshMarketStats handles POST /markets/{id}/stats/refresh. It drops the
// cached baseline so the next trade recomputes it, for example after a
// backfill, and returns the current one.
func (h *Handler) RefreshMarketStats(w http.ResponseWriter, r *http.Request) {
	market := chi.URLParam(r, "id")
	if err := h.stats.Invalidate(r.Context(), market); err != nil {
		slog.Error("failed to drop market stats", "market", market, "error", err)
		writeError(w, http.StatusServiceUnavailable, "market statistics unavailable")
		return
	}
	h.serveMarketStats(w, r, market)
}

func (h *Handler) serveMarketStats(w http.ResponseWriter, r *http.Request, market string) {
	stats, err := h.stats.Latest(r.Context(), market)
	if err != nil {
		slog.Error("failed to load market stats", "market", market, "error", err)
		writeError(w, http.StatusServiceUnavailable, "market statistics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.Stats(r.Context())
	if err != nil {
		slog.Error("failed to load stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	resp := map[string]any{
		"store":   stats,
		"version": h.version,
	}
	if h.expressions != nil {
		resp["expressionRules"] = h.expressions.RulesCount()
	}
	if h.hub != nil {
		resp["liveClients"] = h.hub.Clients()
	}
	if hr, ok := h.cache.(interface{ HitRatio() float64 }); ok {
		resp["cacheHitRatio"] = hr.HitRatio()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(r.Context()); err != nil {
			status = "degraded"
			components[name] = err.Error()
			return
		}
		components[name] = "ok"
	}
	if h.repo != nil {
		check("repository", h.repo.Ping)
	}
	if h.cache != nil {
		check("cache", h.cache.Ping)
	}
	if h.bus != nil {
		check("bus", h.bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the loaded expression rules.
// Rules are loaded from the database at startup and can be reloaded via POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.expressions.GetLoadedRules()

	builtin := []domain.AlertType{domain.AlertFreshWallet, domain.AlertStructuring, domain.AlertUnusualSizing}
	writeJSON(w, http.StatusOK, map[string]any{
		"builtin": builtin,
		"rules":   loaded,
		"count":   len(loaded),
	})
}

// GetRule retrieves a stored rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rule, err := h.repo.GetRuleConfig(r.Context(), id)
	if err != nil {
		h.storeError(w, err, "rule", id)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Version         string          `json:"version,omitempty"`
	Expression      string          `json:"expression"`
	SeverityCeiling domain.Severity `json:"severityCeiling,omitempty"`
	Enabled         bool            `json:"enabled"`
}

// CreateRule validates a rule and saves it to the database.
// After saving, call POST /rules/reload to hot-reload into the engine.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}
	if req.SeverityCeiling != "" {
		sev, ok := domain.ParseSeverity(string(req.SeverityCeiling))
		if !ok {
			writeError(w, http.StatusBadRequest, "severityCeiling must be one of LOW, MEDIUM, HIGH, CRITICAL")
			return
		}
		req.SeverityCeiling = sev
	}

	now := time.Now().UTC()
	cfg := &domain.RuleConfig{
		ID:              req.ID,
		Name:            req.Name,
		Description:     req.Description,
		Version:         req.Version,
		Expression:      req.Expression,
		SeverityCeiling: req.SeverityCeiling,
		Enabled:         req.Enabled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.expressions.ValidateRule(cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if err := h.repo.SaveRuleConfig(ctx, cfg); err != nil {
		slog.Error("failed to save rule config", "id", cfg.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("rule created", "id", cfg.ID, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    cfg,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stored, err := h.repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.expressions.ReloadRules(stored); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusUnprocessableEntity, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "count", h.expressions.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.expressions.RulesCount(),
	})
}

func (h *Handler) storeError(w http.ResponseWriter, err error, kind, id string) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, kind+" not found")
		return
	}
	slog.Error("store lookup failed", "kind", kind, "id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to load "+kind)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
