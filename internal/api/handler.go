// Package api exposes the cover engine over HTTP. The caller's account is
// taken from the X-Account header; capability checks happen in the engine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/parametric-engine/internal/engine"
	"github.com/atmx/parametric-engine/internal/events"
	"github.com/atmx/parametric-engine/internal/ledger"
	"github.com/atmx/parametric-engine/internal/metrics"
	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/oracle"
	"github.com/atmx/parametric-engine/internal/p2p"
	"github.com/atmx/parametric-engine/internal/quote"
)

// AccountHeader carries the caller identity.
const AccountHeader = "X-Account"

// Handler serves the /api/v1 routes.
type Handler struct {
	eng     *engine.Engine
	ws      *events.WSHub
	readers *reporterLimiter
}

// NewHandler creates the HTTP handler. ws may be nil, which disables the
// websocket route. Reading submissions are throttled per reporter at
// readingRPS with the given burst; a non-positive rate disables throttling.
func NewHandler(eng *engine.Engine, ws *events.WSHub, readingRPS float64, readingBurst int) *Handler {
	return &Handler{
		eng:     eng,
		ws:      ws,
		readers: newReporterLimiter(readingRPS, readingBurst),
	}
}

// Routes mounts the API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if h.ws != nil {
			r.Get("/ws", h.ws.HandleWS)
		}

		r.Post("/markets", h.createMarket)
		r.Get("/markets", h.listMarkets)
		r.Get("/markets/{id}", h.getMarket)
		r.Get("/markets/{id}/rolling", h.rollingSum)
		r.Get("/markets/{id}/cumulative", h.cumulativeSum)
		r.Post("/readings", h.submitReading)

		r.Post("/quotes", h.requestQuote)
		r.Get("/quotes/{id}", h.getQuote)
		r.Post("/quotes/{id}/price", h.priceQuote)
		r.Post("/quotes/{id}/autoprice", h.autoPrice)

		r.Post("/policies", h.issuePolicy)
		r.Get("/policies/{id}", h.getPolicy)
		r.Get("/policies/{id}/observation", h.observePolicy)
		r.Post("/policies/{id}/settle", h.settlePolicy)
		r.Post("/policies/{id}/resolve", h.resolvePolicy)
		r.Get("/policies/{id}/settlement", h.getSettlement)

		r.Post("/orders", h.placeOrder)
		r.Post("/orders/{id}/fill", h.fillOrder)
		r.Delete("/orders/{id}", h.cancelOrder)
		r.Get("/pools/{id}/book", h.getBook)
		r.Get("/pools/{id}/holdings", h.getPool)

		r.Post("/requests", h.createRequest)
		r.Get("/requests/{id}", h.getRequest)
		r.Post("/requests/{id}/accept", h.acceptRequest)
		r.Post("/requests/{id}/expire", h.expireRequest)

		r.Post("/accounts/{id}/deposit", h.deposit)
		r.Post("/accounts/{id}/withdraw", h.withdraw)
		r.Get("/accounts/{id}", h.getAccount)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// caller returns the X-Account header, writing 401 when it is missing.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	acct := r.Header.Get(AccountHeader)
	if acct == "" {
		writeError(w, AccountHeader+" header is required", http.StatusUnauthorized)
		return "", false
	}
	if err := ledger.RequireUser(acct); err != nil {
		fail(w, r, err)
		return "", false
	}
	return acct, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// h128Param parses the {id} URL parameter as a 128-bit identifier.
func h128Param(w http.ResponseWriter, r *http.Request) (model.H128, bool) {
	id, err := model.ParseH128(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return model.H128{}, false
	}
	return id, true
}

// timeQuery parses an RFC 3339 query parameter, returning def when absent.
func timeQuery(w http.ResponseWriter, r *http.Request, name string, def time.Time) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		if def.IsZero() {
			writeError(w, name+" is required", http.StatusBadRequest)
			return time.Time{}, false
		}
		return def, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, name+" must be RFC 3339", http.StatusBadRequest)
		return time.Time{}, false
	}
	return t, true
}

// --- Markets and readings ---

func (h *Handler) createMarket(w http.ResponseWriter, r *http.Request) {
	var req engine.MarketRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.eng.CreateMarket(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.eng.ListMarkets(r.Context(), r.URL.Query().Get("h3_cell"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

func (h *Handler) getMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.eng.GetMarket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// WindowSum is the response of the rolling and cumulative endpoints.
type WindowSum struct {
	MarketID string    `json:"market_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Sum      uint64    `json:"sum"`
}

func (h *Handler) rollingSum(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	at, ok := timeQuery(w, r, "at", h.eng.Now().UTC())
	if !ok {
		return
	}
	if _, err := h.eng.GetMarket(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	sum, err := h.eng.Oracle.RollingSum(r.Context(), id, at)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WindowSum{MarketID: id, From: at.Add(-oracle.RollingWindow), To: at, Sum: sum})
}

func (h *Handler) cumulativeSum(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	from, ok := timeQuery(w, r, "from", time.Time{})
	if !ok {
		return
	}
	to, ok := timeQuery(w, r, "to", time.Time{})
	if !ok {
		return
	}
	if _, err := h.eng.GetMarket(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	sum, err := h.eng.Oracle.CumulativeSum(r.Context(), id, from, to)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WindowSum{MarketID: id, From: from, To: to, Sum: sum})
}

// ReadingRequest is the body of POST /readings.
type ReadingRequest struct {
	MarketID  string    `json:"market_id"`
	Timestamp time.Time `json:"timestamp"`
	Value     uint64    `json:"value"`
}

func (h *Handler) submitReading(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	if !h.eng.Oracle.IsReporter(acct) {
		fail(w, r, fmt.Errorf("%w: %s", oracle.ErrUnauthorizedReporter, acct))
		return
	}
	if !h.readers.Allow(acct) {
		writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	var req ReadingRequest
	if !decode(w, r, &req) {
		return
	}
	outcome, err := h.eng.Oracle.SubmitReading(r.Context(), acct, req.MarketID, req.Timestamp, req.Value)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

// --- Quotes ---

func (h *Handler) requestQuote(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req quote.Request
	if !decode(w, r, &req) {
		return
	}
	q, err := h.eng.Quotes.RequestQuote(r.Context(), acct, req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (h *Handler) getQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.eng.Quotes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) priceQuote(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Probability decimal.Decimal `json:"probability"`
	}
	if !decode(w, r, &req) {
		return
	}
	q, err := h.eng.Quotes.SubmitQuote(r.Context(), acct, chi.URLParam(r, "id"), req.Probability)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) autoPrice(w http.ResponseWriter, r *http.Request) {
	q, err := h.eng.Quotes.AutoPrice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// --- Policies and settlement ---

func (h *Handler) issuePolicy(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		QuoteID string `json:"quote_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	p, err := h.eng.Policies.Issue(r.Context(), acct, req.QuoteID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h128Param(w, r)
	if !ok {
		return
	}
	p, err := h.eng.Policies.Get(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) observePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h128Param(w, r)
	if !ok {
		return
	}
	obs, err := h.eng.Policies.Observe(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}

func (h *Handler) settlePolicy(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := h128Param(w, r)
	if !ok {
		return
	}
	var req struct {
		EventOccurred bool `json:"event_occurred"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := h.eng.Settlement.Settle(r.Context(), acct, id, req.EventOccurred)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) resolvePolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := h128Param(w, r)
	if !ok {
		return
	}
	res, err := h.eng.Settlement.Resolve(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) getSettlement(w http.ResponseWriter, r *http.Request) {
	id, ok := h128Param(w, r)
	if !ok {
		return
	}
	res, err := h.eng.Settlement.Result(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Orderbook ---

// OrderRequest is the body of POST /orders.
type OrderRequest struct {
	PoolID   model.H128      `json:"pool_id"`
	Side     model.OrderSide `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := h.eng.Orders.Place(r.Context(), acct, req.PoolID, req.Side, req.Price, req.Quantity)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) fillOrder(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Quantity int64 `json:"quantity"`
	}
	if !decode(w, r, &req) {
		return
	}
	f, err := h.eng.Orders.Fill(r.Context(), acct, chi.URLParam(r, "id"), req.Quantity)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.eng.Orders.Cancel(r.Context(), acct, chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getBook(w http.ResponseWriter, r *http.Request) {
	id, ok := h128Param(w, r)
	if !ok {
		return
	}
	depth, err := h.eng.Orders.Depth(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

func (h *Handler) getPool(w http.ResponseWriter, r *http.Request) {
	id, ok := h128Param(w, r)
	if !ok {
		return
	}
	view, err := h.eng.Ledger.Pool(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Underwrite requests ---

func (h *Handler) createRequest(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req p2p.Terms
	if !decode(w, r, &req) {
		return
	}
	uw, err := h.eng.Underwriting.CreateRequest(r.Context(), acct, req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uw)
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h128Param(w, r)
	if !ok {
		return
	}
	uw, err := h.eng.Underwriting.Get(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uw)
}

func (h *Handler) acceptRequest(w http.ResponseWriter, r *http.Request) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := h128Param(w, r)
	if !ok {
		return
	}
	var req struct {
		Shares int64 `json:"shares"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := h.eng.Underwriting.AcceptRequest(r.Context(), acct, id, req.Shares)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) expireRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h128Param(w, r)
	if !ok {
		return
	}
	uw, err := h.eng.Underwriting.Expire(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uw)
}

// --- Accounts ---

// Balance is the response of the account endpoints.
type Balance struct {
	Account string          `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

func (h *Handler) deposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.eng.Ledger.Deposit)
}

func (h *Handler) withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.eng.Ledger.Withdraw)
}

func (h *Handler) moveFunds(w http.ResponseWriter, r *http.Request, move func(ctx context.Context, caller, account string, amount decimal.Decimal) (decimal.Decimal, error)) {
	acct, ok := caller(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	account := chi.URLParam(r, "id")
	bal, err := move(r.Context(), acct, account, req.Amount)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Balance{Account: account, Balance: bal})
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "id")
	bal, err := h.eng.Ledger.Balance(r.Context(), account)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Balance{Account: account, Balance: bal})
}
