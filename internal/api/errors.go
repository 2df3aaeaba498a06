package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/parametric-engine/internal/correlation"
	"github.com/atmx/parametric-engine/internal/engine"
	"github.com/atmx/parametric-engine/internal/ident"
	"github.com/atmx/parametric-engine/internal/ledger"
	"github.com/atmx/parametric-engine/internal/model"
	"github.com/atmx/parametric-engine/internal/oracle"
	"github.com/atmx/parametric-engine/internal/orderbook"
	"github.com/atmx/parametric-engine/internal/p2p"
	"github.com/atmx/parametric-engine/internal/policy"
	"github.com/atmx/parametric-engine/internal/quote"
	"github.com/atmx/parametric-engine/internal/settlement"
	"github.com/atmx/parametric-engine/internal/terms"
)

// statusTable maps domain errors to HTTP statuses. The first match wins.
var statusTable = []struct {
	err    error
	status int
	code   string
}{
	{ledger.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{oracle.ErrUnauthorizedReporter, http.StatusForbidden, "unauthorized"},
	{quote.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{quote.ErrNotRequester, http.StatusForbidden, "not_requester"},
	{settlement.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{orderbook.ErrNotOrderOwner, http.StatusForbidden, "not_order_owner"},

	{engine.ErrMarketNotFound, http.StatusNotFound, "market_not_found"},
	{oracle.ErrMarketNotFound, http.StatusNotFound, "market_not_found"},
	{quote.ErrMarketNotFound, http.StatusNotFound, "market_not_found"},
	{p2p.ErrMarketNotFound, http.StatusNotFound, "market_not_found"},
	{quote.ErrQuoteNotFound, http.StatusNotFound, "quote_not_found"},
	{policy.ErrPolicyNotFound, http.StatusNotFound, "policy_not_found"},
	{settlement.ErrSettlementAbsent, http.StatusNotFound, "settlement_not_found"},
	{orderbook.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	{p2p.ErrRequestNotFound, http.StatusNotFound, "request_not_found"},
	{ledger.ErrPoolNotFound, http.StatusNotFound, "pool_not_found"},

	{engine.ErrMarketExists, http.StatusConflict, "market_exists"},
	{quote.ErrQuoteExpired, http.StatusConflict, "quote_expired"},
	{quote.ErrQuoteConsumed, http.StatusConflict, "quote_consumed"},
	{quote.ErrQuoteNotPriced, http.StatusConflict, "quote_not_priced"},
	{quote.ErrQuotePriced, http.StatusConflict, "quote_priced"},
	{policy.ErrAlreadySettled, http.StatusConflict, "already_settled"},
	{policy.ErrCoverageNotEnded, http.StatusConflict, "coverage_not_ended"},
	{p2p.ErrRequestExpired, http.StatusConflict, "request_expired"},
	{p2p.ErrRequestClosed, http.StatusConflict, "request_closed"},
	{p2p.ErrNotExpired, http.StatusConflict, "not_expired"},
	{ledger.ErrPoolBurned, http.StatusConflict, "pool_burned"},
	{ledger.ErrAlreadyMinted, http.StatusConflict, "already_minted"},

	{ledger.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{ledger.ErrInsufficientShares, http.StatusUnprocessableEntity, "insufficient_shares"},
	{ledger.ErrMintCapExceeded, http.StatusUnprocessableEntity, "mint_cap_exceeded"},
	{p2p.ErrOverfill, http.StatusUnprocessableEntity, "overfill"},
	{orderbook.ErrOverfill, http.StatusUnprocessableEntity, "overfill"},
	{orderbook.ErrSelfTrade, http.StatusUnprocessableEntity, "self_trade"},
	{correlation.ErrPerCellLimitExceeded, http.StatusUnprocessableEntity, "cell_limit_exceeded"},
	{correlation.ErrCorrelatedLimitExceeded, http.StatusUnprocessableEntity, "correlated_limit_exceeded"},

	{quote.ErrPricingUnavailable, http.StatusBadGateway, "pricing_unavailable"},
	{ident.ErrNonceExhausted, http.StatusServiceUnavailable, "nonce_exhausted"},

	{terms.ErrInvalidKey, http.StatusBadRequest, "invalid_key"},
	{terms.ErrInvalidType, http.StatusBadRequest, "invalid_type"},
	{engine.ErrInvalidMarket, http.StatusBadRequest, "invalid_market"},
	{model.ErrUnknownVersion, http.StatusBadRequest, "unknown_version"},
	{model.ErrInvalidH128, http.StatusBadRequest, "invalid_id"},
	{oracle.ErrInvalidTimestamp, http.StatusBadRequest, "invalid_timestamp"},
	{oracle.ErrInvalidWindow, http.StatusBadRequest, "invalid_window"},
	{quote.ErrInvalidShares, http.StatusBadRequest, "invalid_shares"},
	{quote.ErrInvalidWindow, http.StatusBadRequest, "invalid_window"},
	{quote.ErrInvalidProbability, http.StatusBadRequest, "invalid_probability"},
	{quote.ErrUnsupportedVersion, http.StatusBadRequest, "unsupported_version"},
	{quote.ErrUnsupportedTerm, http.StatusBadRequest, "unsupported_term"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{orderbook.ErrInvalidOrder, http.StatusBadRequest, "invalid_order"},
	{p2p.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
}

// classify returns the HTTP status and machine code for err, 500 and
// "internal" when it is not a known domain error.
func classify(err error) (int, string) {
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// fail writes err with its mapped status and code. Unmapped errors are
// logged and reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
