// Package trade provides the HTTP handlers for rebasing, buying, selling
// and querying balances on a single market.
//
// All amounts are fixed.U128 decimal strings on the wire; requests may use
// a JSON number or string, parsed with shopspring/decimal.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/rebase-engine/internal/feed"
	"github.com/atmx/rebase-engine/internal/fixed"
	"github.com/atmx/rebase-engine/internal/ledger"
	"github.com/atmx/rebase-engine/internal/metrics"
	"github.com/atmx/rebase-engine/internal/model"
	"github.com/atmx/rebase-engine/internal/payout"
	"github.com/atmx/rebase-engine/internal/processor"
	"github.com/atmx/rebase-engine/internal/rebase"
	"github.com/atmx/rebase-engine/internal/store"
)

// AccountHeader carries the caller identity, authenticated upstream.
const AccountHeader = "X-Account-ID"

// Service handles market operations. Uses a mutex for serialized execution
// (single-instance): every mutation reads, computes and commits the market
// under the lock. Mutations read from the primary store, never the cache.
type Service struct {
	store    store.Store
	primary  store.Store
	proc     *processor.Processor
	relay    *payout.Relay
	marketID string
	mu       sync.Mutex
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new trade service for one market. Sell payouts are
// committed with the trade and handed to relay afterwards.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, proc *processor.Processor, relay *payout.Relay, marketID string, hub *WSHub) *Service {
	return &Service{
		store:    st,
		primary:  store.Primary(st),
		proc:     proc,
		relay:    relay,
		marketID: marketID,
		wsHub:    hub,
	}
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /buy and POST /sell.
type TradeRequest struct {
	Side   string          `json:"side"`   // "LONG" or "SHORT"
	Amount decimal.Decimal `json:"amount"` // positive integer
}

// TradeResponse is the JSON body returned from POST /buy and POST /sell.
type TradeResponse struct {
	TradeID string `json:"trade_id"`
	processor.Result
}

// RebaseResponse is the JSON body returned from POST /rebase.
type RebaseResponse struct {
	EntryID string `json:"entry_id"`
	rebase.Result
}

// BalanceResponse is the JSON body returned from GET /balance/{side}.
type BalanceResponse struct {
	Account string     `json:"account"`
	Side    model.Side `json:"side"`
	Raw     fixed.U128 `json:"raw"`
}

// --- Caller identity ---

type accountKey struct{}

// RequireAccount rejects requests without an account header and stores the
// caller in the request context.
func RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := r.Header.Get(AccountHeader)
		if account == "" {
			writeError(w, AccountHeader+" header is required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey{}, account)))
	})
}

func caller(r *http.Request) string {
	account, _ := r.Context().Value(accountKey{}).(string)
	return account
}

// --- HTTP Handlers ---

// GetMarket handles GET /api/v1/market
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), s.marketID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// GetDivisors handles GET /api/v1/divisors?last=&next=
// Previews the divisors a move from last to next would produce against the
// current totals. Nothing is committed.
func (s *Service) GetDivisors(w http.ResponseWriter, r *http.Request) {
	last, err := fixed.Parse(r.URL.Query().Get("last"))
	if err != nil {
		writeError(w, "last: "+err.Error(), http.StatusBadRequest)
		return
	}
	next, err := fixed.Parse(r.URL.Query().Get("next"))
	if err != nil {
		writeError(w, "next: "+err.Error(), http.StatusBadRequest)
		return
	}

	market, err := s.store.GetMarket(r.Context(), s.marketID)
	if err != nil {
		writeFault(w, err)
		return
	}

	res, err := rebase.Divisors(market, last, next)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Rebase handles POST /api/v1/rebase
func (s *Service) Rebase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	account := caller(r)
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	market, err := s.primary.GetMarket(ctx, s.marketID)
	if err != nil {
		writeFault(w, err)
		return
	}

	res, err := s.proc.Rebase(ctx, market)
	if err != nil {
		s.fault(w, model.KindRebase, account, err)
		return
	}

	entry := newEntry(market, account, model.KindRebase, "", fixed.Zero, fixed.Zero, fixed.Zero)
	if err := s.store.Commit(ctx, &model.Commit{Market: market, Entry: entry}); err != nil {
		slog.Error("commit rebase failed", "market", market.ID, "err", err)
		writeError(w, "failed to record rebase", http.StatusInternalServerError)
		return
	}

	metrics.RebasesTotal.Inc()
	metrics.TradeLatency.WithLabelValues(model.KindRebase).Observe(time.Since(start).Seconds())
	metrics.ObserveMarket(market)

	slog.Info("rebase applied",
		"entry_id", entry.ID,
		"account", account,
		"last_price", res.LastPrice.String(),
		"next_price", res.NextPrice.String(),
		"profit", res.Profit.String(),
		"long_divisor", res.LongDivisor.String(),
		"short_divisor", res.ShortDivisor.String(),
	)
	s.broadcast("rebase", entry)

	writeJSON(w, http.StatusOK, RebaseResponse{EntryID: entry.ID, Result: res})
}

// Buy handles POST /api/v1/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, model.KindBuy)
}

// Sell handles POST /api/v1/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, model.KindSell)
}

func (s *Service) trade(w http.ResponseWriter, r *http.Request, kind string) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := fixed.FromDecimal(req.Amount)
	if err != nil {
		writeError(w, "amount: "+err.Error(), http.StatusBadRequest)
		return
	}
	if amount.IsZero() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	account := caller(r)
	start := time.Now()

	// Serialize execution.
	s.mu.Lock()
	defer s.mu.Unlock()

	market, err := s.primary.GetMarket(ctx, s.marketID)
	if err != nil {
		writeFault(w, err)
		return
	}

	tx := ledger.Begin(ctx, s.primary, market.ID)
	var res processor.Result
	if kind == model.KindBuy {
		res, err = s.proc.Buy(ctx, market, tx, account, side, amount)
	} else {
		res, err = s.proc.Sell(ctx, market, tx, account, side, amount)
	}
	if err != nil {
		s.fault(w, kind, account, err)
		return
	}

	entry := newEntry(market, account, kind, side, amount, res.Fee, res.Balance)
	c := &model.Commit{Market: market, Balances: tx.Writes(), Entry: entry}
	if res.Payout != nil {
		c.Payouts = []model.Payout{*res.Payout}
	}
	if err := s.store.Commit(ctx, c); err != nil {
		slog.Error("commit trade failed",
			"kind", kind,
			"account", account,
			"side", side,
			"amount", amount.String(),
			"err", err,
		)
		writeError(w, "failed to record trade", http.StatusInternalServerError)
		return
	}

	// Undelivered payouts stay pending for the relay's next flush.
	if len(c.Payouts) > 0 && s.relay != nil {
		s.relay.Deliver(ctx, c.Payouts)
	}

	metrics.TradesTotal.WithLabelValues(kind, string(side)).Inc()
	metrics.RebasesTotal.Inc()
	metrics.TradeLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	metrics.ObserveMarket(market)

	slog.Info("trade executed",
		"trade_id", entry.ID,
		"kind", kind,
		"account", account,
		"side", side,
		"amount", amount.String(),
		"fee", res.Fee.String(),
		"previous", res.Previous.String(),
		"balance", res.Balance.String(),
		"price", market.LastPrice.String(),
		"long_divisor", market.LongDivisor.String(),
		"short_divisor", market.ShortDivisor.String(),
	)
	s.broadcast("trade_executed", entry)

	writeJSON(w, http.StatusOK, TradeResponse{TradeID: entry.ID, Result: res})
}

// GetBalance handles GET /api/v1/balance/{side}
// Returns the caller's raw balance; zero for an account never seen.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	side, err := model.ParseSide(chi.URLParam(r, "side"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	market, err := s.store.GetMarket(ctx, s.marketID)
	if err != nil {
		writeFault(w, err)
		return
	}

	account := caller(r)
	raw, err := s.proc.Balance(ctx, s.store, market, account, side)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Account: account, Side: side, Raw: raw})
}

// GetHistory handles GET /api/v1/history
// Returns the caller's ledger entries, oldest first.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetLedgerEntriesByAccount(r.Context(), s.marketID, caller(r))
	if err != nil {
		writeError(w, "failed to get history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetMarketHistory handles GET /api/v1/market/history
// Returns every ledger entry of the market, oldest first.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.GetLedgerEntriesByMarket(r.Context(), s.marketID)
	if err != nil {
		writeError(w, "failed to get history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func newEntry(m *model.Market, account, kind string, side model.Side, amount, fee, balance fixed.U128) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:           uuid.New().String(),
		MarketID:     m.ID,
		Account:      account,
		Kind:         kind,
		Side:         side,
		Amount:       amount,
		Fee:          fee,
		Balance:      balance,
		Price:        m.LastPrice,
		LongDivisor:  m.LongDivisor,
		ShortDivisor: m.ShortDivisor,
		Timestamp:    m.UpdatedAt,
	}
}

func (s *Service) broadcast(typ string, e *model.LedgerEntry) {
	if s.wsHub == nil {
		return
	}
	msg := WSMessage{
		Type:         typ,
		MarketID:     e.MarketID,
		Price:        e.Price.String(),
		LongDivisor:  e.LongDivisor.String(),
		ShortDivisor: e.ShortDivisor.String(),
		Kind:         e.Kind,
		Account:      e.Account,
		Side:         string(e.Side),
	}
	if e.Kind != model.KindRebase {
		msg.Amount = e.Amount.String()
	}
	s.wsHub.Broadcast(msg)
}

// fault records and reports an aborted operation. Nothing was committed.
func (s *Service) fault(w http.ResponseWriter, kind, account string, err error) {
	status, reason := classify(err)
	metrics.FaultsTotal.WithLabelValues(kind, reason).Inc()
	slog.Warn("operation aborted", "kind", kind, "account", account, "reason", reason, "err", err)
	writeError(w, err.Error(), status)
}

// classify maps an error to its HTTP status and a metrics label.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, fixed.ErrArithmetic):
		return http.StatusConflict, "arithmetic"
	case errors.Is(err, fixed.ErrDivisionByZero):
		return http.StatusInternalServerError, "division_by_zero"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, feed.ErrZeroPrice):
		return http.StatusBadGateway, "price_feed"
	}
	return http.StatusInternalServerError, "internal"
}

func writeFault(w http.ResponseWriter, err error) {
	status, _ := classify(err)
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
