package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/rebase-engine/internal/feed"
	"github.com/atmx/rebase-engine/internal/fixed"
	"github.com/atmx/rebase-engine/internal/model"
	"github.com/atmx/rebase-engine/internal/payout"
	"github.com/atmx/rebase-engine/internal/processor"
	"github.com/atmx/rebase-engine/internal/rebase"
	"github.com/atmx/rebase-engine/internal/store"
	"github.com/atmx/rebase-engine/internal/trade"
)

const marketID = "default"

// newTestEnv creates a test Service with in-memory store, a price feed that
// steps by 100 and chi router.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc, r := newRouter(t, ms, feed.NewStep(100), payout.LogSender{})
	return svc, ms, r
}

// newRouter wires a Service over st the way the server does.
func newRouter(t *testing.T, st store.Store, prices feed.Source, sender payout.Sender) (*trade.Service, chi.Router) {
	t.Helper()
	proc := processor.New(prices)
	svc := trade.NewService(st, proc, payout.NewRelay(st, sender), marketID, nil)

	r := chi.NewRouter()
	r.Get("/api/v1/market", svc.GetMarket)
	r.Get("/api/v1/market/history", svc.GetMarketHistory)
	r.Get("/api/v1/divisors", svc.GetDivisors)
	r.Group(func(r chi.Router) {
		r.Use(trade.RequireAccount)
		r.Post("/api/v1/rebase", svc.Rebase)
		r.Post("/api/v1/buy", svc.Buy)
		r.Post("/api/v1/sell", svc.Sell)
		r.Get("/api/v1/balance/{side}", svc.GetBalance)
		r.Get("/api/v1/history", svc.GetHistory)
	})

	return svc, r
}

// recordingSender keeps every payout it accepted. While failing is set it
// rejects them.
type recordingSender struct {
	mu      sync.Mutex
	failing bool
	sent    []model.Payout
}

func (s *recordingSender) Transfer(_ context.Context, p model.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("rail unavailable")
	}
	s.sent = append(s.sent, p)
	return nil
}

func (s *recordingSender) fail(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = on
}

func (s *recordingSender) payouts() []model.Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Payout(nil), s.sent...)
}

// failingCommitStore rejects commits after failAfter successful ones.
type failingCommitStore struct {
	*store.MemoryStore
	failAfter int
	commits   int
}

func (s *failingCommitStore) Commit(ctx context.Context, c *model.Commit) error {
	if s.commits >= s.failAfter {
		return errors.New("connection reset")
	}
	s.commits++
	return s.MemoryStore.Commit(ctx, c)
}

// seedMarket creates the test market directly in the store.
func seedMarket(t *testing.T, ms *store.MemoryStore, maxProfitBps uint64) *model.Market {
	t.Helper()
	market, err := model.NewMarket(model.MarketParams{
		ID:             marketID,
		MultiplierBps:  fixed.From(10000),
		MaxProfitBps:   fixed.From(maxProfitBps),
		FundingDivisor: fixed.From(500),
		LastPrice:      fixed.From(100),
	}, time.Now())
	if err != nil {
		t.Fatalf("failed to build market: %v", err)
	}
	if err := ms.CreateMarket(context.Background(), market); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return market
}

func do(t *testing.T, router chi.Router, method, path, account string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set(trade.AccountHeader, account)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doTrade(t *testing.T, router chi.Router, op, account, side, amount string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, "POST", "/api/v1/"+op, account, map[string]string{"side": side, "amount": amount})
}

func getMarket(t *testing.T, ms *store.MemoryStore) *model.Market {
	t.Helper()
	m, err := ms.GetMarket(context.Background(), marketID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	return m
}

func balanceOf(t *testing.T, router chi.Router, account, side string) string {
	t.Helper()
	w := do(t, router, "GET", "/api/v1/balance/"+side, account, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.BalanceResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp.Raw.String()
}

// --- Rebase ---

func TestRebase_SentinelOnlyMarket(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, 100)

	w := do(t, router, "POST", "/api/v1/rebase", "keeper", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.RebaseResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.EntryID == "" {
		t.Error("expected non-empty entry_id")
	}
	if resp.Profit.String() != "0" {
		t.Errorf("profit should be capped at 0, got %s", resp.Profit)
	}

	m := getMarket(t, ms)
	if m.LastPrice.String() != "200" {
		t.Errorf("expected last price 200, got %s", m.LastPrice)
	}
	if m.LongDivisor.String() != "1" || m.ShortDivisor.String() != "1" {
		t.Errorf("divisors should stay 1, got %s/%s", m.LongDivisor, m.ShortDivisor)
	}
}

func TestRebase_EmptiedLoserIsDivisionFault(t *testing.T) {
	_, ms, router := newTestEnv(t)
	before := seedMarket(t, ms, 10000)

	w := do(t, router, "POST", "/api/v1/rebase", "keeper", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}

	if m := getMarket(t, ms); *m != *before {
		t.Errorf("market changed after a fault: %+v", m)
	}
	entries, _ := ms.GetLedgerEntriesByMarket(context.Background(), marketID)
	if len(entries) != 0 {
		t.Errorf("expected no ledger entries, got %d", len(entries))
	}
}

// --- Buy / Sell ---

func TestBuy_IntoEmptyBalance(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, 100)

	w := doTrade(t, router, "buy", "alice", "LONG", "1000")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.TradeID == "" {
		t.Error("expected non-empty trade_id")
	}
	if resp.Fee.String() != "2" {
		t.Errorf("expected fee 2, got %s", resp.Fee)
	}
	if resp.Balance.String() != "1000" {
		t.Errorf("expected balance 1000, got %s", resp.Balance)
	}

	m := getMarket(t, ms)
	if m.FeeReserve.String() != "2" {
		t.Errorf("expected fee reserve 2, got %s", m.FeeReserve)
	}
	if m.LongTotalRaw.String() != "1001" {
		t.Errorf("expected long raw total 1001, got %s", m.LongTotalRaw)
	}
	if m.LastPrice.String() != "200" {
		t.Errorf("expected last price 200, got %s", m.LastPrice)
	}
	if got := balanceOf(t, router, "alice", "long"); got != "1000" {
		t.Errorf("expected stored balance 1000, got %s", got)
	}
}

func TestSell_PartialBalance(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, 100)

	if w := doTrade(t, router, "buy", "bob", "SHORT", "5000"); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}
	w := doTrade(t, router, "sell", "bob", "SHORT", "1200")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if got := balanceOf(t, router, "bob", "SHORT"); got != "3800" {
		t.Errorf("expected balance 3800, got %s", got)
	}
	m := getMarket(t, ms)
	if m.ShortTotalRaw.String() != "3801" {
		t.Errorf("expected short raw total 3801, got %s", m.ShortTotalRaw)
	}
	if m.FeeReserve.String() != "12" {
		t.Errorf("expected fee reserve 12, got %s", m.FeeReserve)
	}
}

func TestSell_MoreThanBalanceIsRejected(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, 100)

	if w := doTrade(t, router, "buy", "bob", "LONG", "100"); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}
	before := getMarket(t, ms)

	w := doTrade(t, router, "sell", "bob", "LONG", "101")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	if m := getMarket(t, ms); *m != *before {
		t.Errorf("market changed after a fault:\n got %+v\nwant %+v", m, before)
	}
	if got := balanceOf(t, router, "bob", "LONG"); got != "100" {
		t.Errorf("balance should be unchanged, got %s", got)
	}
	entries, _ := ms.GetLedgerEntriesByMarket(context.Background(), marketID)
	if len(entries) != 1 {
		t.Errorf("expected only the buy entry, got %d", len(entries))
	}
}

func TestBuy_AmountAbove128BitsIsRejected(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, 100)

	w := doTrade(t, router, "buy", "alice", "LONG", "340282366920938463463374607431768211456")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBuy_MaxAmountOverflowsFee(t *testing.T) {
	_, ms, router := newTestEnv(t)
	before := seedMarket(t, ms, 100)

	w := doTrade(t, router, "buy", "alice", "LONG", fixed.Max().String())
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if m := getMarket(t, ms); *m != *before {
		t.Errorf("market changed after a fault: %+v", m)
	}
}

func TestTrade_Validation(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, 100)

	tests := []struct {
		name   string
		side   string
		amount string
	}{
		{"bad side", "UP", "10"},
		{"empty side", "", "10"},
		{"zero amount", "LONG", "0"},
		{"negative amount", "LONG", "-5"},
		{"fractional amount", "SHORT", "1.5"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := doTrade(t, router, "buy", "alice", tc.side, tc.amount)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestTrade_MissingAccountIsUnauthorized(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, 100)

	w := doTrade(t, router, "buy", "", "LONG", "10")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestTrade_InvalidBody(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, 100)

	req := httptest.NewRequest("POST", "/api/v1/buy", bytes.NewBufferString("{not json"))
	req.Header.Set(trade.AccountHeader, "alice")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Queries ---

func TestGetBalance_UnknownAccountIsZero(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, 100)

	for _, side := range []string{"LONG", "SHORT"} {
		if got := balanceOf(t, router, "nobody", side); got != "0" {
			t.Errorf("%s: expected 0, got %s", side, got)
		}
	}

	w := do(t, router, "GET", "/api/v1/balance/SIDEWAYS", "nobody", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad side, got %d", w.Code)
	}
}

func TestGetMarket(t *testing.T) {
	_, ms, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/market", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before seeding, got %d", w.Code)
	}

	seedMarket(t, ms, 100)
	w = do(t, router, "GET", "/api/v1/market", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	if m.FeeBps.String() != "20" {
		t.Errorf("expected fee bps 20, got %s", m.FeeBps)
	}
	if m.LongTotalRaw.String() != "1" {
		t.Errorf("expected sentinel raw total 1, got %s", m.LongTotalRaw)
	}
}

func TestGetDivisors_PreviewDoesNotCommit(t *testing.T) {
	_, ms, router := newTestEnv(t)
	before := seedMarket(t, ms, 100)

	w := do(t, router, "GET", "/api/v1/divisors?last=100&next=150", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res rebase.Result
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Delta.String() != "50" {
		t.Errorf("expected delta 50, got %s", res.Delta)
	}
	if m := getMarket(t, ms); *m != *before {
		t.Errorf("preview changed the market: %+v", m)
	}

	w = do(t, router, "GET", "/api/v1/divisors?last=abc&next=150", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/divisors?last=0&next=150", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for zero last price, got %d", w.Code)
	}
}

func TestGetHistory(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, 100)

	doTrade(t, router, "buy", "alice", "LONG", "500")
	doTrade(t, router, "buy", "bob", "SHORT", "700")
	doTrade(t, router, "sell", "alice", "LONG", "200")

	w := do(t, router, "GET", "/api/v1/history", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var entries []model.LedgerEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != model.KindBuy || entries[1].Kind != model.KindSell {
		t.Errorf("unexpected kinds: %s, %s", entries[0].Kind, entries[1].Kind)
	}
	if entries[1].Balance.String() != "300" {
		t.Errorf("expected balance 300 after sell, got %s", entries[1].Balance)
	}

	w = do(t, router, "GET", "/api/v1/history", "carol", nil)
	if w.Body.String() != "[]\n" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}
}

func TestTotalsTrackBalances(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, 100)

	steps := []struct{ op, account, side, amount string }{
		{"buy", "alice", "LONG", "1000"},
		{"buy", "bob", "SHORT", "2500"},
		{"buy", "alice", "LONG", "30"},
		{"sell", "bob", "SHORT", "400"},
		{"buy", "carol", "SHORT", "75"},
		{"sell", "alice", "LONG", "10"},
	}
	for _, s := range steps {
		if w := doTrade(t, router, s.op, s.account, s.side, s.amount); w.Code != http.StatusOK {
			t.Fatalf("%s %s %s: %d %s", s.op, s.account, s.amount, w.Code, w.Body.String())
		}
	}

	m := getMarket(t, ms)
	for _, side := range []model.Side{model.SideLong, model.SideShort} {
		sum, err := ms.SumBalances(marketID, side)
		if err != nil {
			t.Fatal(err)
		}
		want, _ := sum.Add(fixed.From(1))
		if !m.TotalRaw(side).Eq(want) {
			t.Errorf("%s: raw total %s, want sum of balances + 1 = %s", side, m.TotalRaw(side), want)
		}
	}
}

func TestRebase_ZeroOraclePriceIsBadGateway(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newRouter(t, ms, feed.NewStep(0), payout.LogSender{})

	// A market row holding a zero price with a flat feed.
	m := seedMarket(t, ms, 100)
	m.LastPrice = fixed.Zero
	if err := ms.Commit(context.Background(), &model.Commit{Market: m}); err != nil {
		t.Fatal(err)
	}

	w := do(t, router, "POST", "/api/v1/rebase", "keeper", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSell_DeliversPayoutAfterCommit(t *testing.T) {
	ms := store.NewMemoryStore()
	sender := &recordingSender{}
	_, router := newRouter(t, ms, feed.NewStep(100), sender)
	seedMarket(t, ms, 100)

	doTrade(t, router, "buy", "bob", "SHORT", "5000")
	if len(sender.payouts()) != 0 {
		t.Fatal("a buy must not pay out")
	}

	w := doTrade(t, router, "sell", "bob", "SHORT", "1200")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Payout == nil {
		t.Fatal("expected a payout in the response")
	}

	sent := sender.payouts()
	if len(sent) != 1 {
		t.Fatalf("expected 1 payout sent, got %d", len(sent))
	}
	if sent[0].ID != resp.Payout.ID || sent[0].Account != "bob" || sent[0].Amount.String() != "1200" {
		t.Errorf("unexpected payout %+v", sent[0])
	}
	pending, _ := ms.PendingPayouts(context.Background(), marketID)
	if len(pending) != 0 {
		t.Errorf("expected no pending payouts, got %d", len(pending))
	}
}

func TestSell_FailedCommitPublishesNothing(t *testing.T) {
	ms := store.NewMemoryStore()
	st := &failingCommitStore{MemoryStore: ms, failAfter: 1}
	sender := &recordingSender{}
	_, router := newRouter(t, st, feed.NewStep(100), sender)
	seedMarket(t, ms, 100)

	if w := doTrade(t, router, "buy", "bob", "LONG", "500"); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}
	before := getMarket(t, ms)

	w := doTrade(t, router, "sell", "bob", "LONG", "200")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}

	if n := len(sender.payouts()); n != 0 {
		t.Errorf("expected nothing published, got %d payouts", n)
	}
	pending, _ := ms.PendingPayouts(context.Background(), marketID)
	if len(pending) != 0 {
		t.Errorf("expected no pending payouts, got %d", len(pending))
	}
	if m := getMarket(t, ms); *m != *before {
		t.Errorf("market changed after a failed commit:\n got %+v\nwant %+v", m, before)
	}
	if got := balanceOf(t, router, "bob", "LONG"); got != "500" {
		t.Errorf("balance should be unchanged, got %s", got)
	}
}

func TestSell_UndeliveredPayoutStaysPending(t *testing.T) {
	ms := store.NewMemoryStore()
	sender := &recordingSender{}
	_, router := newRouter(t, ms, feed.NewStep(100), sender)
	seedMarket(t, ms, 100)

	doTrade(t, router, "buy", "bob", "LONG", "500")
	sender.fail(true)
	if w := doTrade(t, router, "sell", "bob", "LONG", "200"); w.Code != http.StatusOK {
		t.Fatalf("a rail outage must not fail the sell: %d %s", w.Code, w.Body.String())
	}

	ctx := context.Background()
	pending, _ := ms.PendingPayouts(ctx, marketID)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending payout, got %d", len(pending))
	}

	sender.fail(false)
	n, err := payout.NewRelay(ms, sender).Flush(ctx, marketID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(sender.payouts()) != 1 || sender.payouts()[0].ID != pending[0].ID {
		t.Errorf("expected the pending payout to be flushed, sent %d: %+v", n, sender.payouts())
	}
	pending, _ = ms.PendingPayouts(ctx, marketID)
	if len(pending) != 0 {
		t.Errorf("expected no pending payouts after flush, got %d", len(pending))
	}
}

func TestGetMarketHistory(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedMarket(t, ms, 100)

	w := do(t, router, "GET", "/api/v1/market/history", "", nil)
	if w.Body.String() != "[]\n" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}

	doTrade(t, router, "buy", "alice", "LONG", "500")
	do(t, router, "POST", "/api/v1/rebase", "keeper", nil)
	doTrade(t, router, "sell", "alice", "LONG", "200")

	w = do(t, router, "GET", "/api/v1/market/history", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var entries []model.LedgerEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	want := []string{model.KindBuy, model.KindRebase, model.KindSell}
	if len(kinds) != len(want) || kinds[0] != want[0] || kinds[1] != want[1] || kinds[2] != want[2] {
		t.Errorf("expected kinds %v, got %v", want, kinds)
	}
}

func TestTrade_StaleCacheDoesNotFeedMutations(t *testing.T) {
	ms := store.NewMemoryStore()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cached := store.NewCachedStore(ms, rdb, time.Minute)
	_, router := newRouter(t, cached, feed.NewStep(100), payout.LogSender{})

	seeded := seedMarket(t, ms, 100)
	if w := doTrade(t, router, "buy", "alice", "LONG", "1000"); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}

	// Put rows from before the buy back into the cache.
	stale, _ := json.Marshal(seeded)
	mr.Set("market:"+marketID, string(stale))
	mr.Set("balance:"+marketID+":LONG:alice", "0")

	if w := doTrade(t, router, "buy", "alice", "LONG", "500"); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}

	raw, err := ms.GetBalance(context.Background(), marketID, "alice", model.SideLong)
	if err != nil {
		t.Fatal(err)
	}
	if raw.String() != "1500" {
		t.Errorf("expected balance 1500, got %s", raw)
	}
	m := getMarket(t, ms)
	if m.LongTotalRaw.String() != "1501" {
		t.Errorf("expected long raw total 1501, got %s", m.LongTotalRaw)
	}
	if got := balanceOf(t, router, "alice", "LONG"); got != "1500" {
		t.Errorf("cache should hold the committed balance, got %s", got)
	}
}
