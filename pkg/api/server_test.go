package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/perpdex/perpdex/params"
	"github.com/perpdex/perpdex/pkg/broadcast"
	"github.com/perpdex/perpdex/pkg/crypto"
	"github.com/perpdex/perpdex/pkg/engine"
	"github.com/perpdex/perpdex/pkg/engine/nonce"
	"github.com/perpdex/perpdex/pkg/position"
	"github.com/perpdex/perpdex/pkg/risk"
	"github.com/perpdex/perpdex/pkg/settlement"
	"github.com/perpdex/perpdex/pkg/trades"
	"github.com/perpdex/perpdex/pkg/util"
)

var testToken = common.HexToAddress("0x0000000000000000000000000000000000000b7c")

type apiEnv struct {
	server *Server
	engine *engine.Engine
	maker  *crypto.Signer
	taker  *crypto.Signer
	e712   *crypto.EIP712Signer
}

type nullDepth struct{}

func (nullDepth) Depth(common.Address) (int64, int64) { return 0, 0 }

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	log := zap.NewNop()
	clock := util.NewFakeClock(time.Unix(1_700_000_000, 0))

	registry := engine.NewInstrumentRegistry()
	inst := engine.DefaultInstrument(testToken, "BTC-PERP")
	inst.MinNotional = 0
	if err := registry.Register(inst); err != nil {
		t.Fatalf("register instrument: %v", err)
	}

	nonces, err := nonce.Open("")
	if err != nil {
		t.Fatalf("open nonce ledger: %v", err)
	}
	positions, err := position.OpenStore("")
	if err != nil {
		t.Fatalf("open position store: %v", err)
	}
	insurance, err := position.OpenInsuranceFund("")
	if err != nil {
		t.Fatalf("open insurance fund: %v", err)
	}
	tradeLog, err := trades.OpenLog("")
	if err != nil {
		t.Fatalf("open trade log: %v", err)
	}
	t.Cleanup(func() {
		nonces.Close()
		positions.Close()
		insurance.Close()
		tradeLog.Close()
	})

	bus := broadcast.NewBus(64, log.Sugar())
	queue, err := settlement.OpenQueue("", 0, 0, log)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}

	verifier := crypto.NewOrderVerifier(crypto.DefaultDomain())
	eng := engine.New(engine.Config{SweepInterval: time.Second}, registry, nonces,
		verifier, queue, bus, clock, log.Sugar())
	t.Cleanup(eng.Close)

	riskCfg := params.Risk{FundingInterval: time.Hour, MaxFundingRateBps: 100, MaintenanceMarginBps: 500}
	riskEng := risk.New(riskCfg, positions, insurance, settlement.NewFakeChain(), nullDepth{}, bus, clock, log)

	maker, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate maker key: %v", err)
	}
	taker, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate taker key: %v", err)
	}

	return &apiEnv{
		server: NewServer(eng, registry, nonces, positions, riskEng, tradeLog, bus, log),
		engine: eng,
		maker:  maker,
		taker:  taker,
		e712:   crypto.NewEIP712Signer(crypto.DefaultDomain()),
	}
}

func (env *apiEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// signedOrder builds and signs a submit request for the given key.
func (env *apiEnv) signedOrder(t *testing.T, s *crypto.Signer, isLong bool, size, price int64, n uint64, orderType string) SubmitOrderRequest {
	t.Helper()
	o := &engine.Order{
		Trader:     s.Address(),
		Token:      testToken,
		Side:       engine.Short,
		Size:       size,
		Leverage:   10,
		LimitPrice: price,
		Nonce:      n,
		Type:       engine.Limit,
	}
	if isLong {
		o.Side = engine.Long
	}
	if orderType == "market" {
		o.Type = engine.Market
	}
	if err := crypto.SignEngineOrder(s, env.e712, o); err != nil {
		t.Fatalf("sign order: %v", err)
	}
	return SubmitOrderRequest{
		Trader:    s.Address().Hex(),
		Token:     testToken.Hex(),
		IsLong:    isLong,
		Size:      size,
		Leverage:  10,
		Price:     price,
		Nonce:     n,
		OrderType: orderType,
		Signature: hexutil.Encode(o.Signature),
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decode[map[string]interface{}](t, rec)
	if body["status"] != "ok" {
		t.Fatalf("health = %v", body)
	}
}

func TestGetMarkets(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, "GET", "/api/v1/markets", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	markets := decode[[]MarketInfo](t, rec)
	if len(markets) != 1 || markets[0].Symbol != "BTC-PERP" {
		t.Fatalf("markets = %+v", markets)
	}

	if rec := env.do(t, "GET", "/api/v1/markets/"+testToken.Hex(), nil); rec.Code != http.StatusOK {
		t.Fatalf("known market status = %d, want 200", rec.Code)
	}
	unknown := common.HexToAddress("0xdead")
	if rec := env.do(t, "GET", "/api/v1/markets/"+unknown.Hex(), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown market status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, "GET", "/api/v1/markets/not-an-address", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad token status = %d, want 400", rec.Code)
	}
}

func TestSubmitOrderEndToEnd(t *testing.T) {
	env := newAPIEnv(t)

	// resting maker bid
	rec := env.do(t, "POST", "/api/v1/orders", env.signedOrder(t, env.maker, true, 10, 50_000, 0, "limit"))
	if rec.Code != http.StatusOK {
		t.Fatalf("maker status = %d: %s", rec.Code, rec.Body.String())
	}
	makerResp := decode[SubmitOrderResponse](t, rec)
	if makerResp.Status != "PENDING" {
		t.Fatalf("maker status = %s, want PENDING", makerResp.Status)
	}

	book := decode[engine.BookSnapshot](t, env.do(t, "GET", "/api/v1/markets/"+testToken.Hex()+"/orderbook", nil))
	if len(book.Bids) != 1 || book.Bids[0].Price != 50_000 || book.Bids[0].Size != 10 {
		t.Fatalf("book = %+v, want one 10-lot bid at 50000", book)
	}

	// crossing market sell
	rec = env.do(t, "POST", "/api/v1/orders", env.signedOrder(t, env.taker, false, 10, 0, 0, "market"))
	if rec.Code != http.StatusOK {
		t.Fatalf("taker status = %d: %s", rec.Code, rec.Body.String())
	}
	takerResp := decode[SubmitOrderResponse](t, rec)
	if takerResp.Status != "FILLED" || takerResp.FilledSize != 10 || takerResp.AvgFillPrice != 50_000 {
		t.Fatalf("taker = %+v, want FILLED 10 @ 50000", takerResp)
	}
	if len(takerResp.MatchIDs) != 1 {
		t.Fatalf("matches = %d, want 1", len(takerResp.MatchIDs))
	}

	book = decode[engine.BookSnapshot](t, env.do(t, "GET", "/api/v1/markets/"+testToken.Hex()+"/orderbook", nil))
	if len(book.Bids) != 0 {
		t.Fatalf("book = %+v after full fill, want empty", book)
	}
}

func TestSubmitOrderRejectsBadSignature(t *testing.T) {
	env := newAPIEnv(t)

	// taker's signature on an order claiming to come from maker
	req := env.signedOrder(t, env.taker, true, 10, 50_000, 0, "limit")
	req.Trader = env.maker.Address().Hex()
	if rec := env.do(t, "POST", "/api/v1/orders", req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req = env.signedOrder(t, env.maker, true, 10, 50_000, 0, "limit")
	req.Signature = "nothex"
	if rec := env.do(t, "POST", "/api/v1/orders", req); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d for malformed signature, want 400", rec.Code)
	}
}

func TestSubmitOrderRejectsMalformedBody(t *testing.T) {
	env := newAPIEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitOrderUnknownMarket(t *testing.T) {
	env := newAPIEnv(t)
	req := env.signedOrder(t, env.maker, true, 10, 50_000, 0, "limit")
	req.Token = common.HexToAddress("0xdead").Hex()
	if rec := env.do(t, "POST", "/api/v1/orders", req); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelOrder(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, "POST", "/api/v1/orders", env.signedOrder(t, env.maker, true, 10, 50_000, 0, "limit"))
	orderID := decode[SubmitOrderResponse](t, rec).OrderID

	c := &engine.CancelRequest{
		OrderID: orderID,
		Token:   testToken,
		Trader:  env.maker.Address(),
		Nonce:   1,
	}
	if err := crypto.SignEngineCancel(env.maker, env.e712, c); err != nil {
		t.Fatalf("sign cancel: %v", err)
	}
	cancelReq := CancelOrderRequest{
		OrderID:   orderID,
		Token:     testToken.Hex(),
		Trader:    env.maker.Address().Hex(),
		Nonce:     1,
		Signature: hexutil.Encode(c.Signature),
	}
	if rec := env.do(t, "POST", "/api/v1/orders/cancel", cancelReq); rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", rec.Code, rec.Body.String())
	}

	book := decode[engine.BookSnapshot](t, env.do(t, "GET", "/api/v1/markets/"+testToken.Hex()+"/orderbook", nil))
	if len(book.Bids) != 0 {
		t.Fatal("order still resting after cancel")
	}

	// cancelling again 404s
	if rec := env.do(t, "POST", "/api/v1/orders/cancel", cancelReq); rec.Code != http.StatusNotFound {
		t.Fatalf("double cancel status = %d, want 404", rec.Code)
	}
}

func TestCancelByNonOwnerUnauthorized(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, "POST", "/api/v1/orders", env.signedOrder(t, env.maker, true, 10, 50_000, 0, "limit"))
	orderID := decode[SubmitOrderResponse](t, rec).OrderID

	c := &engine.CancelRequest{
		OrderID: orderID,
		Token:   testToken,
		Trader:  env.taker.Address(),
		Nonce:   0,
	}
	if err := crypto.SignEngineCancel(env.taker, env.e712, c); err != nil {
		t.Fatalf("sign cancel: %v", err)
	}
	cancelReq := CancelOrderRequest{
		OrderID:   orderID,
		Token:     testToken.Hex(),
		Trader:    env.taker.Address().Hex(),
		Nonce:     0,
		Signature: hexutil.Encode(c.Signature),
	}
	if rec := env.do(t, "POST", "/api/v1/orders/cancel", cancelReq); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestNonceEndpointTracksReservations(t *testing.T) {
	env := newAPIEnv(t)
	addr := env.maker.Address()

	info := decode[NonceInfo](t, env.do(t, "GET", "/api/v1/accounts/"+addr.Hex()+"/nonce", nil))
	if info.Expected != 0 {
		t.Fatalf("expected nonce = %d, want 0", info.Expected)
	}

	env.do(t, "POST", "/api/v1/orders", env.signedOrder(t, env.maker, true, 10, 50_000, 0, "limit"))

	info = decode[NonceInfo](t, env.do(t, "GET", "/api/v1/accounts/"+addr.Hex()+"/nonce", nil))
	if info.Expected != 1 {
		t.Fatalf("expected nonce = %d after order, want 1", info.Expected)
	}
}

func TestAccountPositionsEmpty(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "GET", "/api/v1/accounts/"+env.maker.Address().Hex()+"/positions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec := env.do(t, "GET", "/api/v1/accounts/nope/positions", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad address status = %d, want 400", rec.Code)
	}
}
