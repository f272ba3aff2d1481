package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/perpdex/perpdex/pkg/broadcast"
	"github.com/perpdex/perpdex/pkg/engine"
	"github.com/perpdex/perpdex/pkg/engine/nonce"
	"github.com/perpdex/perpdex/pkg/position"
	"github.com/perpdex/perpdex/pkg/risk"
	"github.com/perpdex/perpdex/pkg/trades"
)

// Server exposes the REST and WebSocket surface over the matching
// engine and its stores.
type Server struct {
	engine    *engine.Engine
	registry  *engine.InstrumentRegistry
	nonces    *nonce.Ledger
	positions *position.Store
	risk      *risk.Engine
	trades    *trades.Log
	bus       *broadcast.Bus

	router *mux.Router
	hub    *Hub
	log    *zap.Logger
}

func NewServer(
	eng *engine.Engine,
	registry *engine.InstrumentRegistry,
	nonces *nonce.Ledger,
	positions *position.Store,
	riskEng *risk.Engine,
	tradeLog *trades.Log,
	bus *broadcast.Bus,
	log *zap.Logger,
) *Server {
	s := &Server{
		engine:    eng,
		registry:  registry,
		nonces:    nonces,
		positions: positions,
		risk:      riskEng,
		trades:    tradeLog,
		bus:       bus,
		router:    mux.NewRouter(),
		hub:       NewHub(log),
		log:       log.With(zap.String("component", "api")),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.metricsMiddleware)

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{token}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{token}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{token}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/markets/{token}/risk", s.handleGetMarketRisk).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{address}/risk", s.handleGetAccountRisk).Methods("GET")
	api.HandleFunc("/accounts/{address}/nonce", s.handleGetNonce).Methods("GET")

	// Order intake
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)
	go s.bridgeEvents(ctx)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	srv := &http.Server{Addr: addr, Handler: c.Handler(s.router)}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	s.log.Info("api server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// bridgeEvents forwards bus events to subscribed WebSocket clients on
// "<type>:<token>" channels.
func (s *Server) bridgeEvents(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			s.hub.BroadcastToChannel(string(ev.Type)+":"+ev.Token, ev)
		}
	}
}

func (s *Server) marketInfo(inst *engine.Instrument) MarketInfo {
	return MarketInfo{
		Token:                inst.Token.Hex(),
		Symbol:               inst.Symbol,
		TickSize:             inst.TickSize,
		LotSize:              inst.LotSize,
		MinNotional:          inst.MinNotional,
		MaxLeverage:          inst.MaxLeverage,
		MaintenanceMarginBps: inst.MaintenanceMarginBps,
		MarkPrice:            s.risk.MarkPrice(inst.Token),
		FundingRateBps:       s.risk.FundingRateBps(inst.Token),
	}
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	insts := s.registry.List()
	response := make([]MarketInfo, len(insts))
	for i, inst := range insts {
		response[i] = s.marketInfo(inst)
	}
	respondJSON(w, response)
}

func parseToken(r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["token"]
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	token, ok := parseToken(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid token address", "")
		return
	}
	inst, err := s.registry.Get(token)
	if err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}
	respondJSON(w, s.marketInfo(inst))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	token, ok := parseToken(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid token address", "")
		return
	}
	snap, err := s.engine.Snapshot(token)
	if err != nil {
		respondError(w, http.StatusNotFound, "orderbook not found", err.Error())
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	token, ok := parseToken(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid token address", "")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	respondJSON(w, s.trades.Recent(token, limit))
}

func (s *Server) handleGetMarketRisk(w http.ResponseWriter, r *http.Request) {
	token, ok := parseToken(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid token address", "")
		return
	}
	respondJSON(w, map[string]interface{}{
		"reports":    s.risk.Reports(token),
		"adlRanking": s.risk.ADLRanking(token),
	})
}

func parseAddress(r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	respondJSON(w, s.positions.ByTrader(addr))
}

func (s *Server) handleGetAccountRisk(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	respondJSON(w, s.risk.ReportsByTrader(addr))
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	respondJSON(w, NonceInfo{Trader: addr.Hex(), Expected: s.nonces.Expected(addr)})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	order, err := s.buildOrder(&req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	accepted, matches, err := s.engine.SubmitOrder(r.Context(), order)
	if err != nil {
		respondError(w, errStatus(err), "order rejected", err.Error())
		return
	}

	matchIDs := make([]string, len(matches))
	for i, m := range matches {
		matchIDs[i] = m.ID
	}
	s.log.Info("order accepted",
		zap.String("orderId", accepted.ID),
		zap.String("trader", accepted.Trader.Hex()),
		zap.Int("matches", len(matches)))

	respondJSON(w, SubmitOrderResponse{
		OrderID:      accepted.ID,
		Status:       accepted.Status.String(),
		FilledSize:   accepted.FilledSize,
		AvgFillPrice: accepted.AvgFillPrice,
		MatchIDs:     matchIDs,
	})
}

func (s *Server) buildOrder(req *SubmitOrderRequest) (*engine.Order, error) {
	if !common.IsHexAddress(req.Trader) {
		return nil, errors.New("invalid trader address")
	}
	if !common.IsHexAddress(req.Token) {
		return nil, errors.New("invalid token address")
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return nil, errors.New("signature must be 0x-prefixed hex")
	}

	side := engine.Short
	if req.IsLong {
		side = engine.Long
	}
	typ := engine.Limit
	if req.OrderType == "market" {
		typ = engine.Market
	}

	return &engine.Order{
		Trader:     common.HexToAddress(req.Trader),
		Token:      common.HexToAddress(req.Token),
		Side:       side,
		Size:       req.Size,
		Leverage:   req.Leverage,
		LimitPrice: req.Price,
		Deadline:   req.Deadline,
		Nonce:      req.Nonce,
		Type:       typ,
		Signature:  sig,
	}, nil
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "missing orderId", "")
		return
	}
	if !common.IsHexAddress(req.Trader) || !common.IsHexAddress(req.Token) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "signature must be 0x-prefixed hex", "")
		return
	}

	cancel := &engine.CancelRequest{
		OrderID:   req.OrderID,
		Token:     common.HexToAddress(req.Token),
		Trader:    common.HexToAddress(req.Trader),
		Nonce:     req.Nonce,
		Signature: sig,
	}
	if err := s.engine.CancelOrder(r.Context(), cancel); err != nil {
		respondError(w, errStatus(err), "cancel rejected", err.Error())
		return
	}

	s.log.Info("order cancelled", zap.String("orderId", req.OrderID))
	respondJSON(w, map[string]string{"status": "cancelled", "orderId": req.OrderID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{
		"status":      "ok",
		"markets":     s.registry.Count(),
		"subscribers": s.bus.SubscriberCount(),
	})
}

// errStatus maps engine sentinel errors to HTTP codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, engine.ErrUnknownInstrument):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrUnauthorized), errors.Is(err, engine.ErrInvalidSignature):
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: error, Message: message})
}
