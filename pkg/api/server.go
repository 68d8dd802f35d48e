package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pex/pkg/app/core/engine"
	"github.com/uhyunpark/p2pex/pkg/app/core/events"
	"github.com/uhyunpark/p2pex/pkg/app/core/order"
	"github.com/uhyunpark/p2pex/pkg/crypto"
	"github.com/uhyunpark/p2pex/pkg/escrow"
	"github.com/uhyunpark/p2pex/pkg/storage"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
	maxBodyBytes      = 64 << 10

	// SignatureHeader carries the owner's personal_sign signature: over the raw body for
	// submissions, over crypto.CancelMessage(id) for cancels, over
	// crypto.TradeStatusMessage for settlement steps and crypto.EscrowMessage for holds.
	SignatureHeader = "X-Signature"
)

// EscrowLedger is the custodian the escrow endpoints act on.
type EscrowLedger interface {
	Get(id string) (*escrow.Hold, error)
	Release(id string) (*escrow.Hold, error)
	Refund(id string) (*escrow.Hold, error)
}

type Config struct {
	Engine      *engine.Engine
	Archive     storage.Archive // nil: archive endpoints answer 503
	Escrow      EscrowLedger    // nil: escrow endpoints answer 503
	CORSOrigins []string
	EventBuffer int
	// RequireSignatures makes owners Ethereum addresses that must sign submits, cancels,
	// settlement steps and escrow releases or refunds.
	RequireSignatures bool
	// Operators may refund any hold in signed mode.
	Operators []string
	Logger    *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine  *engine.Engine
	archive storage.Archive
	ledger  EscrowLedger
	signed  bool
	ops     map[string]bool
	router  *mux.Router
	handler http.Handler
	hub     *Hub // WebSocket hub
	log     *zap.SugaredLogger

	http   *http.Server
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServer creates a new API server and starts streaming engine events to WebSocket
// clients.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:  cfg.Engine,
		archive: cfg.Archive,
		ledger:  cfg.Escrow,
		signed:  cfg.RequireSignatures,
		ops:     make(map[string]bool, len(cfg.Operators)),
		router:  mux.NewRouter(),
		hub:     NewHub(cfg.Logger),
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, op := range cfg.Operators {
		s.ops[crypto.ChecksumAddress(op)] = true
	}
	s.setupRoutes()

	// CORS configuration
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", SignatureHeader},
		AllowCredentials: true,
	})
	s.handler = c.Handler(s.router)

	sub := cfg.Engine.Bus().Subscribe(cfg.EventBuffer)
	go s.hub.Run(ctx)
	go s.pumpEvents(sub)
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetMarketTrades).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{owner}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/accounts/{owner}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/accounts/{owner}/trades/archive", s.handleGetArchivedTrades).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleDeleteOrder).Methods("DELETE")

	// Trade settlement and escrow
	api.HandleFunc("/trades/{id}/status", s.handleTradeStatus).Methods("POST")
	api.HandleFunc("/escrow/{id}", s.handleGetEscrow).Methods("GET")
	api.HandleFunc("/escrow/{id}/release", s.handleReleaseEscrow).Methods("POST")
	api.HandleFunc("/escrow/{id}/refund", s.handleRefundEscrow).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Infow("api_starting", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP listener and disconnects WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	<-s.done
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// pumpEvents feeds bus events to the hub until the server stops or the bus closes.
func (s *Server) pumpEvents(sub *events.Subscription) {
	defer close(s.done)
	defer sub.Cancel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			s.hub.Dispatch(e)
		}
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.engine.Markets()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = marketInfo(m)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	for _, m := range s.engine.Markets() {
		if m.Symbol == symbol {
			respondJSON(w, http.StatusOK, marketInfo(m))
			return
		}
	}
	respondError(w, http.StatusNotFound, "market not found", symbol)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.GetOrderBook(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetMarketTrades(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, http.StatusServiceUnavailable, "archive disabled", "")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	trades, err := s.archive.LoadRecentTrades(mux.Vars(r)["symbol"], limit)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(trades))
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.engine.Query(r.Context(), mux.Vars(r)["owner"], r.URL.Query().Get("symbol"))
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.engine.GetUserTrades(mux.Vars(r)["owner"], limit))
}

func (s *Server) handleGetArchivedTrades(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		respondError(w, http.StatusServiceUnavailable, "archive disabled", "")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	trades, err := s.archive.LoadUserTrades(mux.Vars(r)["owner"], limit)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(trades))
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	var req engine.SubmitRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, ok := s.authorize(w, r, req.Owner, body)
	if !ok {
		return
	}
	req.Owner = owner

	o, err := s.engine.Submit(r.Context(), req)
	if err != nil && o.ID == "" {
		s.respondEngineError(w, err)
		return
	}
	if err != nil {
		// accepted, but the symbol halted while matching it
		s.log.Errorw("order_matching_failed", "order_id", o.ID, "symbol", o.Symbol, "err", err)
	}
	respondJSON(w, http.StatusCreated, SubmitOrderResponse{Status: o.Status, OrderID: o.ID, Order: o})
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
	s.cancelOrder(w, r, req.OrderID, req.Owner)
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	s.cancelOrder(w, r, mux.Vars(r)["id"], r.URL.Query().Get("owner"))
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request, orderID, owner string) {
	if owner == "" {
		respondError(w, http.StatusBadRequest, "missing owner", "")
		return
	}
	owner, authorized := s.authorize(w, r, owner, crypto.CancelMessage(orderID))
	if !authorized {
		return
	}
	ok, err := s.engine.Cancel(r.Context(), orderID, owner)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, CancelOrderResponse{Cancelled: ok, OrderID: orderID})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.GetOrder(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, engine.ErrNotFound) && s.archive != nil {
		// orders from before a restart live only in the archive
		if archived, aerr := s.archive.LoadOrder(mux.Vars(r)["id"]); aerr == nil && archived != nil {
			respondJSON(w, http.StatusOK, archived)
			return
		}
	}
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleTradeStatus(w http.ResponseWriter, r *http.Request) {
	var req TradeStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	id := mux.Vars(r)["id"]
	if s.signed {
		signer, ok := s.authorize(w, r, req.Owner, crypto.TradeStatusMessage(id, string(req.Status)))
		if !ok {
			return
		}
		t, err := s.engine.GetTrade(id)
		if err != nil {
			s.respondEngineError(w, err)
			return
		}
		if !isParty(signer, tradeSigners(t, req.Status)...) {
			respondError(w, http.StatusForbidden, "forbidden", signer+" may not move trade "+id+" to "+string(req.Status))
			return
		}
	}

	t, err := s.engine.UpdateTradeStatus(id, req.Status)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	if t.Status == order.Completed && t.EscrowID != "" && s.ledger != nil {
		if _, err := s.ledger.Release(t.EscrowID); err != nil {
			s.log.Errorw("escrow_release_failed", "trade_id", t.ID, "escrow_id", t.EscrowID, "err", err)
		}
	}
	respondJSON(w, http.StatusOK, t)
}

// tradeSigners lists who may move t to next: the buyer reports payment, the seller
// confirms it and completes, either side may dispute.
func tradeSigners(t order.Trade, next order.TradeStatus) []string {
	switch next {
	case order.PaymentSent:
		return []string{t.BuyerID}
	case order.Disputed:
		return []string{t.BuyerID, t.SellerID}
	default:
		return []string{t.SellerID}
	}
}

func isParty(signer string, parties ...string) bool {
	for _, p := range parties {
		if strings.EqualFold(signer, p) {
			return true
		}
	}
	return false
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		respondError(w, http.StatusServiceUnavailable, "escrow disabled", "")
		return
	}
	h, err := s.ledger.Get(mux.Vars(r)["id"])
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h)
}

// handleReleaseEscrow pays the held asset to the buyer. Only the seller may sign it.
func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	s.closeEscrow(w, r, "release",
		func(h *escrow.Hold) []string { return []string{h.SellerID} },
		func(l EscrowLedger, id string) (*escrow.Hold, error) { return l.Release(id) })
}

// handleRefundEscrow returns the held asset to the seller. The buyer gives up the
// trade by signing it; operators settle disputes.
func (s *Server) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	s.closeEscrow(w, r, "refund",
		func(h *escrow.Hold) []string { return []string{h.BuyerID} },
		func(l EscrowLedger, id string) (*escrow.Hold, error) { return l.Refund(id) })
}

func (s *Server) closeEscrow(w http.ResponseWriter, r *http.Request, action string,
	signers func(*escrow.Hold) []string, close func(EscrowLedger, string) (*escrow.Hold, error)) {
	if s.ledger == nil {
		respondError(w, http.StatusServiceUnavailable, "escrow disabled", "")
		return
	}
	id := mux.Vars(r)["id"]
	if s.signed {
		req, err := decodeEscrowAction(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}
		signer, ok := s.authorize(w, r, req.Owner, crypto.EscrowMessage(action, id))
		if !ok {
			return
		}
		h, err := s.ledger.Get(id)
		if err != nil {
			s.respondEngineError(w, err)
			return
		}
		allowed := isParty(signer, signers(h)...) || (action == "refund" && s.ops[signer])
		if !allowed {
			respondError(w, http.StatusForbidden, "forbidden", signer+" may not "+action+" hold "+id)
			return
		}
	}

	h, err := close(s.ledger, id)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h)
}

// decodeEscrowAction reads the signer from the body, or from ?owner= when there is none.
func decodeEscrowAction(r *http.Request) (EscrowActionRequest, error) {
	req := EscrowActionRequest{Owner: r.URL.Query().Get("owner")}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return req, err
	}
	err = json.Unmarshal(body, &req)
	return req, err
}

// authorize checks the request signature when signatures are required, answering 401
// when it does not belong to owner. Signed owners come back in checksum form so the
// same address always names the same owner.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, owner string, message []byte) (string, bool) {
	if !s.signed {
		return owner, true
	}
	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		respondError(w, http.StatusUnauthorized, "missing signature", SignatureHeader+" header required")
		return "", false
	}
	if err := crypto.VerifyOwner(owner, message, sig); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid signature", err.Error())
		return "", false
	}
	return crypto.ChecksumAddress(owner), true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps engine and escrow errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, escrow.ErrHoldNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrConflict), errors.Is(err, escrow.ErrHoldClosed):
		return http.StatusConflict
	case errors.Is(err, engine.ErrShuttingDown), errors.Is(err, engine.ErrMarketHalted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("request_failed", "err", err)
		respondError(w, status, http.StatusText(status), "")
		return
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultTradeLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxTradeLimit), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
