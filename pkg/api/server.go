// Package api serves the pool over HTTP: signed order submission, cancel
// and reveal, public order status, pool stats, a WebSocket event feed and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/params"
	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/app/core/settlement"
	"github.com/uhyunpark/darkpool/pkg/app/pool"
	"github.com/uhyunpark/darkpool/pkg/crypto"
	"github.com/uhyunpark/darkpool/pkg/metrics"
)

// Server handles REST API and WebSocket connections
type Server struct {
	app    *pool.App
	router *mux.Router
	hub    *Hub
	typed  *crypto.EIP712Signer
	nonces *nonceGuard
	cfg    params.API
	log    *zap.SugaredLogger
}

func NewServer(app *pool.App, cfg params.API, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		app:    app,
		router: mux.NewRouter(),
		hub:    NewHub(log.Named("ws")),
		typed:  crypto.NewEIP712Signer(crypto.DefaultDomain()),
		nonces: newNonceGuard(),
		cfg:    cfg,
		log:    log,
	}
	app.AddSink(s.hub)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(metrics.Middleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")

	// Matches are only visible to their two parties
	api.HandleFunc("/matches/{id}/reveal", s.handleReveal).Methods("POST")
	api.HandleFunc("/orders/{id}/reveal", s.handleRevealOrder).Methods("POST")

	// Pool
	api.HandleFunc("/pool/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/enclave", s.handleEnclave).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on cfg.Addr until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, err := parseOwner(req.Owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	nonce, err := parseNonce(req.Nonce)
	if err != nil {
		s.fail(w, err)
		return
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		s.fail(w, err)
		return
	}
	payload, err := hexutil.Decode(req.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload", err.Error())
		return
	}

	ok, err := s.typed.VerifySealedOrder(&crypto.SealedOrderEIP712{
		Side:        uint8(req.Side),
		PayloadHash: crypto.PayloadHash(payload),
		Nonce:       nonce,
		Owner:       owner,
	}, sig)
	if err != nil || !ok {
		s.fail(w, errBadSignature)
		return
	}
	if !s.nonces.use(owner, "order", nonce) {
		s.fail(w, errNonceReused)
		return
	}

	o, err := s.app.Submit(req.Side, payload, owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSONStatus(w, http.StatusAccepted, SubmitOrderResponse{Status: "submitted", OrderID: o.ID, SubmittedAt: o.SubmittedAt})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.app.Get(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, o.Public())
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req SignedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, nonce, sig, err := parseSigned(req)
	if err != nil {
		s.fail(w, err)
		return
	}
	ok, err := s.typed.VerifyCancel(&crypto.CancelEIP712{OrderID: id, Nonce: nonce, Owner: owner}, sig)
	if err != nil || !ok {
		s.fail(w, errBadSignature)
		return
	}
	if !s.nonces.use(owner, "cancel", nonce) {
		s.fail(w, errNonceReused)
		return
	}

	if _, err := s.app.Cancel(id, owner); err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, CancelOrderResponse{Status: "cancelled", OrderID: id})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	orders := s.app.OrdersOf(common.HexToAddress(addressStr))
	out := make([]order.PublicOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.Public())
	}
	respondJSON(w, out)
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	s.reveal(w, r, s.app.Reveal)
}

// handleRevealOrder lets a submitter find the match behind one of their
// orders. The signed matchId carries the order id.
func (s *Server) handleRevealOrder(w http.ResponseWriter, r *http.Request) {
	s.reveal(w, r, s.app.RevealOrder)
}

func (s *Server) reveal(w http.ResponseWriter, r *http.Request, lookup func(string, common.Address) (settlement.RevealView, error)) {
	id := mux.Vars(r)["id"]
	var req SignedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	owner, nonce, sig, err := parseSigned(req)
	if err != nil {
		s.fail(w, err)
		return
	}
	ok, err := s.typed.VerifyReveal(&crypto.RevealEIP712{MatchID: id, Nonce: nonce, Owner: owner}, sig)
	if err != nil || !ok {
		s.fail(w, errBadSignature)
		return
	}
	if !s.nonces.use(owner, "reveal", nonce) {
		s.fail(w, errNonceReused)
		return
	}

	v, err := lookup(id, owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, v)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.Stats())
}

func (s *Server) handleEnclave(w http.ResponseWriter, r *http.Request) {
	info, err := s.app.EnclaveInfo()
	if err != nil {
		s.fail(w, err)
		return
	}
	respondJSON(w, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"status": "ok", "wsClients": s.hub.Clients()})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, order.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, order.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrAlreadyMatched),
		errors.Is(err, order.ErrIllegalTransition),
		errors.Is(err, order.ErrConcurrencyConflict),
		errors.Is(err, order.ErrDuplicateID),
		errors.Is(err, errNonceReused):
		return http.StatusConflict
	case errors.Is(err, order.ErrLedgerRejected):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Errorw("api_internal_error", "err", err)
		respondError(w, code, "internal error", "")
		return
	}
	respondError(w, code, http.StatusText(code), err.Error())
}

func respondJSON(w http.ResponseWriter, data any) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
