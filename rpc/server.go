// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package rpc provides the HTTP/JSON façade (spec §6), a collaborator, not
// the core: it exposes the quote/accept/status operations of quote.Service
// and engine.Manager over plain REST handlers, generalising the teacher's
// gorilla/mux + gorilla/rpc/v2 JSON-RPC dispatch onto the simpler
// request/response shapes spec §6 names directly.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log"

	"github.com/madschristensen99/svm-xmr-atomic-swap/chain/solana"
	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
	"github.com/madschristensen99/svm-xmr-atomic-swap/crypto/monero"
	"github.com/madschristensen99/svm-xmr-atomic-swap/db"
	"github.com/madschristensen99/svm-xmr-atomic-swap/engine"
	"github.com/madschristensen99/svm-xmr-atomic-swap/quote"
)

var log = logging.Logger("rpc")

// Server is the HTTP façade's listener and router.
type Server struct {
	ctx        context.Context
	listener   net.Listener
	httpServer *http.Server
}

// Config configures a Server.
type Config struct {
	Ctx      context.Context
	Address  string // "IP:port"
	Quotes   *quote.Service
	Engine   *engine.Manager
	Metrics  db.MetricsStore
}

// NewServer builds a Server with every route of spec §6 registered.
func NewServer(cfg *Config) (*Server, error) {
	serverCtx, serverCancel := context.WithCancel(cfg.Ctx)

	r := mux.NewRouter()
	h := &handler{quotes: cfg.Quotes, engine: cfg.Engine, metrics: cfg.Metrics}

	r.HandleFunc("/v1/quote", h.postQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/swap/accept", h.postAccept).Methods(http.MethodPost)
	r.HandleFunc("/v1/swap/{id}", h.getSwap).Methods(http.MethodGet)
	r.HandleFunc("/health", h.getHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.getMetrics).Methods(http.MethodGet)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(serverCtx, "tcp", cfg.Address)
	if err != nil {
		serverCancel()
		return nil, err
	}

	headersOk := handlers.AllowedHeaders([]string{"content-type"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "HEAD", "POST", "OPTIONS"})
	originsOk := handlers.AllowedOrigins([]string{"*"})

	httpServer := &http.Server{
		Addr:              ln.Addr().String(),
		ReadHeaderTimeout: time.Second,
		Handler:           handlers.CORS(headersOk, methodsOk, originsOk)(r),
		BaseContext: func(net.Listener) context.Context {
			return serverCtx
		},
	}

	return &Server{ctx: serverCtx, listener: ln, httpServer: httpServer}, nil
}

// HttpURL returns the URL used for HTTP requests. //nolint:revive
func (s *Server) HttpURL() string {
	return fmt.Sprintf("http://%s", s.httpServer.Addr)
}

// Start serves until the context is cancelled or Stop is called.
func (s *Server) Start() error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}

	log.Infof("starting HTTP server on %s", s.HttpURL())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-s.ctx.Done():
		if err := s.httpServer.Shutdown(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("http server shutdown errored: %s", err)
		}
		return s.ctx.Err()
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server failed: %s", err)
		} else {
			log.Info("http server shut down")
		}
		return err
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	return s.httpServer.Shutdown(s.ctx)
}

type handler struct {
	quotes  *quote.Service
	engine  *engine.Manager
	metrics db.MetricsStore
}

type quoteRequest struct {
	Direction      string `json:"direction"`
	TokenAmount    uint64 `json:"tokenAmount,omitempty"`
	PrivateAmount  uint64 `json:"privateAmount,omitempty"`
}

type quoteResponse struct {
	QuoteID    string    `json:"quoteId"`
	SecretHash string    `json:"secretHash"`
	Rate       string    `json:"rate"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (h *handler) postQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var dir common.Direction
	var amount uint64
	switch req.Direction {
	case "TokenToPrivate":
		dir = common.TokenToPrivate
		amount = req.TokenAmount
	case "PrivateToToken":
		dir = common.PrivateToToken
		amount = req.PrivateAmount
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown direction %q", req.Direction))
		return
	}

	q, err := h.quotes.Quote(r.Context(), dir, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, quoteResponse{
		QuoteID:    q.QuoteID,
		SecretHash: q.SecretHash.String(),
		Rate:       q.Rate.String(),
		ExpiresAt:  q.ExpiresAt,
	})
}

type acceptRequest struct {
	QuoteID             string `json:"quoteId"`
	CounterpartyPubkey  string `json:"counterpartyPubkey"` // base58 Solana pubkey
	CounterpartyMoneroSpend string `json:"counterpartyMoneroSpend"`
	CounterpartyMoneroView  string `json:"counterpartyMoneroView"`
	Destination         string `json:"destination"`
}

type acceptResponse struct {
	SwapID string `json:"swapId"`
}

func (h *handler) postAccept(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	q, err := h.quotes.Accept(req.QuoteID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	pub, err := solana.Base58Pubkey(req.CounterpartyPubkey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spendBytes, err := solana.Base58Pubkey(req.CounterpartyMoneroSpend)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	viewBytes, err := solana.Base58Pubkey(req.CounterpartyMoneroView)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spendPub, err := monero.ParsePublicKey(spendBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	viewPub, err := monero.ParsePublicKey(viewBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sw, err := h.engine.Propose(q, pub, &monero.PublicKeyPair{Spend: spendPub, View: viewPub}, req.Destination)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, acceptResponse{SwapID: sw.SwapID.String()})
}

func (h *handler) getSwap(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	var id common.Hash
	if err := json.Unmarshal([]byte(`"`+idStr+`"`), &id); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid swap id"))
		return
	}

	sw, err := h.engine.GetSwap(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sw.Project())
}

func (h *handler) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.metrics.Snapshot()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("failed to encode response: %s", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeDomainError maps the core's error kinds (spec §7) to façade status
// codes: input errors are 4xx, everything else is a 5xx since it reflects
// an internal or chain condition the caller can't fix by retrying with
// different input.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrAmountOutOfBounds),
		errors.Is(err, common.ErrQuoteUnknown),
		errors.Is(err, common.ErrQuoteExpired),
		errors.Is(err, common.ErrDestinationInvalid),
		errors.Is(err, common.ErrAlreadyAccepted):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, common.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
