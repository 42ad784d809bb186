package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pactledger/native/escrow"
	"pactledger/observability"
)

// Server exposes every ledger operation over HTTP. Caller identity arrives
// from the external authentication layer as a hex address in the request body;
// the gateway performs no signature verification of its own.
type Server struct {
	engine  *escrow.Engine
	basic   *escrow.BasicEngine
	logger  *slog.Logger
	limiter *RateLimiter
	router  chi.Router
}

// NewServer wires the engines into a chi router with rate limiting and
// operation metrics.
func NewServer(engine *escrow.Engine, basic *escrow.BasicEngine, logger *slog.Logger, limit RateLimit) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  engine,
		basic:   basic,
		logger:  logger,
		limiter: NewRateLimiter(limit),
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware)
		v1.Post("/agreements", s.handle("create_agreement", s.createAgreement))
		v1.Get("/agreements/{id}", s.handle("get_agreement", s.getAgreement))
		v1.Post("/agreements/{id}/deposit", s.handle("deposit_funds", s.depositFunds))
		v1.Post("/agreements/{id}/release", s.handle("release_funds", s.releaseFunds))
		v1.Post("/agreements/{id}/dispute", s.handle("initiate_dispute", s.initiateDispute))
		v1.Post("/agreements/{id}/resolve", s.handle("resolve_dispute", s.resolveDispute))
		v1.Post("/agreements/{id}/cancel", s.handle("cancel_agreement", s.cancelAgreement))
		v1.Post("/agreements/{id}/stake", s.handle("deposit_stake", s.depositStake))
		v1.Post("/fees/service", s.handle("set_service_fee", s.setServiceFee))
		v1.Post("/basic/agreements", s.handle("basic_create", s.basicCreate))
		v1.Get("/basic/agreements/{id}", s.handle("basic_get", s.basicGet))
		v1.Post("/basic/agreements/{id}/confirm", s.handle("basic_confirm", s.basicConfirm))
		v1.Post("/basic/agreements/{id}/refund", s.handle("basic_refund", s.basicRefund))
		v1.Post("/basic/agreements/{id}/dispute", s.handle("basic_dispute", s.basicDispute))
		v1.Post("/basic/agreements/{id}/resolve", s.handle("basic_resolve", s.basicResolve))
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) int

// handle wraps an operation handler with latency and outcome metrics.
func (s *Server) handle(operation string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := fn(w, r)
		observability.LedgerMetrics().Observe(operation, status, time.Since(start))
		if status >= 500 {
			s.logger.Error("ledger operation failed", slog.String("operation", operation), slog.Int("status", status))
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
	return status
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the rejection taxonomy onto HTTP statuses while preserving
// the rejection message verbatim in the body.
func writeError(w http.ResponseWriter, err error) int {
	var reverted *escrow.RevertError
	status := http.StatusInternalServerError
	if errors.As(err, &reverted) {
		switch reverted.Kind {
		case escrow.KindNotAuthorized:
			status = http.StatusForbidden
		case escrow.KindNotFound:
			status = http.StatusNotFound
		case escrow.KindInvalidState:
			status = http.StatusConflict
		default:
			status = http.StatusBadRequest
		}
	}
	return writeJSON(w, status, errorResponse{Error: err.Error()})
}

func parseID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid agreement id %q", raw)
	}
	return id, nil
}

func parseAddress(field, raw string) (escrow.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return escrow.Address{}, fmt.Errorf("%s must be a hex address", field)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAddresses(field string, raw []string) ([]escrow.Address, error) {
	out := make([]escrow.Address, 0, len(raw))
	for _, entry := range raw {
		addr, err := parseAddress(field, entry)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be a decimal amount", field)
	}
	return amount, nil
}

func decodeBody(r *http.Request, into any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(into)
}

type agreementView struct {
	ID         uint64   `json:"id"`
	Buyers     []string `json:"buyers"`
	Sellers    []string `json:"sellers"`
	Total      string   `json:"totalAmount"`
	Deposited  string   `json:"depositedAmount"`
	Expiration int64    `json:"expirationDate"`
	State      uint8    `json:"state"`
}

func viewAgreement(a *escrow.Agreement) agreementView {
	view := agreementView{
		ID:         a.ID,
		Total:      a.TotalAmount.String(),
		Deposited:  a.Deposited.String(),
		Expiration: a.Expiration,
		State:      uint8(a.State),
	}
	for _, buyer := range a.Buyers {
		view.Buyers = append(view.Buyers, common.Address(buyer).Hex())
	}
	for _, seller := range a.Sellers {
		view.Sellers = append(view.Sellers, common.Address(seller).Hex())
	}
	return view
}

type basicView struct {
	ID     uint64 `json:"id"`
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
	Amount string `json:"amount"`
	State  uint8  `json:"state"`
}

func viewBasic(a *escrow.BasicAgreement) basicView {
	return basicView{
		ID:     a.ID,
		Buyer:  common.Address(a.Buyer).Hex(),
		Seller: common.Address(a.Seller).Hex(),
		Amount: a.Amount.String(),
		State:  uint8(a.State),
	}
}

func (s *Server) createAgreement(w http.ResponseWriter, r *http.Request) int {
	var req struct {
		Buyers     []string `json:"buyers"`
		Sellers    []string `json:"sellers"`
		Amount     string   `json:"amount"`
		Expiration int64    `json:"expirationDate"`
	}
	if err := decodeBody(r, &req); err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	buyers, err := parseAddresses("buyers", req.Buyers)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	sellers, err := parseAddresses("sellers", req.Sellers)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	agreement, err := s.engine.CreateAgreement(buyers, sellers, amount, req.Expiration)
	if err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusCreated, viewAgreement(agreement))
}

func (s *Server) getAgreement(w http.ResponseWriter, r *http.Request) int {
	id, err := parseID(r)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	agreement, err := s.engine.GetAgreementDetails(id)
	if err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, viewAgreement(agreement))
}

// callerRequest is the shape shared by operations that only need the caller
// identity, optionally with an amount or winner.
type callerRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount,omitempty"`
	Winner string `json:"winner,omitempty"`
}

func (s *Server) decodeCaller(w http.ResponseWriter, r *http.Request) (uint64, callerRequest, escrow.Address, int, bool) {
	id, err := parseID(r)
	if err != nil {
		return 0, callerRequest{}, escrow.Address{}, writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()}), false
	}
	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		return 0, callerRequest{}, escrow.Address{}, writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()}), false
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		return 0, callerRequest{}, escrow.Address{}, writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()}), false
	}
	return id, req, caller, 0, true
}

func (s *Server) depositFunds(w http.ResponseWriter, r *http.Request) int {
	id, req, caller, status, ok := s.decodeCaller(w, r)
	if !ok {
		return status
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if err := s.engine.DepositFunds(id, caller, amount); err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "deposited"})
}

func (s *Server) releaseFunds(w http.ResponseWriter, r *http.Request) int {
	id, req, caller, status, ok := s.decodeCaller(w, r)
	if !ok {
		return status
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if err := s.engine.ReleaseFunds(id, caller, amount); err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) initiateDispute(w http.ResponseWriter, r *http.Request) int {
	id, _, caller, status, ok := s.decodeCaller(w, r)
	if !ok {
		return status
	}
	if err := s.engine.InitiateDispute(id, caller); err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "disputed"})
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) int {
	id, req, caller, status, ok := s.decodeCaller(w, r)
	if !ok {
		return status
	}
	winner, err := parseAddress("winner", req.Winner)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if err := s.engine.ResolveDispute(id, caller, winner); err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) cancelAgreement(w http.ResponseWriter, r *http.Request) int {
	id, _, caller, status, ok := s.decodeCaller(w, r)
	if !ok {
		return status
	}
	if err := s.engine.CancelAgreement(id, caller); err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) depositStake(w http.ResponseWriter, r *http.Request) int {
	id, req, caller, status, ok := s.decodeCaller(w, r)
	if !ok {
		return status
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if err := s.engine.DepositStake(id, caller, amount); err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "staked"})
}

func (s *Server) setServiceFee(w http.ResponseWriter, r *http.Request) int {
	var req struct {
		Caller string `json:"caller"`
		Bps    uint32 `json:"bps"`
	}
	if err := decodeBody(r, &req); err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if err := s.engine.SetServiceFeePercentage(caller, req.Bps); err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]uint32{"serviceFeeBps": req.Bps})
}

func (s *Server) basicCreate(w http.ResponseWriter, r *http.Request) int {
	var req struct {
		Buyer  string `json:"buyer"`
		Seller string `json:"seller"`
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	buyer, err := parseAddress("buyer", req.Buyer)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	seller, err := parseAddress("seller", req.Seller)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	agreement, err := s.basic.CreateAgreement(buyer, seller, amount)
	if err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusCreated, viewBasic(agreement))
}

func (s *Server) basicGet(w http.ResponseWriter, r *http.Request) int {
	id, err := parseID(r)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	agreement, err := s.basic.GetAgreement(id)
	if err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, viewBasic(agreement))
}

func (s *Server) basicConfirm(w http.ResponseWriter, r *http.Request) int {
	id, _, caller, status, ok := s.decodeCaller(w, r)
	if !ok {
		return status
	}
	if err := s.basic.ConfirmDelivery(id, caller); err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "complete"})
}

func (s *Server) basicRefund(w http.ResponseWriter, r *http.Request) int {
	id, _, caller, status, ok := s.decodeCaller(w, r)
	if !ok {
		return status
	}
	if err := s.basic.RefundBuyer(id, caller); err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}

func (s *Server) basicDispute(w http.ResponseWriter, r *http.Request) int {
	id, _, caller, status, ok := s.decodeCaller(w, r)
	if !ok {
		return status
	}
	if err := s.basic.RaiseDispute(id, caller); err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "disputed"})
}

func (s *Server) basicResolve(w http.ResponseWriter, r *http.Request) int {
	id, req, caller, status, ok := s.decodeCaller(w, r)
	if !ok {
		return status
	}
	winner, err := parseAddress("winner", req.Winner)
	if err != nil {
		return writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if err := s.basic.ResolveDispute(id, caller, winner); err != nil {
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
