package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fee"
	"escrowflow/payment"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

// EscrowService is the engine surface the HTTP layer invokes.
type EscrowService interface {
	Create(ctx context.Context, actor auth.Actor, p escrow.CreateParams) (escrow.Transaction, error)
	Get(ctx context.Context, actor auth.Actor, id string) (escrow.Transaction, error)
	Join(ctx context.Context, actor auth.Actor, code string) (escrow.Transaction, error)
	RefreshInvite(ctx context.Context, actor auth.Actor, id string) (escrow.Transaction, error)
	MarkDelivered(ctx context.Context, actor auth.Actor, id string) (escrow.Transaction, error)
	ConfirmReceipt(ctx context.Context, actor auth.Actor, id string) (escrow.Transaction, error)
	Cancel(ctx context.Context, actor auth.Actor, id string) (escrow.Transaction, error)
	SubmitPaymentSlip(ctx context.Context, actor auth.Actor, id string, in payment.SlipInput) (payment.Slip, error)
	ListSlips(ctx context.Context, actor auth.Actor, id string) ([]payment.Slip, error)
	ReviewSlip(ctx context.Context, actor auth.Actor, slipID string, approve bool, note string) (payment.Slip, error)
	OpenDispute(ctx context.Context, actor auth.Actor, id string, p dispute.OpenParams) (dispute.Record, error)
	ListDisputes(ctx context.Context, actor auth.Actor, id string) ([]dispute.Record, error)
	ResolveDispute(ctx context.Context, actor auth.Actor, disputeID string, outcome dispute.Outcome) (escrow.Transaction, error)
}

type Server struct {
	escrow   EscrowService
	verifier *auth.Verifier
	logger   *slog.Logger
}

func NewServer(svc EscrowService, verifier *auth.Verifier, logger *slog.Logger) *Server {
	return &Server{escrow: svc, verifier: verifier, logger: logger}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/api/transactions", s.withAuth(http.HandlerFunc(s.handleTransactions)))
	mux.Handle("/api/transactions/", s.withAuth(http.HandlerFunc(s.handleTransactionDetail)))
	mux.Handle("/api/slips/", s.withAuth(http.HandlerFunc(s.handleSlipDetail)))
	mux.Handle("/api/disputes/", s.withAuth(http.HandlerFunc(s.handleDisputeDetail)))
	return mux
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.verifier.Verify(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, actor.ID)
		ctx = context.WithValue(ctx, ctxKeyRole, actor.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) (auth.Actor, bool) {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	if role == "" {
		role = auth.RoleUser
	}
	actor := auth.Actor{ID: id, Role: role}
	return actor, actor.Valid()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTransactions serves POST /api/transactions.
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req createTransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tx, err := s.escrow.Create(r.Context(), actor, escrow.CreateParams{
		Title:       req.Title,
		Description: req.Description,
		Amount:      req.Amount,
		FeePayer:    fee.Payer(strings.ToUpper(req.FeePayer)),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

// handleTransactionDetail serves /api/transactions/join and
// /api/transactions/{id}[/action].
func (s *Server) handleTransactionDetail(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/transactions/"), "/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "transaction id required")
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	if id == "join" && action == "" {
		s.handleJoin(w, r, actor)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		tx, err := s.escrow.Get(r.Context(), actor, id)
		s.respondTransaction(w, tx, err)
	case "slips":
		s.handleSlips(w, r, actor, id)
	case "disputes":
		s.handleDisputes(w, r, actor, id)
	case "deliver", "confirm", "cancel", "invite":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var (
			tx  escrow.Transaction
			err error
		)
		switch action {
		case "deliver":
			tx, err = s.escrow.MarkDelivered(r.Context(), actor, id)
		case "confirm":
			tx, err = s.escrow.ConfirmReceipt(r.Context(), actor, id)
		case "cancel":
			tx, err = s.escrow.Cancel(r.Context(), actor, id)
		case "invite":
			tx, err = s.escrow.RefreshInvite(r.Context(), actor, id)
		}
		s.respondTransaction(w, tx, err)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req joinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tx, err := s.escrow.Join(r.Context(), actor, req.InviteCode)
	s.respondTransaction(w, tx, err)
}

func (s *Server) handleSlips(w http.ResponseWriter, r *http.Request, actor auth.Actor, id string) {
	switch r.Method {
	case http.MethodGet:
		slips, err := s.escrow.ListSlips(r.Context(), actor, id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		items := make([]slipResponse, 0, len(slips))
		for _, sl := range slips {
			items = append(items, toSlipResponse(sl))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req submitSlipRequest
		if !decodeBody(w, r, &req) {
			return
		}
		slip, err := s.escrow.SubmitPaymentSlip(r.Context(), actor, id, payment.SlipInput{
			ImageURL:      req.ImageURL,
			Amount:        req.Amount,
			PaymentMethod: req.PaymentMethod,
			TransferDate:  req.TransferDate,
			ReferenceNo:   req.ReferenceNo,
		})
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toSlipResponse(slip))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request, actor auth.Actor, id string) {
	switch r.Method {
	case http.MethodGet:
		records, err := s.escrow.ListDisputes(r.Context(), actor, id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		items := make([]disputeResponse, 0, len(records))
		for _, d := range records {
			items = append(items, toDisputeResponse(d))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var req openDisputeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rec, err := s.escrow.OpenDispute(r.Context(), actor, id, dispute.OpenParams{
			Reason:       req.Reason,
			Description:  req.Description,
			EvidenceURLs: req.EvidenceURLs,
		})
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleSlipDetail serves POST /api/slips/{id}/review.
func (s *Server) handleSlipDetail(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	id, ok := subresource(r.URL.Path, "/api/slips/", "review")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req reviewSlipRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Approve == nil {
		writeError(w, http.StatusBadRequest, "approve is required")
		return
	}
	slip, err := s.escrow.ReviewSlip(r.Context(), actor, id, *req.Approve, req.Note)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlipResponse(slip))
}

// handleDisputeDetail serves POST /api/disputes/{id}/resolve.
func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	id, ok := subresource(r.URL.Path, "/api/disputes/", "resolve")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req resolveDisputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tx, err := s.escrow.ResolveDispute(r.Context(), actor, id, dispute.Outcome(strings.ToUpper(req.Outcome)))
	s.respondTransaction(w, tx, err)
}

func subresource(path, prefix, action string) (string, bool) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, prefix), "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != action {
		return "", false
	}
	return parts[0], true
}

func (s *Server) respondTransaction(w http.ResponseWriter, tx escrow.Transaction, err error) {
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// writeEngineError maps domain errors onto HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrForbidden), errors.Is(err, escrow.ErrSelfJoinForbidden):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidInput), errors.Is(err, fee.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidInviteCode), errors.Is(err, dispute.ErrInvalidOutcome):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrInviteExpired), errors.Is(err, dispute.ErrUnsupportedOutcome):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrInvalidTransition), errors.Is(err, escrow.ErrAlreadyFunded),
		errors.Is(err, escrow.ErrAlreadyResolved), errors.Is(err, escrow.ErrSlipAlreadyReviewed),
		errors.Is(err, escrow.ErrConcurrentModification):
		return http.StatusConflict
	default:
		// includes invite.ErrCodeSpaceExhausted
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type createTransactionRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	FeePayer    string          `json:"feePayer"`
}

type joinRequest struct {
	InviteCode string `json:"inviteCode"`
}

type submitSlipRequest struct {
	ImageURL      string          `json:"imageUrl"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
	TransferDate  time.Time       `json:"transferDate"`
	ReferenceNo   string          `json:"referenceNo"`
}

type reviewSlipRequest struct {
	Approve *bool  `json:"approve"`
	Note    string `json:"note"`
}

type openDisputeRequest struct {
	Reason       string   `json:"reason"`
	Description  string   `json:"description"`
	EvidenceURLs []string `json:"evidenceUrls"`
}

type resolveDisputeRequest struct {
	Outcome string `json:"outcome"`
}
