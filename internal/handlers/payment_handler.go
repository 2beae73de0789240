package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/numberbet/backend/internal/models"
	"github.com/numberbet/backend/internal/services"
	"go.uber.org/zap"
)

type PaymentService interface {
	CreateDeposit(ctx context.Context, accountID string, amount int64) (*models.PaymentRequest, error)
	CreateWithdrawal(ctx context.Context, accountID string, amount int64) (*models.PaymentRequest, error)
	SubmitProof(ctx context.Context, requestID, accountID, proofRef string) (*models.PaymentRequest, error)
	Cancel(ctx context.Context, requestID, accountID string) (*models.PaymentRequest, error)
	Approve(ctx context.Context, requestID, reviewer string) (*models.PaymentRequest, error)
	Reject(ctx context.Context, requestID, reviewer, note string) (*models.PaymentRequest, error)
	Get(ctx context.Context, requestID, accountID string) (*models.PaymentRequest, error)
	ListByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]models.PaymentRequest, error)
	ListForAccount(ctx context.Context, accountID string, limit int) ([]models.PaymentRequest, error)
}

type PaymentHandler struct {
	service   PaymentService
	validator *services.ValidationHelper
	log       *zap.Logger
}

func NewPaymentHandler(service PaymentService, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		log:       log.Named("payment_handler"),
	}
}

type amountRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// CreateDeposit opens a deposit request
// @Summary Create deposit request
// @Description Opens a deposit request that waits for proof of transfer
// @Tags Payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body amountRequest true "Amount in minor units"
// @Success 201 {object} object{success=bool,data=models.PaymentRequest}
// @Failure 400 {object} services.ErrorResponse
// @Router /payments/deposits [post]
func (h *PaymentHandler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.service.CreateDeposit)
}

// CreateWithdrawal opens a withdrawal request
// @Summary Create withdrawal request
// @Tags Payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body amountRequest true "Amount in minor units"
// @Success 201 {object} object{success=bool,data=models.PaymentRequest}
// @Failure 400 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /payments/withdrawals [post]
func (h *PaymentHandler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.service.CreateWithdrawal)
}

func (h *PaymentHandler) create(w http.ResponseWriter, r *http.Request, create func(context.Context, string, int64) (*models.PaymentRequest, error)) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	payment, err := create(r.Context(), accountID, req.Amount)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

// ListPayments returns the caller's payment requests
// @Summary List payment requests
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size"
// @Success 200 {object} object{success=bool,data=[]models.PaymentRequest}
// @Router /payments [get]
func (h *PaymentHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	reqs, err := h.service.ListForAccount(r.Context(), accountID, queryLimit(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// GetPayment returns one of the caller's payment requests
// @Summary Get payment request
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Success 200 {object} object{success=bool,data=models.PaymentRequest}
// @Failure 404 {object} services.ErrorResponse
// @Router /payments/{requestId} [get]
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	req, err := h.service.Get(r.Context(), chi.URLParam(r, "requestId"), accountID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// SubmitProof attaches proof of transfer to a deposit
// @Summary Submit deposit proof
// @Tags Payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Param request body object{proof_ref=string} true "Opaque proof reference from proof storage"
// @Success 200 {object} object{success=bool,data=models.PaymentRequest}
// @Failure 409 {object} services.ErrorResponse
// @Router /payments/{requestId}/proof [post]
func (h *PaymentHandler) SubmitProof(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		ProofRef string `json:"proof_ref" validate:"required,max=512"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	payment, err := h.service.SubmitProof(r.Context(), chi.URLParam(r, "requestId"), accountID, req.ProofRef)
	h.respond(w, payment, err)
}

// CancelPayment cancels a request that has not been reviewed
// @Summary Cancel payment request
// @Tags Payments
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Success 200 {object} object{success=bool,data=models.PaymentRequest}
// @Failure 409 {object} services.ErrorResponse
// @Router /payments/{requestId}/cancel [post]
func (h *PaymentHandler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	payment, err := h.service.Cancel(r.Context(), chi.URLParam(r, "requestId"), accountID)
	h.respond(w, payment, err)
}

// ListQueue returns payment requests in a status for review
// @Summary List payment requests by status
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param status query string false "Status" default(pending_review)
// @Param limit query int false "Page size"
// @Success 200 {object} object{success=bool,data=[]models.PaymentRequest}
// @Router /admin/payments [get]
func (h *PaymentHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	status := models.PaymentStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.PaymentStatusPendingReview
	}
	reqs, err := h.service.ListByStatus(r.Context(), status, queryLimit(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// ApprovePayment applies a reviewed request to the ledger
// @Summary Approve payment request
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Success 200 {object} object{success=bool,data=models.PaymentRequest}
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /admin/payments/{requestId}/approve [post]
func (h *PaymentHandler) ApprovePayment(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := callerID(w, r)
	if !ok {
		return
	}
	payment, err := h.service.Approve(r.Context(), chi.URLParam(r, "requestId"), reviewer)
	h.respond(w, payment, err)
}

// RejectPayment closes a reviewed request without touching the ledger
// @Summary Reject payment request
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Param request body object{note=string} false "Review note"
// @Success 200 {object} object{success=bool,data=models.PaymentRequest}
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/payments/{requestId}/reject [post]
func (h *PaymentHandler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Note string `json:"note" validate:"max=512"`
	}
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := h.validator.ValidateStruct(&req); err != nil {
			services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
			return
		}
	}

	payment, err := h.service.Reject(r.Context(), chi.URLParam(r, "requestId"), reviewer, req.Note)
	h.respond(w, payment, err)
}

func (h *PaymentHandler) respond(w http.ResponseWriter, payment *models.PaymentRequest, err error) {
	if err != nil {
		if errors.Is(err, services.ErrAlreadyProcessed) && payment != nil {
			writeProcessed(w, payment)
			return
		}
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}
