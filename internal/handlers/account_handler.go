package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/numberbet/backend/internal/models"
	"github.com/numberbet/backend/internal/services"
	"go.uber.org/zap"
)

type LedgerService interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)
	Reconcile(ctx context.Context, accountID string) (*models.AccountReconciliation, error)
}

type ReferralService interface {
	Reward(ctx context.Context, in services.ReferralRewardInput) (*models.LedgerEntry, error)
}

type AccountHandler struct {
	ledger    LedgerService
	referrals ReferralService
	validator *services.ValidationHelper
	log       *zap.Logger
}

func NewAccountHandler(ledger LedgerService, referrals ReferralService, log *zap.Logger) *AccountHandler {
	return &AccountHandler{
		ledger:    ledger,
		referrals: referrals,
		validator: services.NewValidationHelper(),
		log:       log.Named("account_handler"),
	}
}

// GetAccount returns the caller's balance
// @Summary Get account
// @Tags Account
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{success=bool,data=models.Account}
// @Failure 404 {object} services.ErrorResponse
// @Router /account [get]
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	account, err := h.ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// ListLedger returns the caller's ledger entries, newest first
// @Summary List ledger entries
// @Tags Account
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size"
// @Success 200 {object} object{success=bool,data=[]models.LedgerEntry}
// @Router /account/ledger [get]
func (h *AccountHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	entries, err := h.ledger.ListEntries(r.Context(), accountID, queryLimit(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Reconcile compares an account's balance with the sum of its ledger
// @Summary Reconcile account
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Success 200 {object} object{success=bool,data=models.AccountReconciliation}
// @Router /admin/accounts/{accountId}/reconcile [post]
func (h *AccountHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.ledger.Reconcile(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RewardReferral credits a referrer once per referred account
// @Summary Reward referral
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.ReferralRewardInput true "Referral"
// @Success 201 {object} object{success=bool,data=models.LedgerEntry}
// @Success 200 {object} object{success=bool,already_processed=bool,data=models.LedgerEntry}
// @Router /admin/referrals [post]
func (h *AccountHandler) RewardReferral(w http.ResponseWriter, r *http.Request) {
	var req services.ReferralRewardInput
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entry, err := h.referrals.Reward(r.Context(), req)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if entry.Replayed {
		writeProcessed(w, entry)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
