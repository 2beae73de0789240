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

type WagerService interface {
	PlaceWager(ctx context.Context, in services.PlaceWagerInput) (*models.Wager, error)
	GetWager(ctx context.Context, wagerID, accountID string) (*models.Wager, error)
	ListAccountWagers(ctx context.Context, accountID string, limit int) ([]models.Wager, error)
	VoidWager(ctx context.Context, wagerID, operator, reason string) (*models.Wager, error)
}

type WagerHandler struct {
	service   WagerService
	validator *services.ValidationHelper
	log       *zap.Logger
}

func NewWagerHandler(service WagerService, log *zap.Logger) *WagerHandler {
	return &WagerHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		log:       log.Named("wager_handler"),
	}
}

type placeWagerRequest struct {
	RoundID     string `json:"round_id" validate:"required,max=64"`
	ChosenValue string `json:"chosen_value" validate:"required,max=8"`
	Stake       int64  `json:"stake" validate:"required,gt=0"`
}

// PlaceWager debits the stake and records an open wager
// @Summary Place wager
// @Description Place a fixed-odds wager on an active round. Retries with the same Idempotency-Key return the original wager.
// @Tags Wagers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param Idempotency-Key header string false "Client idempotency key"
// @Param request body placeWagerRequest true "Wager"
// @Success 201 {object} object{success=bool,data=models.Wager}
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /wagers [post]
func (h *WagerHandler) PlaceWager(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req placeWagerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	wager, err := h.service.PlaceWager(r.Context(), services.PlaceWagerInput{
		AccountID:      accountID,
		RoundID:        req.RoundID,
		ChosenValue:    req.ChosenValue,
		Stake:          req.Stake,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, wager)
}

// ListWagers returns the caller's wagers
// @Summary List wagers
// @Tags Wagers
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size"
// @Success 200 {object} object{success=bool,data=[]models.Wager}
// @Router /wagers [get]
func (h *WagerHandler) ListWagers(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	wagers, err := h.service.ListAccountWagers(r.Context(), accountID, queryLimit(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, wagers)
}

// GetWager returns one of the caller's wagers
// @Summary Get wager
// @Tags Wagers
// @Produce json
// @Security BearerAuth
// @Param wagerId path string true "Wager ID"
// @Success 200 {object} object{success=bool,data=models.Wager}
// @Failure 404 {object} services.ErrorResponse
// @Router /wagers/{wagerId} [get]
func (h *WagerHandler) GetWager(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerID(w, r)
	if !ok {
		return
	}
	wager, err := h.service.GetWager(r.Context(), chi.URLParam(r, "wagerId"), accountID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, wager)
}

// VoidWager reverses an open wager
// @Summary Void wager
// @Description Void an open wager and refund its stake with a compensating entry
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param wagerId path string true "Wager ID"
// @Param request body object{reason=string} false "Void reason"
// @Success 200 {object} object{success=bool,data=models.Wager}
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/wagers/{wagerId}/void [post]
func (h *WagerHandler) VoidWager(w http.ResponseWriter, r *http.Request) {
	operator, ok := callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason" validate:"max=256"`
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

	wager, err := h.service.VoidWager(r.Context(), chi.URLParam(r, "wagerId"), operator, req.Reason)
	if err != nil {
		if errors.Is(err, services.ErrAlreadyProcessed) && wager != nil {
			writeProcessed(w, wager)
			return
		}
		writeError(w, h.log, err)
		return
	}

	h.log.Info("wager voided", zap.String("wager_id", wager.ID), zap.String("operator", operator))
	writeJSON(w, http.StatusOK, wager)
}
