package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/numberbet/backend/internal/models"
	"github.com/numberbet/backend/internal/services"
	"go.uber.org/zap"
)

type SettlementService interface {
	SettleRound(ctx context.Context, in services.SettleRoundInput) (*models.SettlementReport, error)
	GetReport(ctx context.Context, roundID string) (*models.SettlementReport, error)
}

type RoundHandler struct {
	service   SettlementService
	validator *services.ValidationHelper
	log       *zap.Logger
}

func NewRoundHandler(service SettlementService, log *zap.Logger) *RoundHandler {
	return &RoundHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		log:       log.Named("round_handler"),
	}
}

// GetReport returns a round's settlement report
// @Summary Get settlement report
// @Tags Rounds
// @Produce json
// @Security BearerAuth
// @Param roundId path string true "Round ID"
// @Success 200 {object} object{success=bool,data=models.SettlementReport}
// @Failure 404 {object} services.ErrorResponse
// @Router /rounds/{roundId}/report [get]
func (h *RoundHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.GetReport(r.Context(), chi.URLParam(r, "roundId"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SettleRound completes a round and pays its winners
// @Summary Settle round
// @Description Completes the round with the given result and pays every winning wager. Repeating the call with the same result finishes any wager left open and returns the report with replayed=true.
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param roundId path string true "Round ID"
// @Param request body object{result=string,override=bool} true "Round result"
// @Success 200 {object} object{success=bool,data=models.SettlementReport}
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/rounds/{roundId}/settle [post]
func (h *RoundHandler) SettleRound(w http.ResponseWriter, r *http.Request) {
	operator, ok := callerID(w, r)
	if !ok {
		return
	}

	var req struct {
		Result   string `json:"result" validate:"required,max=8"`
		Override bool   `json:"override"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	report, err := h.service.SettleRound(r.Context(), services.SettleRoundInput{
		RoundID:  chi.URLParam(r, "roundId"),
		Result:   req.Result,
		Operator: operator,
		Override: req.Override,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	h.log.Info("settlement requested",
		zap.String("round_id", report.RoundID),
		zap.String("operator", operator),
		zap.Bool("replayed", report.Replayed),
	)
	writeJSON(w, http.StatusOK, report)
}
