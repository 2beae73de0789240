package services

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/numberbet/backend/internal/config"
	"github.com/numberbet/backend/internal/metrics"
	"github.com/numberbet/backend/internal/models"
	"github.com/numberbet/backend/internal/notify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const paymentColumns = `id, account_id, type, amount, status, proof_ref, reviewed_by, review_note, created_at, updated_at, reviewed_at`

// PaymentService runs deposit and withdrawal requests through proof and review.
// Only an approval touches the ledger.
type PaymentService struct {
	db       *sqlx.DB
	ledger   *LedgerService
	notifier Notifier
	audit    AuditTrail
	cfg      *config.PaymentConfig
	log      *zap.Logger
	now      func() time.Time
	newID    func() string
}

func NewPaymentService(db *sqlx.DB, ledger *LedgerService, notifier Notifier, audit AuditTrail, cfg *config.PaymentConfig, log *zap.Logger) *PaymentService {
	return &PaymentService{
		db:       db,
		ledger:   ledger,
		notifier: notifier,
		audit:    audit,
		cfg:      cfg,
		log:      log.Named("payments"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// CreateDeposit opens a deposit request waiting for proof of transfer.
func (s *PaymentService) CreateDeposit(ctx context.Context, accountID string, amount int64) (*models.PaymentRequest, error) {
	if err := checkAmount(amount, s.cfg.MinDeposit, s.cfg.MaxDeposit); err != nil {
		return nil, err
	}
	if err := s.ledger.EnsureAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.create(ctx, accountID, models.PaymentTypeDeposit, amount, models.PaymentStatusPendingProof)
}

// CreateWithdrawal opens a withdrawal request for review. The balance is checked again on approval.
func (s *PaymentService) CreateWithdrawal(ctx context.Context, accountID string, amount int64) (*models.PaymentRequest, error) {
	if accountID == "" {
		return nil, invalid("account_id", "required")
	}
	if err := checkAmount(amount, s.cfg.MinWithdrawal, s.cfg.MaxWithdrawal); err != nil {
		return nil, err
	}
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Balance < amount {
		return nil, errors.Wrapf(ErrInsufficientBalance, "account %s has %d, requested %d", accountID, account.Balance, amount)
	}
	return s.create(ctx, accountID, models.PaymentTypeWithdrawal, amount, models.PaymentStatusPendingReview)
}

func (s *PaymentService) create(ctx context.Context, accountID string, typ models.PaymentType, amount int64, status models.PaymentStatus) (*models.PaymentRequest, error) {
	now := s.now()
	req := &models.PaymentRequest{
		ID:        s.newID(),
		AccountID: accountID,
		Type:      typ,
		Amount:    amount,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_requests (id, account_id, type, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.ID, req.AccountID, req.Type, req.Amount, req.Status, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return nil, classifyStorageError("insert payment request", err)
	}

	s.published(ctx, req, "", accountID)
	return req, nil
}

// SubmitProof attaches the proof reference of a deposit and queues it for review.
func (s *PaymentService) SubmitProof(ctx context.Context, requestID, accountID, proofRef string) (*models.PaymentRequest, error) {
	if proofRef == "" {
		return nil, invalid("proof_ref", "required")
	}
	if len(proofRef) > 512 {
		return nil, invalid("proof_ref", "too long")
	}
	return s.transition(ctx, requestID, paymentTransition{
		next:  models.PaymentStatusPendingReview,
		owner: accountID,
		only:  models.PaymentTypeDeposit,
		actor: accountID,
		apply: func(_ *sqlx.Tx, req *models.PaymentRequest) error {
			req.ProofRef = &proofRef
			return nil
		},
	})
}

// Cancel withdraws a request that has not been reviewed yet.
func (s *PaymentService) Cancel(ctx context.Context, requestID, accountID string) (*models.PaymentRequest, error) {
	return s.transition(ctx, requestID, paymentTransition{
		next:  models.PaymentStatusCancelled,
		owner: accountID,
		actor: accountID,
	})
}

// Approve applies the request to the ledger and marks it approved in the same transaction.
// If the ledger rejects the entry the request stays pending_review. Approving an approved
// request returns it with ErrAlreadyProcessed.
func (s *PaymentService) Approve(ctx context.Context, requestID, reviewer string) (*models.PaymentRequest, error) {
	if reviewer == "" {
		return nil, invalid("reviewer", "required")
	}

	var entry *models.LedgerEntry
	req, err := s.transition(ctx, requestID, paymentTransition{
		next:  models.PaymentStatusApproved,
		actor: reviewer,
		apply: func(tx *sqlx.Tx, req *models.PaymentRequest) error {
			metadata, _ := json.Marshal(map[string]string{"payment_request_id": req.ID, "reviewer": reviewer})
			e, err := s.ledger.ApplyTx(ctx, tx, ApplyRequest{
				AccountID:   req.AccountID,
				Delta:       req.SignedAmount(),
				Kind:        req.Type.EntryKind(),
				ReferenceID: req.ID,
				Metadata:    metadata,
			})
			if err != nil {
				return err
			}
			entry = e
			at := s.now()
			req.ReviewedBy = &reviewer
			req.ReviewedAt = &at
			return nil
		},
	})
	if err != nil {
		return req, err
	}

	s.ledger.RecordCommitted(entry)
	return req, nil
}

// Reject closes a request under review without touching the ledger.
func (s *PaymentService) Reject(ctx context.Context, requestID, reviewer, note string) (*models.PaymentRequest, error) {
	if reviewer == "" {
		return nil, invalid("reviewer", "required")
	}
	return s.transition(ctx, requestID, paymentTransition{
		next:  models.PaymentStatusRejected,
		actor: reviewer,
		apply: func(_ *sqlx.Tx, req *models.PaymentRequest) error {
			at := s.now()
			req.ReviewedBy = &reviewer
			req.ReviewedAt = &at
			if note != "" {
				req.ReviewNote = &note
			}
			return nil
		},
	})
}

type paymentTransition struct {
	next  models.PaymentStatus
	owner string             // restricts the request to this account when set
	only  models.PaymentType // restricts the request type when set
	actor string
	apply func(tx *sqlx.Tx, req *models.PaymentRequest) error
}

// transition locks the request row, checks t against it and stores the new status.
// Fields changed by t.apply are persisted with it.
func (s *PaymentService) transition(ctx context.Context, requestID string, t paymentTransition) (*models.PaymentRequest, error) {
	if requestID == "" {
		return nil, invalid("request_id", "required")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classifyStorageError("begin payment transition", err)
	}
	defer tx.Rollback()

	var req models.PaymentRequest
	err = tx.GetContext(ctx, &req, `SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1 FOR UPDATE`, requestID)
	if isNoRows(err) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, classifyStorageError("lock payment request", err)
	}
	if t.owner != "" && req.AccountID != t.owner {
		return nil, ErrPaymentNotFound
	}
	if t.only != "" && req.Type != t.only {
		return nil, errors.Wrapf(ErrPaymentTypeMismatch, "request %s is a %s", req.ID, req.Type)
	}

	from := req.Status
	if from == t.next {
		return &req, ErrAlreadyProcessed
	}
	if !from.CanTransitionTo(t.next) {
		return nil, errors.Wrapf(ErrInvalidTransition, "request %s is %s", req.ID, from)
	}

	if t.apply != nil {
		if err := t.apply(tx, &req); err != nil {
			return nil, err
		}
	}

	req.Status = t.next
	req.UpdatedAt = s.now()
	result, err := tx.ExecContext(ctx, `
		UPDATE payment_requests
		SET status = $2, proof_ref = $3, reviewed_by = $4, review_note = $5, updated_at = $6, reviewed_at = $7
		WHERE id = $1 AND status = $8`,
		req.ID, req.Status, req.ProofRef, req.ReviewedBy, req.ReviewNote, req.UpdatedAt, req.ReviewedAt, from)
	if err != nil {
		return nil, classifyStorageError("update payment request", err)
	}
	if rows, err := result.RowsAffected(); err != nil || rows != 1 {
		return nil, errors.Wrapf(ErrInvalidTransition, "request %s changed concurrently", req.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyStorageError("commit payment transition", err)
	}

	s.published(ctx, &req, from, t.actor)
	return &req, nil
}

// Get returns a request. A non-empty accountID restricts the lookup to that owner.
func (s *PaymentService) Get(ctx context.Context, requestID, accountID string) (*models.PaymentRequest, error) {
	var req models.PaymentRequest
	err := s.db.GetContext(ctx, &req, `SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1`, requestID)
	if isNoRows(err) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, classifyStorageError("get payment request", err)
	}
	if accountID != "" && req.AccountID != accountID {
		return nil, ErrPaymentNotFound
	}
	return &req, nil
}

// ListByStatus returns requests in a status, oldest first, for the review queue.
func (s *PaymentService) ListByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]models.PaymentRequest, error) {
	if !status.Valid() {
		return nil, invalid("status", "unknown payment status "+strconv.Quote(string(status)))
	}
	limit = clampLimit(limit)
	reqs := []models.PaymentRequest{}
	err := s.db.SelectContext(ctx, &reqs, `
		SELECT `+paymentColumns+`
		FROM payment_requests
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, classifyStorageError("list payment requests", err)
	}
	return reqs, nil
}

// ListForAccount returns an account's requests, newest first.
func (s *PaymentService) ListForAccount(ctx context.Context, accountID string, limit int) ([]models.PaymentRequest, error) {
	limit = clampLimit(limit)
	reqs := []models.PaymentRequest{}
	err := s.db.SelectContext(ctx, &reqs, `
		SELECT `+paymentColumns+`
		FROM payment_requests
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, classifyStorageError("list payment requests", err)
	}
	return reqs, nil
}

func (s *PaymentService) published(ctx context.Context, req *models.PaymentRequest, from models.PaymentStatus, actor string) {
	s.audit.LogPaymentTransition(req, from, actor)
	metrics.RecordPaymentTransition(string(req.Type), string(req.Status))
	s.notifier.Dispatch(ctx, notify.Event{
		Type:        notify.EventPaymentUpdated,
		AccountID:   req.AccountID,
		ReferenceID: req.ID,
		Amount:      models.FormatMinor(req.Amount),
		Data: map[string]string{
			"type":   string(req.Type),
			"status": string(req.Status),
			"from":   string(from),
		},
		OccurredAt: req.UpdatedAt,
	})
	s.log.Info("payment request updated",
		zap.String("request_id", req.ID),
		zap.String("account_id", req.AccountID),
		zap.String("type", string(req.Type)),
		zap.String("from", string(from)),
		zap.String("status", string(req.Status)),
		zap.String("actor", actor),
	)
}

func checkAmount(amount, lo, hi int64) error {
	if amount < lo {
		return invalid("amount", "below minimum "+strconv.FormatInt(lo, 10))
	}
	if amount > hi {
		return invalid("amount", "above maximum "+strconv.FormatInt(hi, 10))
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
