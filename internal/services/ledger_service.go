package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/numberbet/backend/internal/metrics"
	"github.com/numberbet/backend/internal/models"
	"github.com/numberbet/backend/internal/notify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// AuditTrail receives one record per committed mutation.
type AuditTrail interface {
	LogEntry(entry *models.LedgerEntry)
	LogSettlement(report *models.SettlementReport)
	LogPaymentTransition(req *models.PaymentRequest, from models.PaymentStatus, actor string)
	LogError(referenceID, accountID string, err error)
	LogOperation(referenceID, accountID, operation, details string)
}

// Notifier hands events to external collaborators after commit.
type Notifier interface {
	Dispatch(ctx context.Context, events ...notify.Event)
}

// ApplyRequest is a single balance mutation. (AccountID, Kind, ReferenceID) is its idempotency key.
type ApplyRequest struct {
	AccountID   string
	Delta       int64
	Kind        models.EntryKind
	ReferenceID string
	Metadata    types.JSONText
}

const entryColumns = `id, account_id, delta, kind, reference_id, status, balance_after, metadata, created_at`

// LedgerService is the only code path that changes account balances.
type LedgerService struct {
	db    *sqlx.DB
	audit AuditTrail
	log   *zap.Logger
	now   func() time.Time
}

func NewLedgerService(db *sqlx.DB, audit AuditTrail, log *zap.Logger) *LedgerService {
	return &LedgerService{
		db:    db,
		audit: audit,
		log:   log.Named("ledger"),
		now:   time.Now,
	}
}

// Apply runs ApplyTx in its own transaction and records the committed entry.
// A lost race on the account version or the entry key is retried; the retry either
// applies against the fresh balance or finds the entry the winner wrote.
func (s *LedgerService) Apply(ctx context.Context, req ApplyRequest) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := RetryOnConflict(ctx, conflictAttempts, conflictBackoff, func(ctx context.Context) error {
		var err error
		entry, err = s.applyOnce(ctx, req)
		return err
	})
	if err != nil {
		metrics.RecordLedgerApply(string(req.Kind), ErrorClass(err))
		return nil, err
	}

	s.RecordCommitted(entry)
	return entry, nil
}

func (s *LedgerService) applyOnce(ctx context.Context, req ApplyRequest) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classifyStorageError("begin ledger transaction", err)
	}
	defer tx.Rollback()

	entry, err := s.ApplyTx(ctx, tx, req)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyStorageError("commit ledger entry", err)
	}
	return entry, nil
}

// ApplyTx applies req inside tx. The account row stays locked until tx ends.
// A completed entry with the same key is returned with Replayed set and nothing changes.
func (s *LedgerService) ApplyTx(ctx context.Context, tx *sqlx.Tx, req ApplyRequest) (*models.LedgerEntry, error) {
	if err := validateApply(req); err != nil {
		return nil, err
	}

	account, err := s.lockAccount(ctx, tx, req.AccountID)
	if err != nil {
		return nil, err
	}

	existing, err := s.findEntry(ctx, tx, req.AccountID, req.Kind, req.ReferenceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status != models.EntryStatusCompleted {
			return nil, errors.Wrapf(ErrConflict, "entry %s for reference %s is %s", existing.ID, req.ReferenceID, existing.Status)
		}
		if existing.Delta != req.Delta {
			return nil, errors.Wrapf(ErrIdempotencyReuse, "reference %s applied with delta %d, got %d", req.ReferenceID, existing.Delta, req.Delta)
		}
		existing.Replayed = true
		return existing, nil
	}

	newBalance := account.Balance + req.Delta
	if req.Delta > 0 && newBalance < account.Balance {
		return nil, invalid("delta", "balance overflow")
	}
	if newBalance < 0 {
		return nil, errors.Wrapf(ErrInsufficientBalance, "account %s has %d, needs %d", account.ID, account.Balance, -req.Delta)
	}

	metadata := req.Metadata
	if len(metadata) == 0 {
		metadata = types.JSONText("{}")
	}

	entry := &models.LedgerEntry{
		ID:           uuid.NewString(),
		AccountID:    account.ID,
		Delta:        req.Delta,
		Kind:         req.Kind,
		ReferenceID:  req.ReferenceID,
		Status:       models.EntryStatusCompleted,
		BalanceAfter: newBalance,
		Metadata:     metadata,
		CreatedAt:    s.now(),
	}

	if err := s.createLedgerEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := s.updateAccountBalance(ctx, tx, account.ID, newBalance, account.Version); err != nil {
		return nil, err
	}

	return entry, nil
}

// RecordCommitted audits and counts an entry once its transaction has committed.
func (s *LedgerService) RecordCommitted(entry *models.LedgerEntry) {
	if entry.Replayed {
		metrics.RecordLedgerApply(string(entry.Kind), "replayed")
		return
	}
	metrics.RecordLedgerApply(string(entry.Kind), "success")
	s.audit.LogEntry(entry)
}

func validateApply(req ApplyRequest) error {
	switch {
	case req.AccountID == "":
		return invalid("account_id", "required")
	case req.ReferenceID == "":
		return invalid("reference_id", "required")
	case !req.Kind.Valid():
		return invalid("kind", "unknown entry kind "+string(req.Kind))
	case req.Delta == 0:
		return invalid("delta", "must be non-zero")
	case req.Kind.IsCredit() && req.Delta < 0:
		return invalid("delta", string(req.Kind)+" must be positive")
	case !req.Kind.IsCredit() && req.Delta > 0:
		return invalid("delta", string(req.Kind)+" must be negative")
	}
	return nil
}

// EnsureAccount creates a zero-balance account if none exists.
func (s *LedgerService) EnsureAccount(ctx context.Context, accountID string) error {
	if accountID == "" {
		return invalid("account_id", "required")
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, version, created_at, updated_at)
		VALUES ($1, 0, 1, $2, $2)
		ON CONFLICT (id) DO NOTHING`,
		accountID, now)
	return classifyStorageError("ensure account", err)
}

func (s *LedgerService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account
	err := s.db.GetContext(ctx, &account, `
		SELECT id, balance, version, created_at, updated_at
		FROM accounts
		WHERE id = $1`, accountID)
	if isNoRows(err) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, classifyStorageError("get account", err)
	}
	return &account, nil
}

// ListEntries returns an account's entries, newest first.
func (s *LedgerService) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	entries := []models.LedgerEntry{}
	err := s.db.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, classifyStorageError("list ledger entries", err)
	}
	return entries, nil
}

// Reconcile compares the stored balance with the sum of completed entries.
func (s *LedgerService) Reconcile(ctx context.Context, accountID string) (*models.AccountReconciliation, error) {
	var rec models.AccountReconciliation
	err := s.db.GetContext(ctx, &rec, `
		SELECT a.id AS account_id, a.balance, COALESCE(SUM(e.delta), 0) AS ledger_sum
		FROM accounts a
		LEFT JOIN ledger_entries e ON e.account_id = a.id AND e.status = 'completed'
		WHERE a.id = $1
		GROUP BY a.id, a.balance`, accountID)
	if isNoRows(err) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, classifyStorageError("reconcile account", err)
	}

	rec.Drift = rec.Balance - rec.LedgerSum
	rec.Consistent = rec.Drift == 0
	if !rec.Consistent {
		s.log.Error("balance drift detected",
			zap.String("account_id", accountID),
			zap.Int64("balance", rec.Balance),
			zap.Int64("ledger_sum", rec.LedgerSum),
		)
		s.audit.LogError(accountID, accountID, errors.Errorf("balance %d differs from ledger sum %d", rec.Balance, rec.LedgerSum))
	}
	return &rec, nil
}

func (s *LedgerService) lockAccount(ctx context.Context, tx *sqlx.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.GetContext(ctx, &account, `
		SELECT id, balance, version, created_at, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID)
	if isNoRows(err) {
		return nil, errors.Wrap(ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, classifyStorageError("lock account", err)
	}
	return &account, nil
}

func (s *LedgerService) findEntry(ctx context.Context, tx *sqlx.Tx, accountID string, kind models.EntryKind, referenceID string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := tx.GetContext(ctx, &entry, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1 AND kind = $2 AND reference_id = $3`,
		accountID, kind, referenceID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyStorageError("find ledger entry", err)
	}
	return &entry, nil
}

func (s *LedgerService) createLedgerEntry(ctx context.Context, tx *sqlx.Tx, entry *models.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.AccountID, entry.Delta, entry.Kind, entry.ReferenceID,
		entry.Status, entry.BalanceAfter, entry.Metadata, entry.CreatedAt)
	return classifyStorageError("insert ledger entry", err)
}

func (s *LedgerService) updateAccountBalance(ctx context.Context, tx *sqlx.Tx, accountID string, newBalance int64, version int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, s.now(), accountID, version)
	if err != nil {
		return classifyStorageError("update account balance", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classifyStorageError("update account balance", err)
	}

	if rowsAffected == 0 {
		return errors.Wrapf(ErrOptimisticLock, "account %s", accountID)
	}

	return nil
}
