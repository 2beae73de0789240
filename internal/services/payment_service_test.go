package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/numberbet/backend/internal/config"
	"github.com/numberbet/backend/internal/models"
	"github.com/numberbet/backend/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	lockPaymentSQL   = `SELECT (.+) FROM payment_requests WHERE id = \$1 FOR UPDATE`
	updatePaymentSQL = `UPDATE payment_requests SET status = \$2, proof_ref = \$3, reviewed_by = \$4, review_note = \$5, updated_at = \$6, reviewed_at = \$7 WHERE id = \$1 AND status = \$8`
	insertPaymentSQL = `INSERT INTO payment_requests`
)

func newTestPaymentService(t *testing.T) (*PaymentService, sqlmock.Sqlmock, *recordingNotifier, *MockAuditLogger) {
	db, sqlMock := newTestDB(t)
	audit := newMockAuditLogger()
	notifier := &recordingNotifier{}
	cfg := &config.PaymentConfig{MinDeposit: 1000, MaxDeposit: 100000000, MinWithdrawal: 1000, MaxWithdrawal: 50000000}
	s := NewPaymentService(db, newTestLedger(db, audit), notifier, audit, cfg, zap.NewNop())
	s.now = fixedClock
	s.newID = func() string { return "pay-1" }
	return s, sqlMock, notifier, audit
}

func paymentRow(p models.PaymentRequest) *sqlmock.Rows {
	var proof, reviewer, note, reviewedAt any
	if p.ProofRef != nil {
		proof = *p.ProofRef
	}
	if p.ReviewedBy != nil {
		reviewer = *p.ReviewedBy
	}
	if p.ReviewNote != nil {
		note = *p.ReviewNote
	}
	if p.ReviewedAt != nil {
		reviewedAt = *p.ReviewedAt
	}
	return sqlmock.NewRows(paymentCols).AddRow(p.ID, p.AccountID, string(p.Type), p.Amount, string(p.Status),
		proof, reviewer, note, p.CreatedAt, p.UpdatedAt, reviewedAt)
}

func pendingPayment(typ models.PaymentType, status models.PaymentStatus, amount int64) models.PaymentRequest {
	p := models.PaymentRequest{
		ID: "pay-1", AccountID: "acc-1", Type: typ, Amount: amount, Status: status,
		CreatedAt: testNow.Add(-time.Hour), UpdatedAt: testNow.Add(-time.Hour),
	}
	if typ == models.PaymentTypeDeposit && status != models.PaymentStatusPendingProof {
		proof := "proof-123"
		p.ProofRef = &proof
	}
	return p
}

func TestPaymentService_DepositFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("create deposit waits for proof", func(t *testing.T) {
		s, sqlMock, notifier, _ := newTestPaymentService(t)

		sqlMock.ExpectExec(`INSERT INTO accounts`).WithArgs("acc-1", testNow).WillReturnResult(sqlmock.NewResult(0, 1))
		sqlMock.ExpectExec(insertPaymentSQL).
			WithArgs("pay-1", "acc-1", "deposit", int64(100000), "pending_proof", testNow, testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, err := s.CreateDeposit(ctx, "acc-1", 100000)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPendingProof, req.Status)
		assert.NoError(t, sqlMock.ExpectationsWereMet())

		updated := notifier.ofType(notify.EventPaymentUpdated)
		require.Len(t, updated, 1)
		assert.Equal(t, "pending_proof", updated[0].Data["status"])
	})

	t.Run("amount limits", func(t *testing.T) {
		s, sqlMock, _, _ := newTestPaymentService(t)

		_, err := s.CreateDeposit(ctx, "acc-1", 999)
		assert.ErrorIs(t, err, ErrValidation)
		_, err = s.CreateDeposit(ctx, "acc-1", 100000001)
		assert.ErrorIs(t, err, ErrValidation)
		_, err = s.CreateWithdrawal(ctx, "acc-1", 50000001)
		assert.ErrorIs(t, err, ErrValidation)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("submit proof moves to review", func(t *testing.T) {
		s, sqlMock, _, audit := newTestPaymentService(t)

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(lockPaymentSQL).WithArgs("pay-1").
			WillReturnRows(paymentRow(pendingPayment(models.PaymentTypeDeposit, models.PaymentStatusPendingProof, 100000)))
		sqlMock.ExpectExec(updatePaymentSQL).
			WithArgs("pay-1", "pending_review", "proof-123", nil, nil, testNow, nil, "pending_proof").
			WillReturnResult(sqlmock.NewResult(0, 1))
		sqlMock.ExpectCommit()

		req, err := s.SubmitProof(ctx, "pay-1", "acc-1", "proof-123")
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPendingReview, req.Status)
		require.NotNil(t, req.ProofRef)
		assert.Equal(t, "proof-123", *req.ProofRef)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
		audit.AssertCalled(t, "LogPaymentTransition", req, models.PaymentStatusPendingProof, "acc-1")
	})

	t.Run("proof cannot be attached to a withdrawal", func(t *testing.T) {
		s, sqlMock, _, _ := newTestPaymentService(t)

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(lockPaymentSQL).WithArgs("pay-1").
			WillReturnRows(paymentRow(pendingPayment(models.PaymentTypeWithdrawal, models.PaymentStatusPendingReview, 50000)))
		sqlMock.ExpectRollback()

		_, err := s.SubmitProof(ctx, "pay-1", "acc-1", "proof-123")
		assert.ErrorIs(t, err, ErrPaymentTypeMismatch)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("approval credits the deposit", func(t *testing.T) {
		s, sqlMock, notifier, _ := newTestPaymentService(t)

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(lockPaymentSQL).WithArgs("pay-1").
			WillReturnRows(paymentRow(pendingPayment(models.PaymentTypeDeposit, models.PaymentStatusPendingReview, 100000)))
		// new account: 0 -> 100,000
		expectApply(sqlMock, "acc-1", 0, 1, 100000, models.EntryKindDeposit, "pay-1")
		sqlMock.ExpectExec(updatePaymentSQL).
			WithArgs("pay-1", "approved", "proof-123", "admin-1", nil, testNow, testNow, "pending_review").
			WillReturnResult(sqlmock.NewResult(0, 1))
		sqlMock.ExpectCommit()

		req, err := s.Approve(ctx, "pay-1", "admin-1")
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusApproved, req.Status)
		require.NotNil(t, req.ReviewedBy)
		assert.Equal(t, "admin-1", *req.ReviewedBy)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
		assert.Len(t, notifier.ofType(notify.EventPaymentUpdated), 1)
	})

	t.Run("approval without proof is rejected", func(t *testing.T) {
		s, sqlMock, _, _ := newTestPaymentService(t)

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(lockPaymentSQL).WithArgs("pay-1").
			WillReturnRows(paymentRow(pendingPayment(models.PaymentTypeDeposit, models.PaymentStatusPendingProof, 100000)))
		sqlMock.ExpectRollback()

		_, err := s.Approve(ctx, "pay-1", "admin-1")
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("second approval reports already processed", func(t *testing.T) {
		s, sqlMock, notifier, _ := newTestPaymentService(t)
		approved := pendingPayment(models.PaymentTypeDeposit, models.PaymentStatusApproved, 100000)

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(lockPaymentSQL).WithArgs("pay-1").WillReturnRows(paymentRow(approved))
		sqlMock.ExpectRollback()

		req, err := s.Approve(ctx, "pay-1", "admin-2")
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
		require.NotNil(t, req)
		assert.Equal(t, models.PaymentStatusApproved, req.Status)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
		assert.Empty(t, notifier.all())
	})

	t.Run("reject records the note", func(t *testing.T) {
		s, sqlMock, _, _ := newTestPaymentService(t)

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(lockPaymentSQL).WithArgs("pay-1").
			WillReturnRows(paymentRow(pendingPayment(models.PaymentTypeDeposit, models.PaymentStatusPendingReview, 100000)))
		sqlMock.ExpectExec(updatePaymentSQL).
			WithArgs("pay-1", "rejected", "proof-123", "admin-1", "blurry receipt", testNow, testNow, "pending_review").
			WillReturnResult(sqlmock.NewResult(0, 1))
		sqlMock.ExpectCommit()

		req, err := s.Reject(ctx, "pay-1", "admin-1", "blurry receipt")
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusRejected, req.Status)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})
}

func TestPaymentService_WithdrawalFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("create withdrawal checks the balance", func(t *testing.T) {
		s, sqlMock, _, _ := newTestPaymentService(t)

		sqlMock.ExpectQuery(`SELECT id, balance, version, created_at, updated_at FROM accounts WHERE id = \$1`).
			WithArgs("acc-1").
			WillReturnRows(sqlmock.NewRows(accountColumns).AddRow("acc-1", 180000, 4, testNow, testNow))
		sqlMock.ExpectExec(insertPaymentSQL).
			WithArgs("pay-1", "acc-1", "withdrawal", int64(50000), "pending_review", testNow, testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req, err := s.CreateWithdrawal(ctx, "acc-1", 50000)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusPendingReview, req.Status)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("create withdrawal above balance", func(t *testing.T) {
		s, sqlMock, _, _ := newTestPaymentService(t)

		sqlMock.ExpectQuery(`SELECT id, balance, version, created_at, updated_at FROM accounts WHERE id = \$1`).
			WithArgs("acc-1").
			WillReturnRows(sqlmock.NewRows(accountColumns).AddRow("acc-1", 10000, 2, testNow, testNow))

		_, err := s.CreateWithdrawal(ctx, "acc-1", 50000)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("approval debits the withdrawal", func(t *testing.T) {
		s, sqlMock, _, _ := newTestPaymentService(t)

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(lockPaymentSQL).WithArgs("pay-1").
			WillReturnRows(paymentRow(pendingPayment(models.PaymentTypeWithdrawal, models.PaymentStatusPendingReview, 50000)))
		// 180,000 -> 130,000
		expectApply(sqlMock, "acc-1", 180000, 4, -50000, models.EntryKindWithdrawal, "pay-1")
		sqlMock.ExpectExec(updatePaymentSQL).
			WithArgs("pay-1", "approved", nil, "admin-1", nil, testNow, testNow, "pending_review").
			WillReturnResult(sqlmock.NewResult(0, 1))
		sqlMock.ExpectCommit()

		req, err := s.Approve(ctx, "pay-1", "admin-1")
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusApproved, req.Status)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("approval with insufficient balance stays pending", func(t *testing.T) {
		s, sqlMock, notifier, _ := newTestPaymentService(t)

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(lockPaymentSQL).WithArgs("pay-1").
			WillReturnRows(paymentRow(pendingPayment(models.PaymentTypeWithdrawal, models.PaymentStatusPendingReview, 50000)))
		sqlMock.ExpectQuery(lockAccountSQL).WithArgs("acc-1").
			WillReturnRows(sqlmock.NewRows(accountColumns).AddRow("acc-1", 10000, 5, testNow, testNow))
		sqlMock.ExpectQuery(findEntrySQL).WithArgs("acc-1", "withdrawal", "pay-1").WillReturnRows(sqlmock.NewRows(entryCols))
		sqlMock.ExpectRollback()

		_, err := s.Approve(ctx, "pay-1", "admin-1")
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
		assert.Empty(t, notifier.all())
	})

	t.Run("owner cancels before review", func(t *testing.T) {
		s, sqlMock, _, _ := newTestPaymentService(t)

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(lockPaymentSQL).WithArgs("pay-1").
			WillReturnRows(paymentRow(pendingPayment(models.PaymentTypeWithdrawal, models.PaymentStatusPendingReview, 50000)))
		sqlMock.ExpectExec(updatePaymentSQL).
			WithArgs("pay-1", "cancelled", nil, nil, nil, testNow, nil, "pending_review").
			WillReturnResult(sqlmock.NewResult(0, 1))
		sqlMock.ExpectCommit()

		req, err := s.Cancel(ctx, "pay-1", "acc-1")
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusCancelled, req.Status)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("other accounts cannot see the request", func(t *testing.T) {
		s, sqlMock, _, _ := newTestPaymentService(t)

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(lockPaymentSQL).WithArgs("pay-1").
			WillReturnRows(paymentRow(pendingPayment(models.PaymentTypeWithdrawal, models.PaymentStatusPendingReview, 50000)))
		sqlMock.ExpectRollback()

		_, err := s.Cancel(ctx, "pay-1", "acc-2")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})
}

func TestPaymentService_Queries(t *testing.T) {
	ctx := context.Background()

	t.Run("list by status", func(t *testing.T) {
		s, sqlMock, _, _ := newTestPaymentService(t)

		sqlMock.ExpectQuery(`SELECT (.+) FROM payment_requests WHERE status = \$1 ORDER BY created_at LIMIT \$2`).
			WithArgs("pending_review", 50).
			WillReturnRows(paymentRow(pendingPayment(models.PaymentTypeDeposit, models.PaymentStatusPendingReview, 100000)))

		reqs, err := s.ListByStatus(ctx, models.PaymentStatusPendingReview, 0)
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.Equal(t, "pay-1", reqs[0].ID)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("unknown status", func(t *testing.T) {
		s, _, _, _ := newTestPaymentService(t)

		_, err := s.ListByStatus(ctx, models.PaymentStatus("lost"), 10)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("get is scoped to the owner", func(t *testing.T) {
		s, sqlMock, _, _ := newTestPaymentService(t)
		row := pendingPayment(models.PaymentTypeDeposit, models.PaymentStatusPendingProof, 100000)

		sqlMock.ExpectQuery(`SELECT (.+) FROM payment_requests WHERE id = \$1`).WithArgs("pay-1").WillReturnRows(paymentRow(row))
		sqlMock.ExpectQuery(`SELECT (.+) FROM payment_requests WHERE id = \$1`).WithArgs("pay-1").WillReturnRows(paymentRow(row))

		got, err := s.Get(ctx, "pay-1", "acc-1")
		require.NoError(t, err)
		assert.Equal(t, "acc-1", got.AccountID)

		_, err = s.Get(ctx, "pay-1", "acc-2")
		assert.ErrorIs(t, err, ErrPaymentNotFound)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})
}
