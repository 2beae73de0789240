package services

import (
	"context"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/numberbet/backend/internal/models"
	"github.com/numberbet/backend/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runConcurrently starts every fn at once and collects their errors by index.
func runConcurrently(fns ...func() error) []error {
	errs := make([]error, len(fns))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}(i, fn)
	}
	close(start)
	wg.Wait()
	return errs
}

// The mock hands out rows in the order the calls arrive, so the first caller to
// lock a row sees it before the other transaction committed and the second sees it after.

func TestPaymentService_ConcurrentApproval(t *testing.T) {
	ctx := context.Background()
	s, sqlMock, notifier, audit := newTestPaymentService(t)
	sqlMock.MatchExpectationsInOrder(false)

	pending := pendingPayment(models.PaymentTypeDeposit, models.PaymentStatusPendingReview, 100000)
	approved := pending
	approved.Status = models.PaymentStatusApproved

	sqlMock.ExpectBegin()
	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(lockPaymentSQL).WithArgs("pay-1").WillReturnRows(paymentRow(pending))
	sqlMock.ExpectQuery(lockPaymentSQL).WithArgs("pay-1").WillReturnRows(paymentRow(approved))
	expectApply(sqlMock, "acc-1", 0, 1, 100000, models.EntryKindDeposit, "pay-1")
	sqlMock.ExpectExec(updatePaymentSQL).
		WithArgs("pay-1", "approved", "proof-123", sqlmock.AnyArg(), nil, testNow, testNow, "pending_review").
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectCommit()
	sqlMock.ExpectRollback()

	results := make([]*models.PaymentRequest, 2)
	approve := func(i int, reviewer string) func() error {
		return func() error {
			req, err := s.Approve(ctx, "pay-1", reviewer)
			results[i] = req
			return err
		}
	}
	errs := runConcurrently(approve(0, "admin-1"), approve(1, "admin-2"))

	var succeeded, processed int
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, ErrAlreadyProcessed):
			processed++
		}
		require.NotNil(t, results[i])
		assert.Equal(t, models.PaymentStatusApproved, results[i].Status)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, processed)

	assert.NoError(t, sqlMock.ExpectationsWereMet())
	audit.AssertNumberOfCalls(t, "LogEntry", 1)
	assert.Len(t, notifier.ofType(notify.EventPaymentUpdated), 1)
}

func TestWagerService_ConcurrentPlacementCannotOverdraw(t *testing.T) {
	ctx := context.Background()
	s, sqlMock, notifier := newTestWagerService(t, nil)
	sqlMock.MatchExpectationsInOrder(false)

	// 10,000 covers one 6,000 stake but not two
	first := PlaceWagerInput{AccountID: "acc-1", RoundID: "r1", ChosenValue: "7", Stake: 6000, IdempotencyKey: "k-1"}
	second := PlaceWagerInput{AccountID: "acc-1", RoundID: "r1", ChosenValue: "3", Stake: 6000, IdempotencyKey: "k-2"}

	for _, in := range []PlaceWagerInput{first, second} {
		sqlMock.ExpectQuery(findWagerSQL).WithArgs(s.wagerID(in)).WillReturnRows(sqlmock.NewRows(wagerCols))
		sqlMock.ExpectQuery(loadRoundSQL).WithArgs("r1").WillReturnRows(activeRound("r1"))
		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(findEntrySQL).WithArgs("acc-1", "wager_debit", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(entryCols))
	}
	sqlMock.ExpectQuery(lockAccountSQL).WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow("acc-1", 10000, 1, testNow, testNow))
	sqlMock.ExpectQuery(lockAccountSQL).WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow("acc-1", 4000, 2, testNow, testNow))
	sqlMock.ExpectExec(insertEntrySQL).
		WithArgs(sqlmock.AnyArg(), "acc-1", int64(-6000), "wager_debit", sqlmock.AnyArg(), "completed", int64(4000), sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectExec(updateBalanceSQL).WithArgs(int64(4000), testNow, "acc-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectCommit()
	sqlMock.ExpectRollback()
	sqlMock.ExpectExec(insertWagerSQL).WillReturnResult(sqlmock.NewResult(0, 1))

	wagers := make([]*models.Wager, 2)
	place := func(i int, in PlaceWagerInput) func() error {
		return func() error {
			w, err := s.PlaceWager(ctx, in)
			wagers[i] = w
			return err
		}
	}
	errs := runConcurrently(place(0, first), place(1, second))

	var placed, rejected int
	for i, err := range errs {
		if err == nil {
			placed++
			assert.Equal(t, models.WagerStatusOpen, wagers[i].Status)
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Nil(t, wagers[i])
		rejected++
	}
	assert.Equal(t, 1, placed)
	assert.Equal(t, 1, rejected)

	assert.NoError(t, sqlMock.ExpectationsWereMet())
	assert.Len(t, notifier.ofType(notify.EventWagerPlaced), 1)
}

func TestLedgerService_ConcurrentCreditsAreNotLost(t *testing.T) {
	ctx := context.Background()
	db, sqlMock := newTestDB(t)
	s := newTestLedger(db, newMockAuditLogger())
	sqlMock.MatchExpectationsInOrder(false)

	// both read version 1; the losing update matches no row and is retried at version 2
	for i := 0; i < 2; i++ {
		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(lockAccountSQL).WithArgs("acc-1").
			WillReturnRows(sqlmock.NewRows(accountColumns).AddRow("acc-1", 0, 1, testNow, testNow))
		sqlMock.ExpectQuery(findEntrySQL).WithArgs("acc-1", "deposit", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows(entryCols))
		sqlMock.ExpectExec(insertEntrySQL).
			WithArgs(sqlmock.AnyArg(), "acc-1", int64(10000), "deposit", sqlmock.AnyArg(), "completed", int64(10000), sqlmock.AnyArg(), testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	sqlMock.ExpectExec(updateBalanceSQL).WithArgs(int64(10000), testNow, "acc-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectExec(updateBalanceSQL).WithArgs(int64(10000), testNow, "acc-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sqlMock.ExpectCommit()
	sqlMock.ExpectRollback()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(lockAccountSQL).WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow("acc-1", 10000, 2, testNow, testNow))
	sqlMock.ExpectQuery(findEntrySQL).WithArgs("acc-1", "deposit", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(entryCols))
	sqlMock.ExpectExec(insertEntrySQL).
		WithArgs(sqlmock.AnyArg(), "acc-1", int64(10000), "deposit", sqlmock.AnyArg(), "completed", int64(20000), sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectExec(updateBalanceSQL).WithArgs(int64(20000), testNow, "acc-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectCommit()

	entries := make([]*models.LedgerEntry, 2)
	deposit := func(i int, ref string) func() error {
		return func() error {
			e, err := s.Apply(ctx, ApplyRequest{AccountID: "acc-1", Delta: 10000, Kind: models.EntryKindDeposit, ReferenceID: ref})
			entries[i] = e
			return err
		}
	}
	errs := runConcurrently(deposit(0, "pay-1"), deposit(1, "pay-2"))
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	after := []int64{entries[0].BalanceAfter, entries[1].BalanceAfter}
	assert.ElementsMatch(t, []int64{10000, 20000}, after)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestLedgerService_BalanceMatchesEntrySum(t *testing.T) {
	ctx := context.Background()
	reconcileSQL := `SELECT a.id AS account_id, a.balance, COALESCE\(SUM\(e.delta\), 0\) AS ledger_sum FROM accounts a`

	type step struct {
		kind    models.EntryKind
		ref     string
		delta   int64
		wantErr error
	}

	tests := []struct {
		name  string
		steps []step
	}{
		{
			name: "deposit, losing wager and withdrawal",
			steps: []step{
				{kind: models.EntryKindDeposit, ref: "pay-1", delta: 50000},
				{kind: models.EntryKindWagerDebit, ref: "w1", delta: -10000},
				{kind: models.EntryKindWithdrawal, ref: "pay-2", delta: -40000},
			},
		},
		{
			name: "winning wager, voided wager and rejected overdraft",
			steps: []step{
				{kind: models.EntryKindDeposit, ref: "pay-1", delta: 20000},
				{kind: models.EntryKindWagerDebit, ref: "w1", delta: -10000},
				{kind: models.EntryKindWagerCredit, ref: "w1", delta: 90000},
				{kind: models.EntryKindWagerDebit, ref: "w2", delta: -5000},
				{kind: models.EntryKindWagerRefund, ref: "w2", delta: 5000},
				{kind: models.EntryKindWithdrawal, ref: "pay-2", delta: -200000, wantErr: ErrInsufficientBalance},
				{kind: models.EntryKindReferralReward, ref: "referral:acc-7", delta: 5000},
				{kind: models.EntryKindWithdrawal, ref: "pay-3", delta: -105000},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, sqlMock := newTestDB(t)
			s := newTestLedger(db, newMockAuditLogger())

			var balance, entrySum int64
			version := 1
			for _, st := range tt.steps {
				sqlMock.ExpectBegin()
				if st.wantErr != nil {
					sqlMock.ExpectQuery(lockAccountSQL).WithArgs("acc-1").
						WillReturnRows(sqlmock.NewRows(accountColumns).AddRow("acc-1", balance, version, testNow, testNow))
					sqlMock.ExpectQuery(findEntrySQL).WithArgs("acc-1", string(st.kind), st.ref).
						WillReturnRows(sqlmock.NewRows(entryCols))
					sqlMock.ExpectRollback()
				} else {
					expectApply(sqlMock, "acc-1", balance, version, st.delta, st.kind, st.ref)
					sqlMock.ExpectCommit()
				}

				entry, err := s.Apply(ctx, ApplyRequest{AccountID: "acc-1", Delta: st.delta, Kind: st.kind, ReferenceID: st.ref})
				if st.wantErr != nil {
					require.ErrorIs(t, err, st.wantErr)
					continue
				}
				require.NoError(t, err)

				balance += st.delta
				entrySum += entry.Delta
				version++
				assert.Equal(t, balance, entry.BalanceAfter)
				assert.GreaterOrEqual(t, entry.BalanceAfter, int64(0))
			}

			sqlMock.ExpectQuery(reconcileSQL).WithArgs("acc-1").
				WillReturnRows(sqlmock.NewRows([]string{"account_id", "balance", "ledger_sum"}).AddRow("acc-1", balance, entrySum))

			rec, err := s.Reconcile(ctx, "acc-1")
			require.NoError(t, err)
			assert.True(t, rec.Consistent)
			assert.Zero(t, rec.Drift)
			assert.NoError(t, sqlMock.ExpectationsWereMet())
		})
	}
}
