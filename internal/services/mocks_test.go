package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/numberbet/backend/internal/models"
	"github.com/numberbet/backend/internal/notify"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockAuditLogger struct {
	mock.Mock
}

func (m *MockAuditLogger) LogEntry(entry *models.LedgerEntry) {
	m.Called(entry)
}

func (m *MockAuditLogger) LogSettlement(report *models.SettlementReport) {
	m.Called(report)
}

func (m *MockAuditLogger) LogPaymentTransition(req *models.PaymentRequest, from models.PaymentStatus, actor string) {
	m.Called(req, from, actor)
}

func (m *MockAuditLogger) LogError(referenceID, accountID string, err error) {
	m.Called(referenceID, accountID, err)
}

func (m *MockAuditLogger) LogOperation(referenceID, accountID, operation, details string) {
	m.Called(referenceID, accountID, operation, details)
}

// newMockAuditLogger accepts any audit call; tests assert on the calls they care about.
func newMockAuditLogger() *MockAuditLogger {
	m := &MockAuditLogger{}
	m.On("LogEntry", mock.Anything).Maybe()
	m.On("LogSettlement", mock.Anything).Maybe()
	m.On("LogPaymentTransition", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("LogError", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("LogOperation", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	return m
}

// recordingNotifier keeps every dispatched event.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Dispatch(_ context.Context, events ...notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recordingNotifier) all() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func (r *recordingNotifier) ofType(t notify.EventType) []notify.Event {
	var out []notify.Event
	for _, e := range r.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var pqUniqueViolation = pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}

var testNow = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newTestDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func newTestLedger(db *sqlx.DB, audit AuditTrail) *LedgerService {
	s := NewLedgerService(db, audit, zap.NewNop())
	s.now = fixedClock
	return s
}

var (
	accountColumns = []string{"id", "balance", "version", "created_at", "updated_at"}
	entryCols      = []string{"id", "account_id", "delta", "kind", "reference_id", "status", "balance_after", "metadata", "created_at"}
	wagerCols      = []string{"id", "account_id", "round_id", "chosen_value", "stake", "potential_payout", "multiplier", "status", "created_at", "settled_at"}
	roundColumns   = []string{"id", "start_time", "end_time", "status", "result", "settled_at"}
	paymentCols    = []string{"id", "account_id", "type", "amount", "status", "proof_ref", "reviewed_by", "review_note", "created_at", "updated_at", "reviewed_at"}
)

const (
	lockAccountSQL   = `SELECT id, balance, version, created_at, updated_at FROM accounts WHERE id = \$1 FOR UPDATE`
	findEntrySQL     = `SELECT (.+) FROM ledger_entries WHERE account_id = \$1 AND kind = \$2 AND reference_id = \$3`
	insertEntrySQL   = `INSERT INTO ledger_entries`
	updateBalanceSQL = `UPDATE accounts SET balance = \$1, version = version \+ 1, updated_at = \$2 WHERE id = \$3 AND version = \$4`
)

// expectApply queues the statements of a successful first-time ledger apply inside an open transaction.
func expectApply(mock sqlmock.Sqlmock, accountID string, balance int64, version int, delta int64, kind models.EntryKind, reference string) {
	mock.ExpectQuery(lockAccountSQL).
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow(accountID, balance, version, testNow, testNow))
	mock.ExpectQuery(findEntrySQL).
		WithArgs(accountID, string(kind), reference).
		WillReturnRows(sqlmock.NewRows(entryCols))
	mock.ExpectExec(insertEntrySQL).
		WithArgs(sqlmock.AnyArg(), accountID, delta, string(kind), reference, "completed", balance+delta, sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateBalanceSQL).
		WithArgs(balance+delta, testNow, accountID, version).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func roundRow(id string, status models.RoundStatus, start, end time.Time, result any) *sqlmock.Rows {
	return sqlmock.NewRows(roundColumns).AddRow(id, start, end, string(status), result, nil)
}

func wagerRow(rows *sqlmock.Rows, w models.Wager) *sqlmock.Rows {
	var settled any
	if w.SettledAt != nil {
		settled = *w.SettledAt
	}
	return rows.AddRow(w.ID, w.AccountID, w.RoundID, w.ChosenValue, w.Stake, w.PotentialPayout, w.Multiplier, string(w.Status), w.CreatedAt, settled)
}
