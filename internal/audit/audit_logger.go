package audit

import (
	"strconv"
	"time"

	"github.com/numberbet/backend/internal/models"
	"go.uber.org/zap"
)

type AuditEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   string            `json:"event_type"`
	ReferenceID string            `json:"reference_id"`
	AccountID   string            `json:"account_id"`
	Amount      int64             `json:"amount"`
	Status      string            `json:"status"`
	Details     map[string]string `json:"details"`
}

// AuditLogger writes one structured record per balance mutation or state transition.
type AuditLogger struct {
	log *zap.Logger
	now func() time.Time
}

func NewAuditLogger(log *zap.Logger) *AuditLogger {
	return &AuditLogger{log: log.Named("audit"), now: time.Now}
}

func (a *AuditLogger) LogEntry(entry *models.LedgerEntry) {
	a.write(AuditEvent{
		EventType:   "LEDGER_" + string(entry.Kind),
		ReferenceID: entry.ReferenceID,
		AccountID:   entry.AccountID,
		Amount:      entry.Delta,
		Status:      string(entry.Status),
		Details: map[string]string{
			"entry_id":      entry.ID,
			"balance_after": models.FormatMinor(entry.BalanceAfter),
		},
	})
}

func (a *AuditLogger) LogSettlement(report *models.SettlementReport) {
	status := "COMPLETE"
	if !report.Complete() {
		status = "PARTIAL"
	}
	a.write(AuditEvent{
		EventType:   "ROUND_SETTLED",
		ReferenceID: report.RoundID,
		Amount:      report.TotalPaid,
		Status:      status,
		Details: map[string]string{
			"result":   report.Result,
			"operator": report.Operator,
			"winners":  strconv.Itoa(report.Winners),
			"losers":   strconv.Itoa(report.Losers),
			"open":     strconv.Itoa(report.Open),
			"failures": strconv.Itoa(len(report.Failures)),
		},
	})
}

func (a *AuditLogger) LogPaymentTransition(req *models.PaymentRequest, from models.PaymentStatus, actor string) {
	a.write(AuditEvent{
		EventType:   "PAYMENT_" + string(req.Type),
		ReferenceID: req.ID,
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Status:      string(req.Status),
		Details: map[string]string{
			"from":  string(from),
			"actor": actor,
		},
	})
}

func (a *AuditLogger) LogError(referenceID, accountID string, err error) {
	a.write(AuditEvent{
		EventType:   "ERROR",
		ReferenceID: referenceID,
		AccountID:   accountID,
		Status:      "FAILED",
		Details:     map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) LogOperation(referenceID, accountID, operation, details string) {
	a.write(AuditEvent{
		EventType:   operation,
		ReferenceID: referenceID,
		AccountID:   accountID,
		Status:      "SUCCESS",
		Details:     map[string]string{"details": details},
	})
}

func (a *AuditLogger) write(event AuditEvent) {
	event.Timestamp = a.now()
	fields := []zap.Field{
		zap.Time("timestamp", event.Timestamp),
		zap.String("event_type", event.EventType),
		zap.String("reference_id", event.ReferenceID),
		zap.String("status", event.Status),
		zap.Int64("amount", event.Amount),
	}
	if event.AccountID != "" {
		fields = append(fields, zap.String("account_id", event.AccountID))
	}
	for k, v := range event.Details {
		fields = append(fields, zap.String(k, v))
	}
	a.log.Info("audit", fields...)
}
