package handlers

import (
	"context"

	"github.com/numberbet/backend/internal/models"
	"github.com/numberbet/backend/internal/services"
	"github.com/stretchr/testify/mock"
)

type MockWagerService struct{ mock.Mock }

func (m *MockWagerService) PlaceWager(ctx context.Context, in services.PlaceWagerInput) (*models.Wager, error) {
	args := m.Called(ctx, in)
	w, _ := args.Get(0).(*models.Wager)
	return w, args.Error(1)
}

func (m *MockWagerService) GetWager(ctx context.Context, wagerID, accountID string) (*models.Wager, error) {
	args := m.Called(ctx, wagerID, accountID)
	w, _ := args.Get(0).(*models.Wager)
	return w, args.Error(1)
}

func (m *MockWagerService) ListAccountWagers(ctx context.Context, accountID string, limit int) ([]models.Wager, error) {
	args := m.Called(ctx, accountID, limit)
	ws, _ := args.Get(0).([]models.Wager)
	return ws, args.Error(1)
}

func (m *MockWagerService) VoidWager(ctx context.Context, wagerID, operator, reason string) (*models.Wager, error) {
	args := m.Called(ctx, wagerID, operator, reason)
	w, _ := args.Get(0).(*models.Wager)
	return w, args.Error(1)
}

type MockLedgerService struct{ mock.Mock }

func (m *MockLedgerService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	args := m.Called(ctx, accountID)
	a, _ := args.Get(0).(*models.Account)
	return a, args.Error(1)
}

func (m *MockLedgerService) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	args := m.Called(ctx, accountID, limit)
	es, _ := args.Get(0).([]models.LedgerEntry)
	return es, args.Error(1)
}

func (m *MockLedgerService) Reconcile(ctx context.Context, accountID string) (*models.AccountReconciliation, error) {
	args := m.Called(ctx, accountID)
	r, _ := args.Get(0).(*models.AccountReconciliation)
	return r, args.Error(1)
}

type MockReferralService struct{ mock.Mock }

func (m *MockReferralService) Reward(ctx context.Context, in services.ReferralRewardInput) (*models.LedgerEntry, error) {
	args := m.Called(ctx, in)
	e, _ := args.Get(0).(*models.LedgerEntry)
	return e, args.Error(1)
}

type MockPaymentService struct{ mock.Mock }

func (m *MockPaymentService) payment(args mock.Arguments) (*models.PaymentRequest, error) {
	p, _ := args.Get(0).(*models.PaymentRequest)
	return p, args.Error(1)
}

func (m *MockPaymentService) CreateDeposit(ctx context.Context, accountID string, amount int64) (*models.PaymentRequest, error) {
	return m.payment(m.Called(ctx, accountID, amount))
}

func (m *MockPaymentService) CreateWithdrawal(ctx context.Context, accountID string, amount int64) (*models.PaymentRequest, error) {
	return m.payment(m.Called(ctx, accountID, amount))
}

func (m *MockPaymentService) SubmitProof(ctx context.Context, requestID, accountID, proofRef string) (*models.PaymentRequest, error) {
	return m.payment(m.Called(ctx, requestID, accountID, proofRef))
}

func (m *MockPaymentService) Cancel(ctx context.Context, requestID, accountID string) (*models.PaymentRequest, error) {
	return m.payment(m.Called(ctx, requestID, accountID))
}

func (m *MockPaymentService) Approve(ctx context.Context, requestID, reviewer string) (*models.PaymentRequest, error) {
	return m.payment(m.Called(ctx, requestID, reviewer))
}

func (m *MockPaymentService) Reject(ctx context.Context, requestID, reviewer, note string) (*models.PaymentRequest, error) {
	return m.payment(m.Called(ctx, requestID, reviewer, note))
}

func (m *MockPaymentService) Get(ctx context.Context, requestID, accountID string) (*models.PaymentRequest, error) {
	return m.payment(m.Called(ctx, requestID, accountID))
}

func (m *MockPaymentService) ListByStatus(ctx context.Context, status models.PaymentStatus, limit int) ([]models.PaymentRequest, error) {
	args := m.Called(ctx, status, limit)
	ps, _ := args.Get(0).([]models.PaymentRequest)
	return ps, args.Error(1)
}

func (m *MockPaymentService) ListForAccount(ctx context.Context, accountID string, limit int) ([]models.PaymentRequest, error) {
	args := m.Called(ctx, accountID, limit)
	ps, _ := args.Get(0).([]models.PaymentRequest)
	return ps, args.Error(1)
}

type MockSettlementService struct{ mock.Mock }

func (m *MockSettlementService) SettleRound(ctx context.Context, in services.SettleRoundInput) (*models.SettlementReport, error) {
	args := m.Called(ctx, in)
	r, _ := args.Get(0).(*models.SettlementReport)
	return r, args.Error(1)
}

func (m *MockSettlementService) GetReport(ctx context.Context, roundID string) (*models.SettlementReport, error) {
	args := m.Called(ctx, roundID)
	r, _ := args.Get(0).(*models.SettlementReport)
	return r, args.Error(1)
}
