package models

import "time"

type PaymentType string

const (
	PaymentTypeDeposit    PaymentType = "deposit"
	PaymentTypeWithdrawal PaymentType = "withdrawal"
)

func (t PaymentType) Valid() bool {
	return t == PaymentTypeDeposit || t == PaymentTypeWithdrawal
}

// EntryKind returns the ledger kind an approved request of this type is applied with.
func (t PaymentType) EntryKind() EntryKind {
	if t == PaymentTypeWithdrawal {
		return EntryKindWithdrawal
	}
	return EntryKindDeposit
}

type PaymentStatus string

const (
	PaymentStatusPendingProof  PaymentStatus = "pending_proof"
	PaymentStatusPendingReview PaymentStatus = "pending_review"
	PaymentStatusApproved      PaymentStatus = "approved"
	PaymentStatusRejected      PaymentStatus = "rejected"
	PaymentStatusCancelled     PaymentStatus = "cancelled"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPendingProof:  {PaymentStatusPendingReview, PaymentStatusCancelled},
	PaymentStatusPendingReview: {PaymentStatusApproved, PaymentStatusRejected, PaymentStatusCancelled},
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPendingProof, PaymentStatusPendingReview, PaymentStatusApproved,
		PaymentStatusRejected, PaymentStatusCancelled:
		return true
	}
	return false
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return allowed(paymentTransitions[s], next)
}

// Terminal reports whether no further transition is possible.
func (s PaymentStatus) Terminal() bool {
	return len(paymentTransitions[s]) == 0
}

type PaymentRequest struct {
	ID         string        `json:"id" db:"id"`
	AccountID  string        `json:"account_id" db:"account_id"`
	Type       PaymentType   `json:"type" db:"type"`
	Amount     int64         `json:"amount" db:"amount"` // minor units, always positive
	Status     PaymentStatus `json:"status" db:"status"`
	ProofRef   *string       `json:"proof_ref,omitempty" db:"proof_ref"`
	ReviewedBy *string       `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewNote *string       `json:"review_note,omitempty" db:"review_note"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" db:"updated_at"`
	ReviewedAt *time.Time    `json:"reviewed_at,omitempty" db:"reviewed_at"`
}

// SignedAmount is the ledger delta an approval applies.
func (p *PaymentRequest) SignedAmount() int64 {
	if p.Type == PaymentTypeWithdrawal {
		return -p.Amount
	}
	return p.Amount
}
