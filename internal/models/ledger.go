package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// EntryKind classifies a ledger entry. The sign of an entry's delta is fixed by its kind.
type EntryKind string

const (
	EntryKindDeposit        EntryKind = "deposit"
	EntryKindWithdrawal     EntryKind = "withdrawal"
	EntryKindWagerDebit     EntryKind = "wager_debit"
	EntryKindWagerCredit    EntryKind = "wager_credit"
	EntryKindWagerRefund    EntryKind = "wager_refund"
	EntryKindReferralReward EntryKind = "referral_reward"
)

func (k EntryKind) Valid() bool {
	switch k {
	case EntryKindDeposit, EntryKindWithdrawal, EntryKindWagerDebit,
		EntryKindWagerCredit, EntryKindWagerRefund, EntryKindReferralReward:
		return true
	}
	return false
}

// IsCredit reports whether entries of this kind add to the balance.
func (k EntryKind) IsCredit() bool {
	switch k {
	case EntryKindDeposit, EntryKindWagerCredit, EntryKindWagerRefund, EntryKindReferralReward:
		return true
	}
	return false
}

type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusFailed    EntryStatus = "failed"
	EntryStatusCancelled EntryStatus = "cancelled"
)

// LedgerEntry is an immutable balance mutation. (AccountID, Kind, ReferenceID) is unique.
type LedgerEntry struct {
	ID           string         `json:"id" db:"id"`
	AccountID    string         `json:"account_id" db:"account_id"`
	Delta        int64          `json:"delta" db:"delta"` // minor units
	Kind         EntryKind      `json:"kind" db:"kind"`
	ReferenceID  string         `json:"reference_id" db:"reference_id"`
	Status       EntryStatus    `json:"status" db:"status"`
	BalanceAfter int64          `json:"balance_after" db:"balance_after"`
	Metadata     types.JSONText `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`

	// Replayed is set when the entry already existed and nothing was mutated.
	Replayed bool `json:"replayed,omitempty" db:"-"`
}

type Account struct {
	ID        string    `json:"id" db:"id"`
	Balance   int64     `json:"balance" db:"balance"`
	Version   int       `json:"version" db:"version"` // for optimistic locking
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AccountReconciliation compares a stored balance against the sum of its completed entries.
type AccountReconciliation struct {
	AccountID  string `json:"account_id" db:"account_id"`
	Balance    int64  `json:"balance" db:"balance"`
	LedgerSum  int64  `json:"ledger_sum" db:"ledger_sum"`
	Drift      int64  `json:"drift"`
	Consistent bool   `json:"consistent"`
}
