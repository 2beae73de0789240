package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// WagerFailure records a wager that could not be settled in a run. The sweep retries it.
type WagerFailure struct {
	WagerID string `json:"wager_id"`
	Stage   string `json:"stage"`
	Reason  string `json:"reason"`
}

// WagerFailures is stored as a JSON array column.
type WagerFailures []WagerFailure

func (f WagerFailures) Value() (driver.Value, error) {
	if f == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(f)
}

func (f *WagerFailures) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*f = WagerFailures{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into WagerFailures", src)
	}
	if len(data) == 0 {
		*f = WagerFailures{}
		return nil
	}
	return json.Unmarshal(data, f)
}

// SettlementReport is persisted once per round and refreshed by every settlement pass.
type SettlementReport struct {
	RoundID     string        `json:"round_id" db:"round_id"`
	Result      string        `json:"result" db:"result"`
	Operator    string        `json:"operator" db:"operator"`
	TotalWagers int           `json:"total_wagers" db:"total_wagers"`
	Winners     int           `json:"winners" db:"winners"`
	Losers      int           `json:"losers" db:"losers"`
	Voided      int           `json:"voided" db:"voided"`
	Open        int           `json:"open" db:"open_wagers"`
	TotalStaked int64         `json:"total_staked" db:"total_staked"`
	TotalPaid   int64         `json:"total_paid" db:"total_paid"`
	Failures    WagerFailures `json:"failures" db:"failures"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`

	// Replayed is set when the round had already been completed by an earlier call.
	Replayed bool `json:"replayed,omitempty" db:"-"`
}

// Complete reports whether every wager of the round has reached a terminal status.
func (r *SettlementReport) Complete() bool {
	return r.Open == 0 && len(r.Failures) == 0
}
