package models

import "time"

type RoundStatus string

const (
	RoundStatusScheduled RoundStatus = "scheduled"
	RoundStatusActive    RoundStatus = "active"
	RoundStatusCompleted RoundStatus = "completed"
	RoundStatusCancelled RoundStatus = "cancelled"
)

var roundTransitions = map[RoundStatus][]RoundStatus{
	RoundStatusScheduled: {RoundStatusActive, RoundStatusCancelled},
	RoundStatusActive:    {RoundStatusCompleted, RoundStatusCancelled},
}

func (s RoundStatus) Valid() bool {
	switch s {
	case RoundStatusScheduled, RoundStatusActive, RoundStatusCompleted, RoundStatusCancelled:
		return true
	}
	return false
}

func (s RoundStatus) CanTransitionTo(next RoundStatus) bool {
	return allowed(roundTransitions[s], next)
}

// GameRound is created and activated by the scheduler; this service only completes it.
type GameRound struct {
	ID        string      `json:"id" db:"id"`
	StartTime time.Time   `json:"start_time" db:"start_time"`
	EndTime   time.Time   `json:"end_time" db:"end_time"`
	Status    RoundStatus `json:"status" db:"status"`
	Result    *string     `json:"result,omitempty" db:"result"`
	SettledAt *time.Time  `json:"settled_at,omitempty" db:"settled_at"`
}

// AcceptsWagers reports whether a wager placed at now may join the round.
func (r *GameRound) AcceptsWagers(now time.Time) bool {
	return r.Status == RoundStatusActive && !now.Before(r.StartTime) && now.Before(r.EndTime)
}

// Ended reports whether the round's end time has passed at now.
func (r *GameRound) Ended(now time.Time) bool {
	return !now.Before(r.EndTime)
}
