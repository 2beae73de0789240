package models

import (
	"strconv"
	"time"
)

type WagerStatus string

const (
	WagerStatusOpen WagerStatus = "open"
	WagerStatusWon  WagerStatus = "won"
	WagerStatusLost WagerStatus = "lost"
	WagerStatusVoid WagerStatus = "void"
)

var wagerTransitions = map[WagerStatus][]WagerStatus{
	WagerStatusOpen: {WagerStatusWon, WagerStatusLost, WagerStatusVoid},
}

func (s WagerStatus) Valid() bool {
	switch s {
	case WagerStatusOpen, WagerStatusWon, WagerStatusLost, WagerStatusVoid:
		return true
	}
	return false
}

func (s WagerStatus) CanTransitionTo(next WagerStatus) bool {
	return allowed(wagerTransitions[s], next)
}

// Wager is a stake on a single value of a round. PotentialPayout is frozen at placement.
type Wager struct {
	ID              string      `json:"id" db:"id"`
	AccountID       string      `json:"account_id" db:"account_id"`
	RoundID         string      `json:"round_id" db:"round_id"`
	ChosenValue     string      `json:"chosen_value" db:"chosen_value"`
	Stake           int64       `json:"stake" db:"stake"`
	PotentialPayout int64       `json:"potential_payout" db:"potential_payout"`
	Multiplier      int64       `json:"multiplier" db:"multiplier"`
	Status          WagerStatus `json:"status" db:"status"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	SettledAt       *time.Time  `json:"settled_at,omitempty" db:"settled_at"`
}

// ValueDomain is the inclusive integer range a chosen value or result must fall in.
type ValueDomain struct {
	Min int
	Max int
}

// Contains reports whether v is the canonical decimal form of an integer in the domain.
func (d ValueDomain) Contains(v string) bool {
	n, err := strconv.Atoi(v)
	if err != nil || strconv.Itoa(n) != v {
		return false
	}
	return n >= d.Min && n <= d.Max
}

func allowed[T comparable](targets []T, next T) bool {
	for _, t := range targets {
		if t == next {
			return true
		}
	}
	return false
}
