// Package rating holds the pairwise comparison math and the competitor
// row type shared by the store and the arena engine.
package rating

import (
	"errors"
	"math"
	"strings"
	"time"
)

const (
	// Baseline is the rating a competitor starts at on first insertion.
	Baseline = 1500.0
	// DefaultK is the base K-factor applied to every vote.
	DefaultK = 32.0
)

var ErrInvalidOutcome = errors.New("invalid outcome")

// Outcome is the voter's verdict on a battle.
type Outcome string

const (
	AWin Outcome = "A_WIN"
	BWin Outcome = "B_WIN"
	Tie  Outcome = "TIE"
)

// ParseOutcome accepts the wire form of an outcome, case-insensitively.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(strings.ToUpper(strings.TrimSpace(s))) {
	case AWin:
		return AWin, nil
	case BWin:
		return BWin, nil
	case Tie:
		return Tie, nil
	default:
		return "", ErrInvalidOutcome
	}
}

// Competitor is one leaderboard row.
type Competitor struct {
	ID         string    `json:"id"`
	Rating     float64   `json:"rating"`
	TotalVotes int       `json:"total_votes"`
	Wins       int       `json:"wins"`
	Losses     int       `json:"losses"`
	Ties       int       `json:"ties"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Expected returns the predicted win probabilities for both sides.
func Expected(ra, rb float64) (ea, eb float64) {
	ea = 1.0 / (1.0 + math.Pow(10, (rb-ra)/400.0))
	return ea, 1.0 - ea
}

// Scores maps an outcome to actual scores (sa, sb).
func Scores(o Outcome) (sa, sb float64) {
	switch o {
	case AWin:
		return 1, 0
	case BWin:
		return 0, 1
	default:
		return 0.5, 0.5
	}
}

// Update applies one outcome with a shared K and returns the new ratings.
// The same K on both sides keeps each battle zero-sum: na+nb == ra+rb.
func Update(ra, rb float64, o Outcome, k float64) (na, nb float64) {
	ea, eb := Expected(ra, rb)
	sa, sb := Scores(o)
	return ra + k*(sa-ea), rb + k*(sb-eb)
}

// EffectiveK boosts K while either side is still provisional (few recorded
// votes), annealing back to base as the less-established side accumulates
// votes. The boost is shared by both sides so zero-sum still holds.
// provisionalVotes <= 0 disables the boost.
func EffectiveK(base float64, votesA, votesB, provisionalVotes int) float64 {
	if provisionalVotes <= 0 {
		return base
	}
	v := votesA
	if votesB < v {
		v = votesB
	}
	if v >= provisionalVotes {
		return base
	}
	return base * (2.0 - float64(v)/float64(provisionalVotes))
}
