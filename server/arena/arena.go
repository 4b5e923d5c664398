// Package arena wires the pairing selector, vote ingestor, and leaderboard
// reader on top of the rating store.
package arena

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"model-arena/server/metrics"
	"model-arena/server/rating"
	"model-arena/server/store"
	"model-arena/server/ticket"
)

var ErrBadCompetitorID = errors.New("bad competitor id")

// Store is what the engine needs from the durable rating store. *store.DB
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	PickPair(ctx context.Context) (idA, idB string, err error)
	ApplyVote(ctx context.Context, args store.VoteArgs) (a, b rating.Competitor, err error)
	ListRatings(ctx context.Context) ([]rating.Competitor, error)
	GetCompetitor(ctx context.Context, id string) (rating.Competitor, error)
	UpsertCompetitor(ctx context.Context, id string) (rating.Competitor, error)
	RatingHistory(ctx context.Context, id string, limit int) ([]store.HistoryPoint, error)
	PurgeExpiredTickets(ctx context.Context) (int64, error)
}

// Config tunes the rating algorithm.
type Config struct {
	K float64
	// ProvisionalVotes is the vote count below which K is boosted; 0 disables.
	ProvisionalVotes int
}

// Engine is the rating engine behind the model leaderboard.
type Engine struct {
	store  Store
	signer *ticket.Signer
	cfg    Config
	now    func() time.Time
}

func New(s Store, signer *ticket.Signer, cfg Config) *Engine {
	if cfg.K <= 0 {
		cfg.K = rating.DefaultK
	}
	return &Engine{store: s, signer: signer, cfg: cfg, now: time.Now}
}

// Battle is a fresh pairing plus the ticket that authorizes one vote on it.
type Battle struct {
	IDA       string    `json:"id_a"`
	IDB       string    `json:"id_b"`
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VoteResult is both competitors' state after a vote has been applied.
type VoteResult struct {
	A rating.Competitor `json:"a"`
	B rating.Competitor `json:"b"`
}

// NewBattle draws a random pairing and issues its single-use ticket.
func (e *Engine) NewBattle(ctx context.Context) (Battle, error) {
	idA, idB, err := e.store.PickPair(ctx)
	if err != nil {
		return Battle{}, err
	}
	t, err := e.signer.Issue(idA, idB, e.now())
	if err != nil {
		return Battle{}, fmt.Errorf("issue ticket: %w", err)
	}
	// Piggyback consumed-nonce cleanup on the read path; tickets past their
	// window are rejected by signature/expiry checks alone.
	if n, err := e.store.PurgeExpiredTickets(ctx); err != nil {
		log.Printf("purge expired tickets: %v", err)
	} else if n > 0 {
		log.Printf("purged %d expired ticket nonces", n)
	}
	metrics.BattlesIssued.Inc()
	return Battle{IDA: idA, IDB: idB, Ticket: t.Raw, ExpiresAt: t.ExpiresAt}, nil
}

// SubmitVote validates the ticket and outcome, then applies the result
// transactionally. Validation failures reject before any transaction opens.
func (e *Engine) SubmitVote(ctx context.Context, rawTicket, outcome string) (VoteResult, error) {
	claims, err := e.signer.Verify(rawTicket, e.now())
	if err != nil {
		metrics.VoteFailures.WithLabelValues(failureReason(err)).Inc()
		return VoteResult{}, err
	}
	o, err := rating.ParseOutcome(outcome)
	if err != nil {
		metrics.VoteFailures.WithLabelValues(failureReason(err)).Inc()
		return VoteResult{}, err
	}
	a, b, err := e.store.ApplyVote(ctx, store.VoteArgs{
		Nonce:            claims.Nonce,
		TicketExpiresAt:  claims.IssuedAt.Add(e.signer.TTL()),
		IDA:              claims.IDA,
		IDB:              claims.IDB,
		Outcome:          o,
		K:                e.cfg.K,
		ProvisionalVotes: e.cfg.ProvisionalVotes,
	})
	if err != nil {
		metrics.VoteFailures.WithLabelValues(failureReason(err)).Inc()
		return VoteResult{}, err
	}
	metrics.VotesApplied.WithLabelValues(string(o)).Inc()
	return VoteResult{A: a, B: b}, nil
}

// ListRatings is the leaderboard projection.
func (e *Engine) ListRatings(ctx context.Context) ([]rating.Competitor, error) {
	return e.store.ListRatings(ctx)
}

// CompetitorDetail is one career row plus its recent vote history.
type CompetitorDetail struct {
	Competitor rating.Competitor    `json:"competitor"`
	History    []store.HistoryPoint `json:"history"`
}

func (e *Engine) Competitor(ctx context.Context, id string, historyLimit int) (CompetitorDetail, error) {
	c, err := e.store.GetCompetitor(ctx, id)
	if err != nil {
		return CompetitorDetail{}, err
	}
	h, err := e.store.RatingHistory(ctx, id, historyLimit)
	if err != nil {
		return CompetitorDetail{}, err
	}
	return CompetitorDetail{Competitor: c, History: h}, nil
}

// AddCompetitor registers a competitor id, creating its rating row at the
// baseline if new. Idempotent.
func (e *Engine) AddCompetitor(ctx context.Context, id string) (rating.Competitor, error) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > 128 || strings.ContainsRune(id, '|') {
		return rating.Competitor{}, fmt.Errorf("%w: %q", ErrBadCompetitorID, id)
	}
	return e.store.UpsertCompetitor(ctx, id)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ticket.ErrInvalidTicket):
		return "invalid_ticket"
	case errors.Is(err, ticket.ErrTicketExpired):
		return "ticket_expired"
	case errors.Is(err, rating.ErrInvalidOutcome):
		return "invalid_outcome"
	case errors.Is(err, store.ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, store.ErrConcurrentUpdateConflict):
		return "conflict"
	case errors.Is(err, store.ErrStorageUnavailable):
		return "storage"
	default:
		return "other"
	}
}
