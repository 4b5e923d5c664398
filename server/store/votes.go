package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"model-arena/server/metrics"
	"model-arena/server/rating"
)

// VoteArgs carries one validated vote into the store.
type VoteArgs struct {
	Nonce           uuid.UUID
	TicketExpiresAt time.Time
	IDA, IDB        string
	Outcome         rating.Outcome
	K               float64
	// ProvisionalVotes enables the early-career K boost; <= 0 disables it.
	ProvisionalVotes int
}

// ApplyVote commits one vote as a single transaction: the nonce consumption
// marker, both rating rows, and the history row land together or not at all.
// Serialization conflicts are retried up to db.VoteRetries times with jittered
// backoff before ErrConcurrentUpdateConflict is surfaced; the ticket stays
// redeemable until its expiry, so the caller may simply resubmit.
func (db *DB) ApplyVote(ctx context.Context, args VoteArgs) (a, b rating.Competitor, err error) {
	start := time.Now()
	defer func() { metrics.VoteTxSeconds.Observe(time.Since(start).Seconds()) }()

	return applyWithRetry(ctx, db.VoteRetries, func(ctx context.Context) (rating.Competitor, rating.Competitor, error) {
		return db.applyVoteOnce(ctx, args)
	})
}

// applyWithRetry runs one vote attempt, retrying transaction conflicts up to
// attempts extra times. Every error leaving here carries one of the store's
// sentinel kinds.
func applyWithRetry(ctx context.Context, attempts int, once func(context.Context) (rating.Competitor, rating.Competitor, error)) (a, b rating.Competitor, err error) {
	if attempts < 0 {
		attempts = 0
	}
	for i := 0; ; i++ {
		a, b, err = once(ctx)
		if err == nil {
			return a, b, nil
		}
		if !retryableTxErr(err) {
			return rating.Competitor{}, rating.Competitor{}, classifyVoteErr(ctx, err)
		}
		if i >= attempts {
			return rating.Competitor{}, rating.Competitor{}, fmt.Errorf("%w after %d attempts: %v", ErrConcurrentUpdateConflict, i+1, err)
		}
		metrics.VoteRetries.Inc()
		select {
		case <-ctx.Done():
			return rating.Competitor{}, rating.Competitor{}, fmt.Errorf("%w: %v", ErrConcurrentUpdateConflict, ctx.Err())
		case <-time.After(time.Duration(10+rand.IntN(40*(i+1))) * time.Millisecond):
		}
	}
}

// classifyVoteErr folds a non-retryable attempt failure into the error
// taxonomy. A lock wait cut short by the request deadline is contention, not
// a storage fault: the ticket is still live and the caller may resubmit, so
// it surfaces as ErrConcurrentUpdateConflict. Anything else unclassified is
// the store misbehaving.
func classifyVoteErr(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrAlreadyVoted),
		errors.Is(err, ErrConcurrentUpdateConflict),
		errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrInsufficientCompetitors),
		errors.Is(err, ErrUnknownCompetitor):
		return err
	case ctx.Err() != nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrConcurrentUpdateConflict, err)
	default:
		return storeErr(err)
	}
}

func (db *DB) applyVoteOnce(ctx context.Context, args VoteArgs) (rating.Competitor, rating.Competitor, error) {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return rating.Competitor{}, rating.Competitor{}, storeErr(err)
	}
	defer tx.Rollback(ctx) // safe if already committed

	// Consume the nonce first. The primary key makes a concurrent or repeated
	// redemption of the same ticket fail here, before any row locks are taken.
	if _, err := tx.Exec(ctx, `
        INSERT INTO consumed_tickets(nonce, expires_at) VALUES ($1, $2)
    `, args.Nonce, args.TicketExpiresAt); err != nil {
		if isUniqueViolation(err) {
			return rating.Competitor{}, rating.Competitor{}, ErrAlreadyVoted
		}
		return rating.Competitor{}, rating.Competitor{}, err
	}

	// Lock both rows in sorted-id order, whatever the request called A and B.
	// Two in-flight votes that share a competitor then always contend in the
	// same direction, so no deadlock cycle can form.
	first, second := args.IDA, args.IDB
	if second < first {
		first, second = second, first
	}
	locked := make(map[string]rating.Competitor, 2)
	for _, id := range []string{first, second} {
		c, err := lockCompetitor(ctx, tx, id)
		if err != nil {
			return rating.Competitor{}, rating.Competitor{}, err
		}
		locked[id] = c
	}
	a, b := locked[args.IDA], locked[args.IDB]

	k := rating.EffectiveK(args.K, a.TotalVotes, b.TotalVotes, args.ProvisionalVotes)
	newA, newB := rating.Update(a.Rating, b.Rating, args.Outcome, k)
	sa, sb := rating.Scores(args.Outcome)

	a, err = updateCompetitor(ctx, tx, a, newA, sa)
	if err != nil {
		return rating.Competitor{}, rating.Competitor{}, err
	}
	b, err = updateCompetitor(ctx, tx, b, newB, sb)
	if err != nil {
		return rating.Competitor{}, rating.Competitor{}, err
	}

	if _, err := tx.Exec(ctx, `
        INSERT INTO rating_history(id_a, id_b, outcome, rating_a, rating_b)
        VALUES ($1, $2, $3, $4, $5)
    `, args.IDA, args.IDB, string(args.Outcome), newA, newB); err != nil {
		return rating.Competitor{}, rating.Competitor{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return rating.Competitor{}, rating.Competitor{}, err
	}
	return a, b, nil
}

// lockCompetitor creates the rating row at the baseline if it is missing,
// then takes its row lock for the rest of the transaction.
func lockCompetitor(ctx context.Context, tx pgx.Tx, id string) (rating.Competitor, error) {
	if _, err := tx.Exec(ctx, `
        INSERT INTO model_ratings(id) VALUES ($1) ON CONFLICT (id) DO NOTHING
    `, id); err != nil {
		return rating.Competitor{}, err
	}
	var c rating.Competitor
	err := tx.QueryRow(ctx, `
        SELECT id, rating, total_votes, wins, losses, ties, created_at, updated_at
          FROM model_ratings
         WHERE id = $1
           FOR UPDATE
    `, id).Scan(&c.ID, &c.Rating, &c.TotalVotes, &c.Wins, &c.Losses, &c.Ties, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// updateCompetitor persists one side's new rating and counters. score is that
// side's actual score for the vote: 1 win, 0 loss, 0.5 tie.
func updateCompetitor(ctx context.Context, tx pgx.Tx, c rating.Competitor, newRating, score float64) (rating.Competitor, error) {
	winInc, lossInc, tieInc := 0, 0, 0
	switch score {
	case 1:
		winInc = 1
	case 0:
		lossInc = 1
	default:
		tieInc = 1
	}
	err := tx.QueryRow(ctx, `
        UPDATE model_ratings
           SET rating = $2,
               total_votes = total_votes + 1,
               wins = wins + $3,
               losses = losses + $4,
               ties = ties + $5,
               updated_at = now()
         WHERE id = $1
     RETURNING id, rating, total_votes, wins, losses, ties, created_at, updated_at
    `, c.ID, newRating, winInc, lossInc, tieInc).
		Scan(&c.ID, &c.Rating, &c.TotalVotes, &c.Wins, &c.Losses, &c.Ties, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func retryableTxErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected, lock_not_available
		return pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "55P03"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
