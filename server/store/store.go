package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"model-arena/server/rating"
)

//go:embed schema.sql
var schema embed.FS

// DB is the durable rating store. All cross-request coordination goes
// through it; request handlers hold no shared in-process state.
type DB struct {
	*pgxpool.Pool

	// VoteRetries bounds how often ApplyVote re-runs its transaction after
	// a serialization conflict before surfacing ErrConcurrentUpdateConflict.
	VoteRetries int
}

func Open(dsn string) (*DB, error) {
	p, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &DB{Pool: p, VoteRetries: 3}, nil
}

func (db *DB) Close(ctx context.Context)      { db.Pool.Close() }
func (db *DB) Ping(ctx context.Context) error { return db.Pool.Ping(ctx) }

func Migrate(ctx context.Context, db *DB) error {
	sqlBytes, err := schema.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, string(sqlBytes))
	return err
}

/* -----------------------------
   Competitor reads and seeding
------------------------------*/

// UpsertCompetitor registers a competitor, creating its rating row at the
// baseline on first sight, and returns the current row.
func (db *DB) UpsertCompetitor(ctx context.Context, id string) (rating.Competitor, error) {
	if _, err := db.Exec(ctx, `
        INSERT INTO model_ratings(id) VALUES ($1)
        ON CONFLICT (id) DO NOTHING
    `, id); err != nil {
		return rating.Competitor{}, storeErr(err)
	}
	return db.GetCompetitor(ctx, id)
}

func (db *DB) GetCompetitor(ctx context.Context, id string) (rating.Competitor, error) {
	var c rating.Competitor
	err := db.QueryRow(ctx, `
        SELECT id, rating, total_votes, wins, losses, ties, created_at, updated_at
          FROM model_ratings
         WHERE id = $1
    `, id).Scan(&c.ID, &c.Rating, &c.TotalVotes, &c.Wins, &c.Losses, &c.Ties, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rating.Competitor{}, fmt.Errorf("%w: %s", ErrUnknownCompetitor, id)
	}
	if err != nil {
		return rating.Competitor{}, storeErr(err)
	}
	return c, nil
}

// PickPair draws two distinct competitor ids uniformly at random from the
// competitor set as it exists right now. No weighting by rating or votes.
func (db *DB) PickPair(ctx context.Context) (idA, idB string, err error) {
	rows, err := db.Query(ctx, `SELECT id FROM model_ratings ORDER BY random() LIMIT 2`)
	if err != nil {
		return "", "", storeErr(err)
	}
	defer rows.Close()
	ids := make([]string, 0, 2)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", "", storeErr(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", "", storeErr(err)
	}
	if len(ids) < 2 {
		return "", "", ErrInsufficientCompetitors
	}
	return ids[0], ids[1], nil
}

// ListRatings returns the leaderboard projection: rating descending, ties
// broken by id so unchanged data reads back identically.
func (db *DB) ListRatings(ctx context.Context) ([]rating.Competitor, error) {
	rows, err := db.Query(ctx, `
        SELECT id, rating, total_votes, wins, losses, ties, created_at, updated_at
          FROM model_ratings
         ORDER BY rating DESC, id ASC
    `)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	out := []rating.Competitor{}
	for rows.Next() {
		var c rating.Competitor
		if err := rows.Scan(&c.ID, &c.Rating, &c.TotalVotes, &c.Wins, &c.Losses, &c.Ties, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, storeErr(err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

// HistoryPoint is one applied vote as seen from a single competitor.
type HistoryPoint struct {
	Opponent  string    `json:"opponent"`
	Outcome   string    `json:"outcome"`
	Rating    float64   `json:"rating"`
	CreatedAt time.Time `json:"created_at"`
}

// RatingHistory returns the most recent applied votes involving id, newest
// first. Outcome and rating are reported from id's point of view.
func (db *DB) RatingHistory(ctx context.Context, id string, limit int) ([]HistoryPoint, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.Query(ctx, `
        SELECT CASE WHEN id_a = $1 THEN id_b ELSE id_a END AS opponent,
               CASE WHEN id_a = $1 THEN outcome
                    WHEN outcome = 'A_WIN' THEN 'B_WIN'
                    WHEN outcome = 'B_WIN' THEN 'A_WIN'
                    ELSE outcome END AS outcome,
               CASE WHEN id_a = $1 THEN rating_a ELSE rating_b END AS rating,
               created_at
          FROM rating_history
         WHERE id_a = $1 OR id_b = $1
         ORDER BY id DESC
         LIMIT $2
    `, id, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	out := []HistoryPoint{}
	for rows.Next() {
		var h HistoryPoint
		if err := rows.Scan(&h.Opponent, &h.Outcome, &h.Rating, &h.CreatedAt); err != nil {
			return nil, storeErr(err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

// PurgeExpiredTickets drops consumption records whose tickets can no longer
// be replayed anyway. Called opportunistically; there is no background task.
func (db *DB) PurgeExpiredTickets(ctx context.Context) (int64, error) {
	tag, err := db.Exec(ctx, `DELETE FROM consumed_tickets WHERE expires_at < now()`)
	if err != nil {
		return 0, storeErr(err)
	}
	return tag.RowsAffected(), nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
