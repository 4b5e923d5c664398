package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"model-arena/server/arena"
	"model-arena/server/rating"
	"model-arena/server/store"
	"model-arena/server/ticket"
)

// pinger is the health-check seam; *store.DB satisfies it.
type pinger interface {
	Ping(ctx context.Context) error
}

func Router(eng *arena.Engine, db pinger, votes *ipRateLimiter, historyLimit int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/api/health", func(w http.ResponseWriter, req *http.Request) {
		if err := db.Ping(req.Context()); err != nil {
			writeErr(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	r.Handle("/metrics", promhttp.Handler())

	// New pairing + single-use ticket
	r.Get("/api/battle", func(w http.ResponseWriter, req *http.Request) {
		b, err := eng.NewBattle(req.Context())
		if err != nil {
			writeEngineErr(w, err)
			return
		}
		writeJSON(w, b)
	})

	// Redeem a ticket with a verdict
	r.With(votes.middleware).Post("/api/vote", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			Ticket  string `json:"ticket"`
			Outcome string `json:"outcome"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeErr(w, http.StatusBadRequest, "bad json")
			return
		}
		res, err := eng.SubmitVote(req.Context(), in.Ticket, in.Outcome)
		if err != nil {
			writeEngineErr(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"rating_a": res.A.Rating,
			"rating_b": res.B.Rating,
			"a":        res.A,
			"b":        res.B,
		})
	})

	r.Get("/api/leaderboard", func(w http.ResponseWriter, req *http.Request) {
		rows, err := eng.ListRatings(req.Context())
		if err != nil {
			writeEngineErr(w, err)
			return
		}
		writeJSON(w, map[string]any{"rows": rows})
	})

	r.Get("/api/competitor", func(w http.ResponseWriter, req *http.Request) {
		id := req.URL.Query().Get("id")
		if id == "" {
			writeErr(w, http.StatusBadRequest, "missing id")
			return
		}
		detail, err := eng.Competitor(req.Context(), id, historyLimit)
		if err != nil {
			writeEngineErr(w, err)
			return
		}
		writeJSON(w, detail)
	})

	r.Post("/api/competitors", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeErr(w, http.StatusBadRequest, "bad json")
			return
		}
		c, err := eng.AddCompetitor(req.Context(), in.ID)
		if err != nil {
			writeEngineErr(w, err)
			return
		}
		writeJSON(w, c)
	})

	r.Get("/api/rating-history", func(w http.ResponseWriter, req *http.Request) {
		id := req.URL.Query().Get("id")
		if id == "" {
			writeErr(w, http.StatusBadRequest, "missing id")
			return
		}
		detail, err := eng.Competitor(req.Context(), id, historyLimit)
		if err != nil {
			writeEngineErr(w, err)
			return
		}
		writeJSON(w, map[string]any{"rows": detail.History})
	})

	return r
}

// statusFor maps engine error kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInsufficientCompetitors):
		return http.StatusConflict
	case errors.Is(err, ticket.ErrInvalidTicket),
		errors.Is(err, rating.ErrInvalidOutcome),
		errors.Is(err, arena.ErrBadCompetitorID):
		return http.StatusBadRequest
	case errors.Is(err, ticket.ErrTicketExpired):
		return http.StatusGone
	case errors.Is(err, store.ErrAlreadyVoted):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnknownCompetitor):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConcurrentUpdateConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		// don't leak driver detail to clients
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// ipRateLimiter keeps one token bucket per client IP for the vote endpoint.
// The bucket map is bounded: once maxBuckets is reached, idle entries are
// swept before a new client gets a bucket, so the map cannot leak one entry
// per IP ever seen.
type ipRateLimiter struct {
	mu         sync.Mutex
	per        map[string]*ipBucket
	limit      rate.Limit
	burst      int
	maxBuckets int
	idleAfter  time.Duration
}

type ipBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPRateLimiter(perMinute, burst int) *ipRateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &ipRateLimiter{
		per:        make(map[string]*ipBucket),
		limit:      rate.Limit(float64(perMinute) / 60.0),
		burst:      burst,
		maxBuckets: 10000,
		idleAfter:  10 * time.Minute,
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	b, ok := l.per[ip]
	if !ok {
		if len(l.per) >= l.maxBuckets {
			l.sweepLocked(now)
		}
		b = &ipBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.per[ip] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.Allow()
}

// sweepLocked evicts idle buckets; if everyone is active it still frees
// arbitrary entries so new clients are never locked out. Callers hold l.mu.
func (l *ipRateLimiter) sweepLocked(now time.Time) {
	for ip, b := range l.per {
		if now.Sub(b.seen) > l.idleAfter {
			delete(l.per, ip)
		}
	}
	for ip := range l.per {
		if len(l.per) < l.maxBuckets {
			break
		}
		delete(l.per, ip)
	}
}

func (l *ipRateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !l.allow(ip) {
			writeErr(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}
