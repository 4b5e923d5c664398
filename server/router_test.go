package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"model-arena/server/arena"
	"model-arena/server/rating"
	"model-arena/server/store"
	"model-arena/server/ticket"
)

// memStore is a minimal in-memory arena.Store for handler tests.
type memStore struct {
	mu       sync.Mutex
	rows     map[string]*rating.Competitor
	consumed map[uuid.UUID]struct{}
	pingErr  error
}

func newMemStore(ids ...string) *memStore {
	m := &memStore{rows: map[string]*rating.Competitor{}, consumed: map[uuid.UUID]struct{}{}}
	for _, id := range ids {
		m.rows[id] = &rating.Competitor{ID: id, Rating: rating.Baseline}
	}
	return m
}

func (m *memStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *memStore) PickPair(ctx context.Context) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rows) < 2 {
		return "", "", store.ErrInsufficientCompetitors
	}
	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0], ids[1], nil
}

func (m *memStore) ApplyVote(ctx context.Context, args store.VoteArgs) (rating.Competitor, rating.Competitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.consumed[args.Nonce]; dup {
		return rating.Competitor{}, rating.Competitor{}, store.ErrAlreadyVoted
	}
	m.consumed[args.Nonce] = struct{}{}
	for _, id := range []string{args.IDA, args.IDB} {
		if _, ok := m.rows[id]; !ok {
			m.rows[id] = &rating.Competitor{ID: id, Rating: rating.Baseline}
		}
	}
	a, b := m.rows[args.IDA], m.rows[args.IDB]
	a.Rating, b.Rating = rating.Update(a.Rating, b.Rating, args.Outcome, args.K)
	a.TotalVotes++
	b.TotalVotes++
	switch args.Outcome {
	case rating.AWin:
		a.Wins++
		b.Losses++
	case rating.BWin:
		a.Losses++
		b.Wins++
	default:
		a.Ties++
		b.Ties++
	}
	return *a, *b, nil
}

func (m *memStore) ListRatings(ctx context.Context) ([]rating.Competitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rating.Competitor, 0, len(m.rows))
	for _, c := range m.rows {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) GetCompetitor(ctx context.Context, id string) (rating.Competitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.rows[id]; ok {
		return *c, nil
	}
	return rating.Competitor{}, store.ErrUnknownCompetitor
}

func (m *memStore) UpsertCompetitor(ctx context.Context, id string) (rating.Competitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		m.rows[id] = &rating.Competitor{ID: id, Rating: rating.Baseline}
	}
	return *m.rows[id], nil
}

func (m *memStore) RatingHistory(ctx context.Context, id string, limit int) ([]store.HistoryPoint, error) {
	return []store.HistoryPoint{}, nil
}

func (m *memStore) PurgeExpiredTickets(ctx context.Context) (int64, error) { return 0, nil }

func newTestServer(t *testing.T, m *memStore, votesPerMinute int) *httptest.Server {
	t.Helper()
	signer, err := ticket.NewSigner("router-test-secret", 10*time.Minute)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	eng := arena.New(m, signer, arena.Config{K: 32})
	srv := httptest.NewServer(Router(eng, m, newIPRateLimiter(votesPerMinute, votesPerMinute), 100))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, wantCode int, into any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantCode {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, wantCode)
	}
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestBattleAndVoteFlow(t *testing.T) {
	m := newMemStore("a", "b")
	srv := newTestServer(t, m, 1000)

	var battle struct {
		IDA    string `json:"id_a"`
		IDB    string `json:"id_b"`
		Ticket string `json:"ticket"`
	}
	getJSON(t, srv.URL+"/api/battle", http.StatusOK, &battle)
	if battle.IDA == battle.IDB || battle.Ticket == "" {
		t.Fatalf("bad battle payload: %+v", battle)
	}

	resp := postJSON(t, srv.URL+"/api/vote", `{"ticket":"`+battle.Ticket+`","outcome":"A_WIN"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("vote status %d, want 200", resp.StatusCode)
	}
	var out struct {
		RatingA float64 `json:"rating_a"`
		RatingB float64 `json:"rating_b"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode vote response: %v", err)
	}
	if out.RatingA != 1516 || out.RatingB != 1484 {
		t.Fatalf("ratings %v/%v, want 1516/1484", out.RatingA, out.RatingB)
	}

	// same ticket again is idempotent-rejected
	resp2 := postJSON(t, srv.URL+"/api/vote", `{"ticket":"`+battle.Ticket+`","outcome":"A_WIN"}`)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("replayed vote status %d, want 409", resp2.StatusCode)
	}
}

func TestVoteStatusMapping(t *testing.T) {
	m := newMemStore("a", "b")
	srv := newTestServer(t, m, 1000)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"forged ticket", `{"ticket":"bogus","outcome":"A_WIN"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := postJSON(t, srv.URL+"/api/vote", tc.body)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}

	// valid ticket, bad outcome
	var battle struct {
		Ticket string `json:"ticket"`
	}
	getJSON(t, srv.URL+"/api/battle", http.StatusOK, &battle)
	resp := postJSON(t, srv.URL+"/api/vote", `{"ticket":"`+battle.Ticket+`","outcome":"MAYBE"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad outcome status %d, want 400", resp.StatusCode)
	}
}

func TestBattleInsufficientCompetitors(t *testing.T) {
	m := newMemStore("lonely")
	srv := newTestServer(t, m, 1000)
	getJSON(t, srv.URL+"/api/battle", http.StatusConflict, nil)
}

func TestLeaderboardOrdering(t *testing.T) {
	m := newMemStore("a", "b", "c")
	m.rows["c"].Rating = 1700
	srv := newTestServer(t, m, 1000)

	var out struct {
		Rows []rating.Competitor `json:"rows"`
	}
	getJSON(t, srv.URL+"/api/leaderboard", http.StatusOK, &out)
	if len(out.Rows) != 3 || out.Rows[0].ID != "c" {
		t.Fatalf("unexpected leaderboard %+v", out.Rows)
	}
	for i := 1; i < len(out.Rows); i++ {
		if out.Rows[i-1].Rating < out.Rows[i].Rating {
			t.Fatal("leaderboard not sorted by rating descending")
		}
	}
}

func TestCompetitorEndpoints(t *testing.T) {
	m := newMemStore("a", "b")
	srv := newTestServer(t, m, 1000)

	getJSON(t, srv.URL+"/api/competitor?id=missing", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/api/competitor", http.StatusBadRequest, nil)

	resp := postJSON(t, srv.URL+"/api/competitors", `{"id":"new-model"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert status %d, want 200", resp.StatusCode)
	}
	var c rating.Competitor
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.ID != "new-model" || c.Rating != rating.Baseline {
		t.Fatalf("unexpected competitor %+v", c)
	}

	getJSON(t, srv.URL+"/api/competitor?id=new-model", http.StatusOK, nil)
}

func TestHealth(t *testing.T) {
	m := newMemStore("a", "b")
	srv := newTestServer(t, m, 1000)
	getJSON(t, srv.URL+"/api/health", http.StatusOK, nil)

	m.pingErr = errors.New("down")
	getJSON(t, srv.URL+"/api/health", http.StatusServiceUnavailable, nil)
}

func TestVoteRateLimit(t *testing.T) {
	m := newMemStore("a", "b")
	srv := newTestServer(t, m, 1) // burst of 1

	var battle struct {
		Ticket string `json:"ticket"`
	}
	getJSON(t, srv.URL+"/api/battle", http.StatusOK, &battle)

	resp := postJSON(t, srv.URL+"/api/vote", `{"ticket":"`+battle.Ticket+`","outcome":"TIE"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first vote status %d, want 200", resp.StatusCode)
	}

	resp2 := postJSON(t, srv.URL+"/api/vote", `{"ticket":"whatever","outcome":"TIE"}`)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second vote status %d, want 429", resp2.StatusCode)
	}
}

func TestRateLimiterBucketMapIsBounded(t *testing.T) {
	l := newIPRateLimiter(60, 10)
	l.maxBuckets = 8

	for i := 0; i < 100; i++ {
		if !l.allow(fmt.Sprintf("10.0.0.%d", i)) {
			t.Fatalf("fresh client %d should be allowed", i)
		}
	}
	l.mu.Lock()
	n := len(l.per)
	l.mu.Unlock()
	if n > l.maxBuckets {
		t.Fatalf("bucket map grew to %d entries, cap is %d", n, l.maxBuckets)
	}
}

func TestRateLimiterSweepsIdleClientsFirst(t *testing.T) {
	l := newIPRateLimiter(60, 10)
	l.maxBuckets = 4
	l.idleAfter = time.Minute

	for i := 0; i < 4; i++ {
		l.allow(fmt.Sprintf("10.0.0.%d", i))
	}
	// age out everyone but one
	l.mu.Lock()
	for ip, b := range l.per {
		if ip != "10.0.0.0" {
			b.seen = b.seen.Add(-2 * time.Minute)
		}
	}
	l.mu.Unlock()

	l.allow("10.0.1.1")

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.per["10.0.0.0"]; !ok {
		t.Fatal("active client evicted while idle clients existed")
	}
	if _, ok := l.per["10.0.1.1"]; !ok {
		t.Fatal("new client did not get a bucket")
	}
	if len(l.per) > l.maxBuckets {
		t.Fatalf("bucket map has %d entries, cap is %d", len(l.per), l.maxBuckets)
	}
}
