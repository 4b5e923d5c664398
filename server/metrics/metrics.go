// Package metrics exposes Prometheus collectors for the arena.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BattlesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_battles_issued_total",
		Help: "Battle pairings handed out.",
	})

	VotesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_votes_applied_total",
		Help: "Votes committed to the rating store, by outcome.",
	}, []string{"outcome"})

	VoteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_vote_failures_total",
		Help: "Rejected or failed vote submissions, by reason.",
	}, []string{"reason"})

	VoteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_vote_tx_retries_total",
		Help: "Vote transactions retried after a serialization conflict.",
	})

	VoteTxSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_vote_tx_seconds",
		Help:    "Wall time of the vote transaction including retries.",
		Buckets: prometheus.DefBuckets,
	})
)
