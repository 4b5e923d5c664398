// Package config defines process configuration and its loading order.
package config

import "model-arena/server/rating"

// Config contains process configuration.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// DatabaseURL is the Postgres DSN. Required.
	DatabaseURL string `koanf:"database_url"`

	// TicketSecret keys the HMAC over battle tickets. Required.
	TicketSecret string `koanf:"ticket_secret"`

	// TicketTTLMinutes is the ticket validity window.
	TicketTTLMinutes int `koanf:"ticket_ttl_minutes"`

	// EloK is the base K-factor.
	EloK float64 `koanf:"elo_k"`

	// ProvisionalVotes is the vote count below which K is boosted for a
	// new competitor. 0 disables the boost.
	ProvisionalVotes int `koanf:"provisional_votes"`

	// VoteRetries bounds transaction retries on serialization conflicts.
	VoteRetries int `koanf:"vote_retries"`

	// VoteRatePerMinute and VoteBurst limit vote submissions per client IP.
	VoteRatePerMinute int `koanf:"vote_rate_per_minute"`
	VoteBurst         int `koanf:"vote_burst"`

	// HistoryLimit caps rows returned by the rating-history endpoints.
	HistoryLimit int `koanf:"history_limit"`
}

// New returns a Config holding defaults. Secrets and the DSN have no
// defaults; Load validates they were provided.
func New() *Config {
	return &Config{
		Addr:              ":8080",
		TicketTTLMinutes:  10,
		EloK:              rating.DefaultK,
		ProvisionalVotes:  10,
		VoteRetries:       3,
		VoteRatePerMinute: 30,
		VoteBurst:         10,
		HistoryLimit:      100,
	}
}
