// Package ticket issues and verifies the signed, single-use credentials
// that bind a vote to the battle it came from.
package ticket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidTicket = errors.New("invalid ticket")
	ErrTicketExpired = errors.New("ticket expired")
)

// Claims are the fields sealed inside a ticket.
type Claims struct {
	IDA      string
	IDB      string
	IssuedAt time.Time
	Nonce    uuid.UUID
}

// Ticket is an issued credential: the Claims plus their encoded, signed form.
type Ticket struct {
	Claims
	Raw       string
	ExpiresAt time.Time
}

// Signer seals and checks tickets with HMAC-SHA256.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("ticket secret must not be empty")
	}
	if ttl <= 0 {
		return nil, errors.New("ticket ttl must be positive")
	}
	return &Signer{secret: []byte(secret), ttl: ttl}, nil
}

func (s *Signer) TTL() time.Duration { return s.ttl }

// Issue seals a pairing into a fresh ticket. The nonce is unique per ticket;
// the store records it on redemption so a ticket spends at most once.
func (s *Signer) Issue(idA, idB string, now time.Time) (Ticket, error) {
	if idA == "" || idB == "" || idA == idB {
		return Ticket{}, fmt.Errorf("bad pairing %q vs %q", idA, idB)
	}
	// "|" is the payload separator; competitor ids are validated against it
	// at registration, this is the backstop.
	if strings.ContainsRune(idA, '|') || strings.ContainsRune(idB, '|') {
		return Ticket{}, fmt.Errorf("competitor id contains separator")
	}
	c := Claims{IDA: idA, IDB: idB, IssuedAt: now.UTC().Truncate(time.Second), Nonce: uuid.New()}
	payload := strings.Join([]string{c.IDA, c.IDB, strconv.FormatInt(c.IssuedAt.Unix(), 10), c.Nonce.String()}, "|")
	raw := base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(s.sign(payload))
	return Ticket{Claims: c, Raw: raw, ExpiresAt: c.IssuedAt.Add(s.ttl)}, nil
}

// Verify checks authenticity and freshness. Signature failures come back as
// ErrInvalidTicket, stale-but-genuine tickets as ErrTicketExpired. Single-use
// enforcement is not here: the nonce is consumed transactionally with the
// rating update.
func (s *Signer) Verify(raw string, now time.Time) (Claims, error) {
	encPayload, encSig, ok := strings.Cut(raw, ".")
	if !ok {
		return Claims{}, ErrInvalidTicket
	}
	payload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return Claims{}, ErrInvalidTicket
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return Claims{}, ErrInvalidTicket
	}
	if !hmac.Equal(sig, s.sign(string(payload))) {
		return Claims{}, ErrInvalidTicket
	}
	parts := strings.Split(string(payload), "|")
	if len(parts) != 4 {
		return Claims{}, ErrInvalidTicket
	}
	issuedUnix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Claims{}, ErrInvalidTicket
	}
	nonce, err := uuid.Parse(parts[3])
	if err != nil {
		return Claims{}, ErrInvalidTicket
	}
	c := Claims{IDA: parts[0], IDB: parts[1], IssuedAt: time.Unix(issuedUnix, 0).UTC(), Nonce: nonce}
	if now.After(c.IssuedAt.Add(s.ttl)) {
		return Claims{}, ErrTicketExpired
	}
	return c, nil
}

func (s *Signer) sign(payload string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
