// Package dev implements an in-memory backend for local runs and tests.
// Submissions land in a per-identity Sent store after a configurable
// visibility lag, mimicking the eventual consistency of a real groupware
// backend so the confirmation loop can be exercised end to end.
package dev

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"strings"
	"sync"
	"time"

	"github.com/shineum/smtp-groupware-bridge/internal/backend"
	"github.com/shineum/smtp-groupware-bridge/internal/mail"
)

// Backend keeps all state in memory. Any identity with a non-empty
// password authenticates successfully.
type Backend struct {
	lag time.Duration

	mu   sync.Mutex
	sent map[string][]sentMessage

	// now is a test seam for visibility checks.
	now func() time.Time
}

// sentMessage is one entry in the in-memory Sent store.
type sentMessage struct {
	headers   netmail.Header
	raw       []byte
	visibleAt time.Time
}

// New creates a Backend whose submissions become visible after lag.
func New(lag time.Duration) *Backend {
	return &Backend{
		lag:  lag,
		sent: make(map[string][]sentMessage),
		now:  time.Now,
	}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "dev"
}

// Authenticate accepts any identity with a non-empty password.
func (b *Backend) Authenticate(_ context.Context, identity, password string) (backend.Session, error) {
	if identity == "" || password == "" {
		return nil, fmt.Errorf("%w: empty identity or password", backend.ErrAuth)
	}
	return &session{backend: b, identity: identity}, nil
}

type session struct {
	backend  *Backend
	identity string
}

// Submit stores the message; it becomes searchable once the visibility
// lag elapses. A recipient list containing "reject@" addresses simulates
// an outright backend refusal.
func (s *session) Submit(_ context.Context, env mail.Envelope, raw []byte) error {
	for _, rcpt := range env.Recipients {
		if strings.HasPrefix(rcpt, "reject@") {
			return &backend.SubmissionError{Backend: s.backend.Name(), Reason: "invalid recipient " + rcpt}
		}
	}

	var headers netmail.Header
	if msg, err := netmail.ReadMessage(bytes.NewReader(raw)); err == nil {
		headers = msg.Header
	}

	b := s.backend
	b.mu.Lock()
	b.sent[s.identity] = append(b.sent[s.identity], sentMessage{
		headers:   headers,
		raw:       raw,
		visibleAt: b.now().Add(b.lag),
	})
	b.mu.Unlock()

	slog.Debug("dev backend accepted submission",
		"identity", s.identity,
		"from", env.From,
		"recipients", len(env.Recipients),
		"bytes", len(raw),
	)

	return nil
}

// SearchSent counts visible messages whose named header contains value,
// the substring semantics of an IMAP HEADER search. A References header
// holding a whole thread still matches on one of its message IDs.
func (s *session) SearchSent(_ context.Context, header, value string) (int, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	count := 0
	for _, m := range b.sent[s.identity] {
		if now.Before(m.visibleAt) {
			continue
		}
		if m.headers != nil && strings.Contains(m.headers.Get(header), value) {
			count++
		}
	}
	return count, nil
}

// Close releases the session.
func (s *session) Close() error {
	return nil
}

// SentCount reports how many messages the identity has submitted,
// visible or not. Test helper.
func (b *Backend) SentCount(identity string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent[identity])
}

// LastRaw returns the raw bytes of the identity's most recent
// submission, or nil. Test helper.
func (b *Backend) LastRaw(identity string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.sent[identity]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1].raw
}
