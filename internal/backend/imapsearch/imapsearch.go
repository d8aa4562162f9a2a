// Package imapsearch decorates a backend so that sent-item confirmation
// runs over IMAP instead of the backend's own search endpoint. Some
// deployments expose a faster or more reliable Sent folder via IMAP than
// via the groupware API, so submission stays on the inner backend while
// SearchSent switches transports.
package imapsearch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/shineum/smtp-groupware-bridge/internal/backend"
	"github.com/shineum/smtp-groupware-bridge/internal/mail"
)

// Default mailbox holding submitted messages.
const sentMailbox = "Sent"

// Config holds the IMAP endpoint settings.
type Config struct {
	// Addr is the host:port of the IMAP server.
	Addr string
	// Mailbox overrides the sent folder name. Empty means "Sent".
	Mailbox string
	// DialFunc is a test seam. Nil means client.DialTLS with default
	// TLS config.
	DialFunc func(addr string) (Client, error)
}

// Client is the subset of the IMAP client the searcher needs.
type Client interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	Logout() error
}

// Backend wraps an inner backend, redirecting SearchSent to IMAP.
type Backend struct {
	inner backend.Backend
	cfg   Config
}

// New wraps inner so that confirmation searches go to the IMAP server
// described by cfg.
func New(inner backend.Backend, cfg Config) *Backend {
	if cfg.Mailbox == "" {
		cfg.Mailbox = sentMailbox
	}
	if cfg.DialFunc == nil {
		cfg.DialFunc = func(addr string) (Client, error) {
			return client.DialTLS(addr, nil)
		}
	}
	return &Backend{inner: inner, cfg: cfg}
}

// Name returns the inner backend's name with an imap suffix.
func (b *Backend) Name() string {
	return b.inner.Name() + "+imap"
}

// Authenticate authenticates against the inner backend and retains the
// credentials for the lazily opened IMAP connection.
func (b *Backend) Authenticate(ctx context.Context, identity, password string) (backend.Session, error) {
	inner, err := b.inner.Authenticate(ctx, identity, password)
	if err != nil {
		return nil, err
	}
	return &session{
		backend:  b,
		inner:    inner,
		identity: identity,
		password: password,
	}, nil
}

type session struct {
	backend  *Backend
	inner    backend.Session
	identity string
	password string

	mu     sync.Mutex
	client Client
}

// Submit delegates to the inner backend.
func (s *session) Submit(ctx context.Context, env mail.Envelope, raw []byte) error {
	return s.inner.Submit(ctx, env, raw)
}

// SearchSent counts messages in the IMAP sent mailbox whose named
// header contains value, the substring semantics of an IMAP HEADER
// search. The IMAP connection is opened on first use so
// sessions that never reach confirmation never dial.
func (s *session) SearchSent(ctx context.Context, header, value string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c, err := s.connect()
	if err != nil {
		return 0, err
	}

	ids, err := c.Search(criteriaFor(header, value))
	if err != nil {
		return 0, fmt.Errorf("imap search: %w", err)
	}
	return len(ids), nil
}

// connect dials, logs in and selects the sent mailbox once, caching the
// client for later polls within the same session.
func (s *session) connect() (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	cfg := s.backend.cfg
	c, err := cfg.DialFunc(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", cfg.Addr, err)
	}
	if err := c.Login(s.identity, s.password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := c.Select(cfg.Mailbox, true); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap select %s: %w", cfg.Mailbox, err)
	}

	slog.Debug("imap search connection established",
		"addr", cfg.Addr,
		"mailbox", cfg.Mailbox,
		"identity", s.identity,
	)

	s.client = c
	return c, nil
}

// Close closes the IMAP connection if one was opened, then the inner
// session.
func (s *session) Close() error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()

	if c != nil {
		if err := c.Logout(); err != nil {
			slog.Warn("imap logout failed", "error", err)
		}
	}
	return s.inner.Close()
}

// criteriaFor builds a header-equality search.
func criteriaFor(header, value string) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add(header, value)
	return criteria
}
