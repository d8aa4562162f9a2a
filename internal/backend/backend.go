// Package backend defines the groupware collaborator interface consumed by
// the SMTP bridge: per-user authentication, native message submission, and
// the Sent-store search used for delivery confirmation.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/shineum/smtp-groupware-bridge/internal/mail"
)

// ErrAuth is returned by Authenticate when the backend rejects the
// credentials. Any other error is a backend availability problem.
var ErrAuth = errors.New("backend rejected credentials")

// SubmissionError reports that the backend refused a message outright,
// for example an invalid recipient. It is permanent for the transaction
// that triggered it; the connection remains usable.
type SubmissionError struct {
	Backend string
	Reason  string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s rejected submission: %s", e.Backend, e.Reason)
}

// Backend is a groupware messaging system reachable through its native
// protocol. Implementations are safe for concurrent use; the Sessions
// they return are owned by a single connection.
type Backend interface {
	// Name returns the backend identifier used in logs.
	Name() string

	// Authenticate validates the identity against the backend and opens
	// a session. It returns ErrAuth (possibly wrapped) on bad credentials.
	Authenticate(ctx context.Context, identity, password string) (Session, error)
}

// Session is an authenticated backend conversation. A submission ack does
// not imply visibility: the backend is eventually consistent, and callers
// confirm delivery through SearchSent.
type Session interface {
	// Submit hands the envelope and raw message bytes to the backend's
	// native submission path. A *SubmissionError means the backend
	// refused the message; other errors are availability problems.
	Submit(ctx context.Context, env mail.Envelope, raw []byte) error

	// SearchSent counts messages in the backend Sent store whose named
	// header equals value.
	SearchSent(ctx context.Context, header, value string) (int, error)

	// Close releases the session.
	Close() error
}
