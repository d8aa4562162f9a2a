// Package bridge carries a complete SMTP transaction into the backend
// and confirms that the backend's Sent store eventually reflects it.
// The backend acknowledges submissions before they are durably visible,
// so acceptance is a two-phase affair: submit, then poll the Sent store
// for the correlation header until it appears or the attempt budget
// runs out.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shineum/smtp-groupware-bridge/internal/backend"
	"github.com/shineum/smtp-groupware-bridge/internal/mail"
)

// Header used to correlate a submission with its Sent store entry.
const correlationHeader = "References"

const (
	defaultConfirmAttempts = 5
	defaultConfirmDelay    = time.Second
)

// Config tunes the confirmation loop and the duplicate guard.
type Config struct {
	// Hostname appears in generated Message-ID values.
	Hostname string
	// ConfirmAttempts is how many Sent store polls to make before
	// giving up. Zero means the default of 5.
	ConfirmAttempts int
	// ConfirmDelay is the pause between polls. Zero means 1s.
	ConfirmDelay time.Duration
	// Dedup suppresses or collapses resubmissions of the same
	// message. Nil disables the guard.
	Dedup *Dedup
}

// Bridge submits messages and reconciles them against the Sent store.
type Bridge struct {
	cfg Config
}

// New creates a Bridge. Zero fields in cfg take defaults.
func New(cfg Config) *Bridge {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = defaultConfirmAttempts
	}
	if cfg.ConfirmDelay <= 0 {
		cfg.ConfirmDelay = defaultConfirmDelay
	}
	return &Bridge{cfg: cfg}
}

// Result describes the outcome of an accepted delivery.
type Result struct {
	// MessageID is the message's Message-ID, generated if the client
	// supplied none.
	MessageID string
	// Confirmed is true when the Sent store reflected the submission
	// within the attempt budget.
	Confirmed bool
	// Duplicate is true when the duplicate guard matched and the
	// submission was suppressed.
	Duplicate bool
	// Attempts is the number of Sent store polls made.
	Attempts int
}

// Deliver submits the transaction through sess and polls for its
// appearance in the Sent store. A nil error means the client should be
// told the message was queued, whether or not confirmation succeeded; a
// non-nil error means the backend refused the submission.
func (b *Bridge) Deliver(ctx context.Context, sess backend.Session, identity string, tx mail.Transaction) (Result, error) {
	raw, messageID := b.ensureCorrelation(tx.Raw)

	// The fingerprint covers the client's bytes, before correlation
	// headers are injected, so resubmissions without a Message-ID still
	// match their earlier copy.
	var duplicate bool
	if b.cfg.Dedup != nil && b.cfg.Dedup.Seen(identity, tx.Raw) {
		duplicate = true
		if b.cfg.Dedup.Policy() == PolicySuppress {
			slog.Info("duplicate submission suppressed",
				"identity", identity,
				"message_id", messageID,
			)
			return Result{MessageID: messageID, Confirmed: true, Duplicate: true}, nil
		}
		// PolicyConfirm resubmits; the earlier copy shares the same
		// correlation value, so the first poll below will match it
		// and the client still gets a prompt accept.
		slog.Info("duplicate submission resubmitted",
			"identity", identity,
			"message_id", messageID,
		)
	}

	if err := sess.Submit(ctx, tx.Envelope, raw); err != nil {
		// A refused message was never delivered; keeping its
		// fingerprint would make the guard suppress an honest retry.
		if b.cfg.Dedup != nil && !duplicate {
			b.cfg.Dedup.Forget(identity, tx.Raw)
		}
		return Result{MessageID: messageID, Duplicate: duplicate}, fmt.Errorf("submit: %w", err)
	}

	res := Result{MessageID: messageID, Duplicate: duplicate}
	for attempt := 1; attempt <= b.cfg.ConfirmAttempts; attempt++ {
		res.Attempts = attempt

		n, err := sess.SearchSent(ctx, correlationHeader, messageID)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			slog.Warn("sent store poll failed",
				"identity", identity,
				"message_id", messageID,
				"attempt", attempt,
				"error", err,
			)
		} else if n > 0 {
			res.Confirmed = true
			slog.Debug("submission confirmed",
				"identity", identity,
				"message_id", messageID,
				"attempts", attempt,
			)
			return res, nil
		}

		if attempt < b.cfg.ConfirmAttempts {
			if err := sleepWithContext(ctx, b.cfg.ConfirmDelay); err != nil {
				return res, err
			}
		}
	}

	// The backend accepted the submission, so the client is still told
	// the message was queued. The missing confirmation is an
	// operational signal, not a client-facing failure.
	slog.Warn("submission not confirmed within attempt budget",
		"identity", identity,
		"message_id", messageID,
		"attempts", res.Attempts,
	)
	return res, nil
}

// ensureCorrelation guarantees the message carries a Message-ID and a
// References header containing it. Mail clients almost always set
// Message-ID on fresh messages; References is what the Sent store
// search keys on. A reply keeps its thread references and gets the
// Message-ID appended so the search still locates it.
func (b *Bridge) ensureCorrelation(raw []byte) ([]byte, string) {
	var messageID, references string
	if msg, err := netmail.ReadMessage(bytes.NewReader(raw)); err == nil {
		messageID = msg.Header.Get("Message-ID")
		references = msg.Header.Get("References")
	}

	var prefix bytes.Buffer
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", ulid.Make(), b.cfg.Hostname)
		fmt.Fprintf(&prefix, "Message-ID: %s\r\n", messageID)
	}
	switch {
	case references == "":
		fmt.Fprintf(&prefix, "References: %s\r\n", messageID)
	case !strings.Contains(references, messageID):
		raw = stripHeader(raw, "References")
		fmt.Fprintf(&prefix, "References: %s %s\r\n", references, messageID)
	}

	if prefix.Len() == 0 {
		return raw, messageID
	}
	return append(prefix.Bytes(), raw...), messageID
}

// stripHeader removes the named header from the message head, folded
// continuation lines included.
func stripHeader(raw []byte, name string) []byte {
	head, body, split := bytes.Cut(raw, []byte("\r\n\r\n"))
	if !split {
		head, body = raw, nil
	}

	var out bytes.Buffer
	skipping := false
	for _, line := range bytes.SplitAfter(head, []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if skipping {
				continue
			}
		} else {
			skipping = len(line) > len(name) && line[len(name)] == ':' &&
				strings.EqualFold(string(line[:len(name)]), name)
			if skipping {
				continue
			}
		}
		out.Write(line)
	}
	head = bytes.TrimSuffix(out.Bytes(), []byte("\r\n"))
	if split {
		head = append(head, "\r\n\r\n"...)
		head = append(head, body...)
	}
	return head
}

// sleepWithContext waits for the given duration or until the context is
// cancelled, whichever comes first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
