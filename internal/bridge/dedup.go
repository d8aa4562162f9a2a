package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Policy selects how a detected duplicate is handled.
type Policy string

const (
	// PolicySuppress skips the backend entirely and acknowledges the
	// client from the guard.
	PolicySuppress Policy = "suppress"
	// PolicyConfirm resubmits and lets the confirmation loop match
	// the earlier copy.
	PolicyConfirm Policy = "confirm"
)

const defaultDedupTTL = 2 * time.Minute

// Dedup remembers recent submissions per identity so that a client
// retrying after a lost acknowledgement does not produce a second copy
// in the recipient's mailbox. Entries expire after a TTL.
type Dedup struct {
	policy Policy
	ttl    time.Duration

	mu   sync.Mutex
	seen map[string]time.Time

	// now is a test seam for expiry checks.
	now func() time.Time
}

// NewDedup creates a guard with the given policy and entry lifetime.
// A non-positive ttl takes the default of 2 minutes.
func NewDedup(policy Policy, ttl time.Duration) *Dedup {
	if policy != PolicyConfirm {
		policy = PolicySuppress
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &Dedup{
		policy: policy,
		ttl:    ttl,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Policy returns the configured duplicate policy.
func (d *Dedup) Policy() Policy {
	return d.policy
}

// Seen records the submission and reports whether an identical one from
// the same identity was recorded within the TTL.
func (d *Dedup) Seen(identity string, raw []byte) bool {
	key := dedupKey(identity, raw)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Drop expired entries while we hold the lock. The map stays small
	// because submissions are rare relative to the TTL.
	for k, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, k)
		}
	}

	_, dup := d.seen[key]
	d.seen[key] = now
	return dup
}

// Forget drops the record of a submission the backend refused, so an
// honest retry is not treated as a duplicate.
func (d *Dedup) Forget(identity string, raw []byte) {
	d.mu.Lock()
	delete(d.seen, dedupKey(identity, raw))
	d.mu.Unlock()
}

// dedupKey hashes the message body so the guard never retains mail
// content.
func dedupKey(identity string, raw []byte) string {
	sum := sha256.Sum256(raw)
	return identity + "\x00" + hex.EncodeToString(sum[:])
}
