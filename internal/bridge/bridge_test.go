package bridge

import (
	"bytes"
	"context"
	"errors"
	netmail "net/mail"
	"strings"
	"testing"
	"time"

	"github.com/shineum/smtp-groupware-bridge/internal/backend"
	"github.com/shineum/smtp-groupware-bridge/internal/backend/dev"
	"github.com/shineum/smtp-groupware-bridge/internal/mail"
)

type fakeSession struct {
	submitErr   error
	submitted   [][]byte
	searchErr   error
	searchHits  []int // per-call return values, last one repeats
	searchCalls int
	searchedFor []string
}

func (f *fakeSession) Submit(_ context.Context, _ mail.Envelope, raw []byte) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, raw)
	return nil
}

func (f *fakeSession) SearchSent(_ context.Context, _, value string) (int, error) {
	f.searchCalls++
	f.searchedFor = append(f.searchedFor, value)
	if f.searchErr != nil {
		return 0, f.searchErr
	}
	if len(f.searchHits) == 0 {
		return 0, nil
	}
	i := f.searchCalls - 1
	if i >= len(f.searchHits) {
		i = len(f.searchHits) - 1
	}
	return f.searchHits[i], nil
}

func (f *fakeSession) Close() error { return nil }

func testBridge(dedup *Dedup) *Bridge {
	return New(Config{
		Hostname:        "bridge.example.com",
		ConfirmAttempts: 5,
		ConfirmDelay:    time.Millisecond,
		Dedup:           dedup,
	})
}

var testEnvelope = mail.Envelope{From: "user@example.com", Recipients: []string{"to@example.com"}}

func testTransaction(raw string) mail.Transaction {
	return mail.Transaction{Envelope: testEnvelope, Raw: []byte(raw)}
}

const rawWithHeaders = "Message-ID: <m1@client>\r\nSubject: hi\r\n\r\nBody\r\n"

func TestDeliverConfirmedImmediately(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{searchHits: []int{1}}
	res, err := testBridge(nil).Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if !res.Confirmed {
		t.Error("Confirmed = false, want true")
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if res.MessageID != "<m1@client>" {
		t.Errorf("MessageID = %q, want <m1@client>", res.MessageID)
	}
	if got := sess.searchedFor[0]; got != "<m1@client>" {
		t.Errorf("searched for %q, want the Message-ID", got)
	}
}

func TestDeliverConfirmedAfterPolling(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{searchHits: []int{0, 0, 0, 0, 1}}
	res, err := testBridge(nil).Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if !res.Confirmed {
		t.Error("Confirmed = false, want true")
	}
	if res.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", res.Attempts)
	}
}

func TestDeliverConfirmationExhausted(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	res, err := testBridge(nil).Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders))
	if err != nil {
		t.Fatalf("Deliver() error = %v, want nil after accepted submission", err)
	}
	if res.Confirmed {
		t.Error("Confirmed = true, want false after exhausted polls")
	}
	if res.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", res.Attempts)
	}
	if sess.searchCalls != 5 {
		t.Errorf("search calls = %d, want 5", sess.searchCalls)
	}
}

func TestDeliverSubmitRejected(t *testing.T) {
	t.Parallel()

	subErr := &backend.SubmissionError{Backend: "graph", Reason: "mailbox full"}
	sess := &fakeSession{submitErr: subErr}

	_, err := testBridge(nil).Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders))

	var got *backend.SubmissionError
	if !errors.As(err, &got) {
		t.Fatalf("Deliver() error = %v, want *backend.SubmissionError", err)
	}
	if sess.searchCalls != 0 {
		t.Errorf("search calls after rejected submit = %d, want 0", sess.searchCalls)
	}
}

func TestDeliverSearchErrorsTolerated(t *testing.T) {
	t.Parallel()

	// Poll failures count against the budget but do not fail delivery.
	sess := &fakeSession{searchErr: errors.New("search backend down")}
	res, err := testBridge(nil).Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if res.Confirmed {
		t.Error("Confirmed = true, want false")
	}
}

func TestDeliverCancelledDuringPolling(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{}

	b := New(Config{ConfirmAttempts: 5, ConfirmDelay: time.Minute})
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.Deliver(ctx, sess, "user@example.com", testTransaction(rawWithHeaders))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Deliver() error = %v, want context.Canceled", err)
	}
}

func TestEnsureCorrelationGeneratesMissingHeaders(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{searchHits: []int{1}}
	raw := "Subject: no id here\r\n\r\nBody\r\n"

	res, err := testBridge(nil).Deliver(context.Background(), sess, "user@example.com", testTransaction(raw))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if res.MessageID == "" {
		t.Fatal("MessageID empty, want generated value")
	}
	if !strings.HasPrefix(res.MessageID, "<") || !strings.HasSuffix(res.MessageID, "@bridge.example.com>") {
		t.Errorf("MessageID = %q, want <ulid@bridge.example.com>", res.MessageID)
	}

	msg, err := netmail.ReadMessage(bytes.NewReader(sess.submitted[0]))
	if err != nil {
		t.Fatalf("submitted message unparseable: %v", err)
	}
	if got := msg.Header.Get("Message-ID"); got != res.MessageID {
		t.Errorf("submitted Message-ID = %q, want %q", got, res.MessageID)
	}
	if got := msg.Header.Get("References"); got != res.MessageID {
		t.Errorf("submitted References = %q, want %q", got, res.MessageID)
	}
	if got := msg.Header.Get("Subject"); got != "no id here" {
		t.Errorf("original header lost: Subject = %q", got)
	}
}

func TestEnsureCorrelationAddsReferencesOnly(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{searchHits: []int{1}}
	if _, err := testBridge(nil).Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	msg, err := netmail.ReadMessage(bytes.NewReader(sess.submitted[0]))
	if err != nil {
		t.Fatalf("submitted message unparseable: %v", err)
	}
	if got := msg.Header.Get("References"); got != "<m1@client>" {
		t.Errorf("References = %q, want <m1@client>", got)
	}
}

func TestEnsureCorrelationAppendsToThreadReferences(t *testing.T) {
	t.Parallel()

	// A reply keeps its thread references but must still carry its own
	// Message-ID in References, or no Sent store search will find it.
	raw := "Message-ID: <m2@client>\r\nReferences: <thread@client>\r\nSubject: Re: hi\r\n\r\nReply\r\n"
	sess := &fakeSession{searchHits: []int{1}}
	res, err := testBridge(nil).Deliver(context.Background(), sess, "user@example.com", testTransaction(raw))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if !res.Confirmed {
		t.Error("Confirmed = false, want true")
	}

	msg, err := netmail.ReadMessage(bytes.NewReader(sess.submitted[0]))
	if err != nil {
		t.Fatalf("submitted message unparseable: %v", err)
	}
	if got := msg.Header.Get("References"); got != "<thread@client> <m2@client>" {
		t.Errorf("References = %q, want %q", got, "<thread@client> <m2@client>")
	}
	if got := msg.Header["References"]; len(got) != 1 {
		t.Errorf("References headers = %d, want 1", len(got))
	}
	if got := msg.Header.Get("Message-ID"); got != "<m2@client>" {
		t.Errorf("Message-ID = %q, want <m2@client>", got)
	}
	if got := msg.Header.Get("Subject"); got != "Re: hi" {
		t.Errorf("Subject = %q, want Re: hi", got)
	}
	if !bytes.HasSuffix(sess.submitted[0], []byte("\r\n\r\nReply\r\n")) {
		t.Errorf("body lost or reshaped:\n%q", sess.submitted[0])
	}
}

func TestEnsureCorrelationPreservesSelfReferences(t *testing.T) {
	t.Parallel()

	// References already naming the Message-ID needs no rewrite.
	raw := "Message-ID: <m2@client>\r\nReferences: <thread@client> <m2@client>\r\n\r\nReply\r\n"
	sess := &fakeSession{searchHits: []int{1}}
	if _, err := testBridge(nil).Deliver(context.Background(), sess, "user@example.com", testTransaction(raw)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if got := string(sess.submitted[0]); got != raw {
		t.Errorf("message with both headers was modified:\n%q", got)
	}
}

func TestDeliverDuplicateSuppressed(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{searchHits: []int{1}}
	b := testBridge(NewDedup(PolicySuppress, time.Minute))

	first, err := b.Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders))
	if err != nil {
		t.Fatalf("first Deliver() error = %v", err)
	}
	if first.Duplicate {
		t.Error("first delivery flagged as duplicate")
	}

	second, err := b.Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders))
	if err != nil {
		t.Fatalf("second Deliver() error = %v", err)
	}
	if !second.Duplicate || !second.Confirmed {
		t.Errorf("second delivery = %+v, want Duplicate and Confirmed", second)
	}
	if len(sess.submitted) != 1 {
		t.Errorf("backend submissions = %d, want 1", len(sess.submitted))
	}
}

func TestDeliverDuplicateConfirmPolicy(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{searchHits: []int{1}}
	b := testBridge(NewDedup(PolicyConfirm, time.Minute))

	if _, err := b.Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders)); err != nil {
		t.Fatalf("first Deliver() error = %v", err)
	}
	second, err := b.Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders))
	if err != nil {
		t.Fatalf("second Deliver() error = %v", err)
	}
	if !second.Duplicate {
		t.Error("second delivery not flagged as duplicate")
	}
	if len(sess.submitted) != 2 {
		t.Errorf("backend submissions = %d, want 2 under confirm policy", len(sess.submitted))
	}
}

func TestDeliverDuplicateWithoutMessageID(t *testing.T) {
	t.Parallel()

	// The fingerprint is taken before a Message-ID is generated, so a
	// resubmission of the same bytes matches even though each pass would
	// mint a fresh ID.
	raw := "Subject: no id here\r\n\r\nBody\r\n"
	sess := &fakeSession{searchHits: []int{1}}
	b := testBridge(NewDedup(PolicySuppress, time.Minute))

	if _, err := b.Deliver(context.Background(), sess, "user@example.com", testTransaction(raw)); err != nil {
		t.Fatalf("first Deliver() error = %v", err)
	}
	second, err := b.Deliver(context.Background(), sess, "user@example.com", testTransaction(raw))
	if err != nil {
		t.Fatalf("second Deliver() error = %v", err)
	}
	if !second.Duplicate {
		t.Error("second delivery not flagged as duplicate")
	}
	if len(sess.submitted) != 1 {
		t.Errorf("backend submissions = %d, want 1", len(sess.submitted))
	}
}

func TestDeliverRetryAfterRejectionNotSuppressed(t *testing.T) {
	t.Parallel()

	// A rejected submission must not leave a fingerprint behind, or the
	// guard would acknowledge the client's retry without ever delivering.
	sess := &fakeSession{
		submitErr:  &backend.SubmissionError{Backend: "graph", Reason: "mailbox full"},
		searchHits: []int{1},
	}
	b := testBridge(NewDedup(PolicySuppress, time.Minute))

	if _, err := b.Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders)); err == nil {
		t.Fatal("first Deliver() error = nil, want rejection")
	}

	sess.submitErr = nil
	res, err := b.Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders))
	if err != nil {
		t.Fatalf("retry Deliver() error = %v", err)
	}
	if res.Duplicate {
		t.Error("retry flagged as duplicate")
	}
	if len(sess.submitted) != 1 {
		t.Errorf("backend submissions = %d, want 1 from the retry", len(sess.submitted))
	}
}

func TestDeliverRejectionKeepsEarlierFingerprint(t *testing.T) {
	t.Parallel()

	// Only a freshly inserted fingerprint is rolled back. A rejection of
	// a message already delivered once must not erase the earlier record.
	sess := &fakeSession{searchHits: []int{1}}
	b := testBridge(NewDedup(PolicyConfirm, time.Minute))

	if _, err := b.Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders)); err != nil {
		t.Fatalf("first Deliver() error = %v", err)
	}

	sess.submitErr = &backend.SubmissionError{Backend: "graph", Reason: "throttled"}
	if _, err := b.Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders)); err == nil {
		t.Fatal("second Deliver() error = nil, want rejection")
	}

	sess.submitErr = nil
	res, err := b.Deliver(context.Background(), sess, "user@example.com", testTransaction(rawWithHeaders))
	if err != nil {
		t.Fatalf("third Deliver() error = %v", err)
	}
	if !res.Duplicate {
		t.Error("third delivery not flagged as duplicate")
	}
}

func TestDeliverDistinctIdentitiesNotDuplicates(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{searchHits: []int{1}}
	b := testBridge(NewDedup(PolicySuppress, time.Minute))

	if _, err := b.Deliver(context.Background(), sess, "alice@example.com", testTransaction(rawWithHeaders)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	res, err := b.Deliver(context.Background(), sess, "bob@example.com", testTransaction(rawWithHeaders))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if res.Duplicate {
		t.Error("same message from a different identity flagged as duplicate")
	}
	if len(sess.submitted) != 2 {
		t.Errorf("backend submissions = %d, want 2", len(sess.submitted))
	}
}

func TestDeliverReplyConfirmsAgainstDevBackend(t *testing.T) {
	t.Parallel()

	sess, err := dev.New(0).Authenticate(context.Background(), "user@example.com", "secret")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	raw := "Message-ID: <m2@client>\r\nReferences: <thread@client>\r\nSubject: Re: hi\r\n\r\nReply\r\n"
	res, err := testBridge(nil).Deliver(context.Background(), sess, "user@example.com", testTransaction(raw))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if !res.Confirmed {
		t.Errorf("reply delivery = %+v, want Confirmed", res)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}
