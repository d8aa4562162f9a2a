package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/smtp-groupware-bridge/internal/backend"
	"github.com/shineum/smtp-groupware-bridge/internal/bridge"
	"github.com/shineum/smtp-groupware-bridge/internal/mail"
	"github.com/shineum/smtp-groupware-bridge/internal/wire"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthed
	stateMailFrom
	stateRcptTo
)

// Defaults applied by NewSession for zero Options fields.
const (
	defaultReadTimeout    = 60 * time.Second
	defaultMaxLineLength  = 2048
	defaultMaxErrors      = 10
	defaultAuthAttempts   = 3
	defaultMaxMessageSize = 10 * 1024 * 1024
)

// Deliverer hands a complete transaction to the bridge.
type Deliverer interface {
	Deliver(ctx context.Context, sess backend.Session, identity string, tx mail.Transaction) (bridge.Result, error)
}

// Options tunes per-session protocol limits.
type Options struct {
	Hostname       string
	ReadTimeout    time.Duration
	MaxLineLength  int
	MaxErrors      int
	AuthAttempts   int
	MaxMessageSize int
}

func (o *Options) applyDefaults() {
	if o.Hostname == "" {
		o.Hostname = "localhost"
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.MaxLineLength <= 0 {
		o.MaxLineLength = defaultMaxLineLength
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = defaultMaxErrors
	}
	if o.AuthAttempts <= 0 {
		o.AuthAttempts = defaultAuthAttempts
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn    net.Conn
	lines   *wire.LineReader
	writer  *bufio.Writer
	state   int
	backend backend.Backend
	deliver Deliverer
	opts    Options

	// Authenticated backend session, nil until AUTH succeeds.
	sess     backend.Session
	identity string

	// Current transaction
	mailFrom string
	rcptTo   []string

	// Abuse counters
	seqErrors    int
	authFailures int
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, be backend.Backend, deliver Deliverer, opts Options) *Session {
	opts.applyDefaults()
	return &Session{
		conn:    conn,
		lines:   wire.NewLineReader(bufio.NewReader(conn), opts.MaxLineLength),
		writer:  bufio.NewWriter(conn),
		state:   stateConnected,
		backend: be,
		deliver: deliver,
		opts:    opts,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.close()

	s.writeLine("220 %s SMTP ready", s.opts.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, wire.ErrLineTooLong) {
				s.writeLine("500 Line too long")
			} else if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		done := s.handleCommand(ctx, cmd, arg)
		if done {
			return
		}
		if s.seqErrors >= s.opts.MaxErrors {
			s.writeLine("421 Too many errors, closing connection")
			return
		}
	}
}

// close flushes pending output and releases the backend session.
func (s *Session) close() {
	if s.sess != nil {
		if err := s.sess.Close(); err != nil {
			slog.Warn("backend session close failed", "error", err)
		}
		s.sess = nil
	}
	s.conn.Close()
}

// readLine reads one command line under the per-command read deadline.
func (s *Session) readLine() (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
		return "", err
	}
	return s.lines.ReadLine()
}

// handleCommand processes a single SMTP command and returns true if the
// session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "AUTH":
		return s.handleAUTH(ctx, arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Closing connection")
		return true
	default:
		s.protocolError("500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.protocolError("501 Syntax: %s hostname", cmd)
		return
	}

	s.seqErrors = 0
	if s.state == stateConnected {
		s.state = stateGreeted
	}
	s.resetTransaction()

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.opts.Hostname, arg)
		return
	}

	// EHLO response with capabilities
	s.writeLine("250-%s Hello %s", s.opts.Hostname, arg)
	s.writeLine("250-AUTH PLAIN LOGIN")
	s.writeLine("250-SIZE %d", s.opts.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
// Returns true if the session must close because the attempt budget is
// spent.
func (s *Session) handleAUTH(ctx context.Context, arg string) bool {
	// A greeting is customary but not required before AUTH.
	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])

	var (
		creds Credentials
		err   error
	)
	switch mechanism {
	case "PLAIN":
		creds, err = s.readPlainCredentials(parts)
	case "LOGIN":
		creds, err = s.readLoginCredentials()
	default:
		s.protocolError("504 Unrecognized authentication type")
		return false
	}
	if err != nil {
		if errors.Is(err, errAuthCancelled) {
			s.writeLine("501 Authentication cancelled")
			return false
		}
		if errors.Is(err, ErrMalformedCredentials) {
			s.writeLine("501 Invalid credentials encoding")
			return s.recordAuthFailure()
		}
		// Read error on the challenge exchange, drop the connection.
		return true
	}

	sess, err := s.backend.Authenticate(ctx, creds.AuthcID, creds.Password)
	if err != nil {
		if errors.Is(err, backend.ErrAuth) {
			slog.Info("authentication rejected", "identity", creds.AuthcID)
			s.writeLine("535 Authentication failed")
			return s.recordAuthFailure()
		}
		slog.Error("backend authentication unavailable",
			"backend", s.backend.Name(),
			"error", err,
		)
		s.writeLine("454 Temporary authentication failure")
		return false
	}

	// Re-authentication replaces the previous backend session.
	if s.sess != nil {
		s.sess.Close()
	}
	s.sess = sess
	s.identity = creds.AuthcID
	s.state = stateAuthed
	s.seqErrors = 0
	s.resetTransaction()
	slog.Info("client authenticated", "identity", s.identity)
	s.writeLine("235 OK Authenticated")
	return false
}

// errAuthCancelled reports an AUTH exchange the client aborted with "*".
var errAuthCancelled = errors.New("authentication cancelled")

// readPlainCredentials collects the AUTH PLAIN argument, inline or via
// an empty challenge.
func (s *Session) readPlainCredentials(parts []string) (Credentials, error) {
	var encoded string
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334")
		line, err := s.readLine()
		if err != nil {
			return Credentials{}, err
		}
		encoded = line
	}

	if encoded == "*" {
		return Credentials{}, errAuthCancelled
	}
	return DecodePlain(encoded)
}

// readLoginCredentials runs the AUTH LOGIN challenge-response exchange.
func (s *Session) readLoginCredentials() (Credentials, error) {
	// Challenge for username (base64 encoded "Username:")
	s.writeLine("334 VXNlcm5hbWU6")
	encodedUser, err := s.readLine()
	if err != nil {
		return Credentials{}, err
	}
	if encodedUser == "*" {
		return Credentials{}, errAuthCancelled
	}

	// Challenge for password (base64 encoded "Password:")
	s.writeLine("334 UGFzc3dvcmQ6")
	encodedPass, err := s.readLine()
	if err != nil {
		return Credentials{}, err
	}
	if encodedPass == "*" {
		return Credentials{}, errAuthCancelled
	}

	return DecodeLogin(encodedUser, encodedPass)
}

// recordAuthFailure counts a failed attempt and closes the session once
// the budget is spent.
func (s *Session) recordAuthFailure() bool {
	s.authFailures++
	if s.authFailures >= s.opts.AuthAttempts {
		slog.Warn("authentication attempt limit reached", "attempts", s.authFailures)
		s.writeLine("421 Too many authentication failures, closing connection")
		return true
	}
	return false
}

// handleMAIL processes the MAIL FROM command. A null reverse path
// (MAIL FROM:<>) is accepted.
func (s *Session) handleMAIL(arg string) {
	if s.state < stateAuthed {
		s.protocolError("530 Authentication required")
		return
	}
	if s.state > stateAuthed {
		s.protocolError("503 Nested MAIL command")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.protocolError("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, ok := extractAddress(arg[5:])
	if !ok {
		s.protocolError("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.seqErrors = 0
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command. Recipient order is kept as
// given; clients list blind-copy recipients first.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateAuthed {
		s.protocolError("530 Authentication required")
		return
	}
	if s.state < stateMailFrom {
		s.protocolError("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.protocolError("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, ok := extractAddress(arg[3:])
	if !ok || addr == "" {
		s.protocolError("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.seqErrors = 0
	s.writeLine("250 OK")
}

// handleDATA receives the message body and hands the finished
// transaction to the bridge. Returns true if the connection must close.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateAuthed {
		s.protocolError("530 Authentication required")
		return false
	}
	if s.state < stateRcptTo {
		s.protocolError("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	if err := s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
		return true
	}
	raw, err := wire.ReadDotBody(s.lines, s.opts.MaxMessageSize)
	if err != nil {
		// The terminator was never consumed, so the stream position
		// is unknown and the connection cannot be reused.
		if errors.Is(err, wire.ErrMessageTooLarge) {
			s.writeLine("552 Message size exceeds limit")
		} else if errors.Is(err, wire.ErrLineTooLong) {
			s.writeLine("500 Line too long")
		} else {
			slog.Debug("error reading message body", "error", err)
		}
		return true
	}

	tx := mail.Transaction{
		Envelope: mail.Envelope{From: s.mailFrom, Recipients: s.rcptTo},
		Raw:      raw,
	}
	res, err := s.deliver.Deliver(ctx, s.sess, s.identity, tx)
	if err != nil {
		var subErr *backend.SubmissionError
		if errors.As(err, &subErr) {
			slog.Info("backend refused submission",
				"identity", s.identity,
				"reason", subErr.Reason,
			)
			s.writeLine("554 Transaction failed: %s", subErr.Reason)
		} else if ctx.Err() != nil {
			s.writeLine("421 Service shutting down")
			return true
		} else {
			slog.Error("delivery failed",
				"identity", s.identity,
				"error", err,
			)
			s.writeLine("451 Temporary failure, please try again later")
		}
		s.resetTransaction()
		return false
	}

	slog.Info("message accepted",
		"identity", s.identity,
		"message_id", res.MessageID,
		"recipients", len(tx.Envelope.Recipients),
		"confirmed", res.Confirmed,
		"duplicate", res.Duplicate,
	)
	s.writeLine("250 Queued mail for delivery")
	s.resetTransaction()
	return false
}

// handleRSET resets the current transaction state.
func (s *Session) handleRSET() {
	s.resetTransaction()
	s.seqErrors = 0
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction without
// affecting greeting or authentication state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.state > stateAuthed {
		s.state = stateAuthed
	}
}

// protocolError replies with an error and counts it toward the
// consecutive-error limit.
func (s *Session) protocolError(format string, args ...interface{}) {
	s.seqErrors++
	s.writeLine(format, args...)
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and
// its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling angle-bracket and bare formats. An empty angle-bracket pair
// is the null reverse path and is valid.
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return s[1:end], true
	}

	if s == "" {
		return "", false
	}
	return s, true
}
