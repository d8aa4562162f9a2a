// Package mail defines the envelope and transaction data model shared by
// the SMTP front end and the backend bridge.
package mail

// Envelope holds the addressing information of one mail transaction,
// distinct from the message body. Recipients keep their RCPT declaration
// order: a BCC recipient declared before the primary recipient must reach
// the backend first.
type Envelope struct {
	From       string
	Recipients []string
}

// Transaction is a complete submission unit: a frozen envelope plus the
// raw message bytes assembled after dot-unstuffing. A transaction is only
// constructed once both parts are complete; partial transactions never
// reach the backend.
type Transaction struct {
	Envelope Envelope
	Raw      []byte
}
