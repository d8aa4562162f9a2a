// Package graph implements the groupware Backend over its HTTP API:
// password-grant token authentication, native message submission, and
// header search in the Sent folder.
package graph

import (
	"encoding/base64"

	"github.com/shineum/smtp-groupware-bridge/internal/mail"
)

// tokenResponse is the token endpoint response body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// submitRequest is the request body for the native submission endpoint.
// The message bytes travel base64-encoded so the payload stays valid JSON
// regardless of content.
type submitRequest struct {
	Envelope submitEnvelope `json:"envelope"`
	Content  string         `json:"content"`
}

// submitEnvelope mirrors mail.Envelope on the wire. Recipient order is
// preserved; the backend relies on it for BCC handling.
type submitEnvelope struct {
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
}

// searchResponse is the Sent-folder search response body.
type searchResponse struct {
	Value []messageRef `json:"value"`
}

// messageRef identifies one matching message.
type messageRef struct {
	ID string `json:"id"`
}

// apiErrorResponse is the error envelope returned by the groupware API.
type apiErrorResponse struct {
	Error apiError `json:"error"`
}

// apiError is the error detail in an API error response.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSubmitRequest converts an envelope and raw message into the
// submission request body.
func buildSubmitRequest(env mail.Envelope, raw []byte) *submitRequest {
	return &submitRequest{
		Envelope: submitEnvelope{
			From:       env.From,
			Recipients: env.Recipients,
		},
		Content: base64.StdEncoding.EncodeToString(raw),
	}
}
