// Package smtp implements the SMTP submission endpoint: line framing,
// authentication, the transaction state machine, and handoff of complete
// messages to the bridge.
package smtp

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrMalformedCredentials reports an AUTH argument that could not be
// decoded into an identity and password.
var ErrMalformedCredentials = errors.New("malformed credentials")

// Credentials holds the identity extracted from an AUTH exchange.
// AuthzID is the optional authorization identity from PLAIN; it is
// accepted but not acted on.
type Credentials struct {
	AuthzID  string
	AuthcID  string
	Password string
}

// DecodePlain parses the base64 argument of AUTH PLAIN.
// The decoded form is authzid\0authcid\0password; a response with fewer
// than two NUL separators or an empty authentication identity is
// malformed.
func DecodePlain(arg string) (Credentials, error) {
	decoded, err := base64.StdEncoding.DecodeString(arg)
	if err != nil {
		return Credentials{}, ErrMalformedCredentials
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return Credentials{}, ErrMalformedCredentials
	}
	if parts[1] == "" {
		return Credentials{}, ErrMalformedCredentials
	}

	return Credentials{
		AuthzID:  parts[0],
		AuthcID:  parts[1],
		Password: parts[2],
	}, nil
}

// DecodeLogin parses the two base64 responses of the AUTH LOGIN
// challenge sequence.
func DecodeLogin(encodedUser, encodedPass string) (Credentials, error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return Credentials{}, ErrMalformedCredentials
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return Credentials{}, ErrMalformedCredentials
	}

	if len(user) == 0 {
		return Credentials{}, ErrMalformedCredentials
	}

	return Credentials{
		AuthcID:  string(user),
		Password: string(pass),
	}, nil
}
