// Package smtp implements the SMTP listener in front of the encrypting relay:
// session handling, TLS upgrade, authentication, and handoff to a provider.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// Authenticator verifies SMTP AUTH credentials against a single configured
// username/password pair. Comparison is constant-time so response timing does
// not leak how much of a guess matched.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If both username and password are empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// VerifyPlain decodes and verifies an AUTH PLAIN response, which carries
// base64(authzid \x00 authcid \x00 password). The authorization identity is
// ignored; only the authentication identity and password are checked.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid AUTH PLAIN format")
	}

	return a.check(parts[1], parts[2])
}

// VerifyLogin verifies AUTH LOGIN credentials collected through the
// challenge-response flow. Both values arrive base64-encoded.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return fmt.Errorf("invalid base64 password")
	}

	return a.check(string(user), string(pass))
}

// check compares the presented credentials against the configured pair.
func (a *Authenticator) check(user, pass string) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username))
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password))
	if userOK&passOK != 1 {
		return fmt.Errorf("authentication failed")
	}
	return nil
}
