package socks5

import (
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// Authentication method constants per RFC 1928 Section 3.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodGSSAPI       = 0x01
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Status codes for username/password auth (RFC 1929 Section 2).
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

// Authenticator negotiates one SOCKS5 authentication method. The
// username it returns on success becomes the identity the rest of the
// handler keys ACL decisions, QoS allocation, and session accounting
// off of.
type Authenticator interface {
	Authenticate(reader io.Reader, writer io.Writer) (string, error)
	GetMethod() byte
}

// NoAuthAuthenticator admits any client without an identity check. The
// empty string it returns is the "user" ACL/QoS rules then resolve
// against, so a deployment that enables it should have an explicit
// default rule and QoS allocation for that identity.
type NoAuthAuthenticator struct{}

func (a *NoAuthAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	return "", nil
}

func (a *NoAuthAuthenticator) GetMethod() byte {
	return AuthMethodNoAuth
}

// CredentialStore validates a username/password pair presented during
// RFC 1929 negotiation.
type CredentialStore interface {
	Valid(username, password string) bool
}

// HashedCredentials maps username to a bcrypt hash. This is the
// credential store an operator should configure for any deployment
// that enforces per-user ACL rules or QoS allocations, since the
// authenticated username becomes that user's lookup key everywhere
// else in the proxy.
type HashedCredentials map[string]string

// dummyHash lets Valid run a bcrypt comparison even for an unknown
// username, so a lookup miss costs the same time as a wrong password.
var dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// StaticCredentials is a plaintext username/password map.
//
// Deprecated: configure HashedCredentials instead. Plaintext storage
// only exists as a bridge for an operator migrating an existing user
// list before they've hashed it.
type StaticCredentials map[string]string

func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedPass), []byte(password)) == 1
}

// HashPassword bcrypt-hashes password for storage in a config
// document's hashed_users map.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MustHashPassword hashes password or panics. For tests and one-off
// credential generation, never production request handling.
func MustHashPassword(password string) string {
	hash, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return hash
}

// UserPassAuthenticator implements RFC 1929 username/password
// negotiation against a CredentialStore.
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: creds}
}

func (a *UserPassAuthenticator) GetMethod() byte {
	return AuthMethodUserPass
}

// Authenticate reads the RFC 1929 negotiation frame:
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
//
// and replies with {VER, STATUS}. The username returned on success
// flows straight into Handler.Handle as the ACL/QoS/session identity
// for the rest of the connection's lifetime.
func (a *UserPassAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return "", err
	}
	if header[0] != 0x01 {
		return "", errors.New("unsupported auth version")
	}

	uLen := int(header[1])
	if uLen == 0 {
		return "", errors.New("username is empty")
	}
	username := make([]byte, uLen)
	if _, err := io.ReadFull(reader, username); err != nil {
		return "", err
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(reader, pLenBuf); err != nil {
		return "", err
	}
	pLen := int(pLenBuf[0])
	password := make([]byte, pLen)
	if pLen > 0 {
		if _, err := io.ReadFull(reader, password); err != nil {
			return "", err
		}
	}

	if !a.Credentials.Valid(string(username), string(password)) {
		writer.Write([]byte{0x01, AuthStatusFailure})
		return "", errors.New("authentication failed")
	}

	if _, err := writer.Write([]byte{0x01, AuthStatusSuccess}); err != nil {
		return "", err
	}
	return string(username), nil
}

// BuildAuthenticators turns the authentication settings from
// internal/config (enabled, required, and the two credential maps)
// into the ordered Authenticator list ServerConfig.Authenticators
// expects: hashed credentials take precedence over plaintext, and a
// NoAuthAuthenticator is appended whenever auth isn't required, so
// clients that never negotiate UserPass can still connect.
func BuildAuthenticators(enabled, required bool, hashedUsers, plainUsers map[string]string) []Authenticator {
	var auths []Authenticator

	if enabled {
		switch {
		case len(hashedUsers) > 0:
			auths = append(auths, NewUserPassAuthenticator(HashedCredentials(hashedUsers)))
		case len(plainUsers) > 0:
			auths = append(auths, NewUserPassAuthenticator(StaticCredentials(plainUsers)))
		}
	}

	if !required {
		auths = append(auths, &NoAuthAuthenticator{})
	}

	return auths
}
