package auth

import (
	"crypto/md5" //nolint:gosec // MD5 is required by the PostgreSQL protocol
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// MD5PasswordLength is the length of a PostgreSQL MD5 password hash:
// the "md5" prefix plus 32 hex digits.
const MD5PasswordLength = 35

// MD5Handler answers an MD5 password challenge with the salted double
// hash PostgreSQL expects.
type MD5Handler struct {
	Username string
	Password string
}

// Mechanism returns the mechanism name.
func (h *MD5Handler) Mechanism() Mechanism {
	return MechanismMD5
}

// Handle responds to an AuthenticationMD5Password challenge using the
// per-connection salt it carries.
func (h *MD5Handler) Handle(challenge pgproto3.AuthenticationResponseMessage) (pgproto3.FrontendMessage, error) {
	md5Challenge, ok := challenge.(*pgproto3.AuthenticationMD5Password)
	if !ok {
		return nil, fmt.Errorf("%w: md5 handler got %T", ErrUnexpectedChallenge, challenge)
	}
	return &pgproto3.PasswordMessage{
		Password: pgMD5Hash(h.Password, h.Username, md5Challenge.Salt),
	}, nil
}

// pgMD5Hash computes the PostgreSQL-style MD5 hash.
// Format: "md5" + md5(md5(password + username) + salt).
func pgMD5Hash(password, username string, salt [4]byte) string {
	// First hash: md5(password + username)
	inner := md5.Sum([]byte(password + username)) //nolint:gosec
	innerHex := hex.EncodeToString(inner[:])

	// Second hash: md5(innerHex + salt)
	outer := md5.Sum(append([]byte(innerHex), salt[:]...)) //nolint:gosec
	return "md5" + hex.EncodeToString(outer[:])
}
