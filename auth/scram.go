package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/xdg-go/scram"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// ScramSHA256Name is the SASL mechanism name this handler speaks.
	ScramSHA256Name = "SCRAM-SHA-256"

	// ScramIterationCount is the default PBKDF2 iteration count
	// PostgreSQL uses for SCRAM-SHA-256 verifiers.
	ScramIterationCount = 4096

	// ScramKeyLength is the SHA-256 digest size used for all SCRAM keys.
	ScramKeyLength = 32

	// ScramSaltSize is the salt size used when generating verifiers.
	ScramSaltSize = 16
)

// ScramHandler drives the client side of a SCRAM-SHA-256 exchange. The
// three SASL challenges of one handshake share the conversation state
// held here; a fresh conversation starts whenever the server sends a
// new mechanism advertisement.
type ScramHandler struct {
	creds     Credentials
	mechanism string
	conv      *scram.ClientConversation
}

// NewScramHandler builds a SCRAM handler for creds.
func NewScramHandler(creds Credentials) *ScramHandler {
	return &ScramHandler{creds: creds}
}

// Mechanism returns the mechanism name.
func (h *ScramHandler) Mechanism() Mechanism {
	return MechanismScramSHA256
}

// Handle responds to the SASL challenge sequence: mechanism
// advertisement, server-first message, and server-final message.
func (h *ScramHandler) Handle(challenge pgproto3.AuthenticationResponseMessage) (pgproto3.FrontendMessage, error) {
	switch msg := challenge.(type) {
	case *pgproto3.AuthenticationSASL:
		return h.start(msg)
	case *pgproto3.AuthenticationSASLContinue:
		return h.continueConversation(msg)
	case *pgproto3.AuthenticationSASLFinal:
		return h.verifyServer(msg)
	default:
		return nil, fmt.Errorf("%w: scram handler got %T", ErrUnexpectedChallenge, challenge)
	}
}

// start picks SCRAM-SHA-256 from the advertised mechanisms and opens a
// new conversation. Channel-binding variants are skipped: this client
// does not implement tls-server-end-point binding.
func (h *ScramHandler) start(msg *pgproto3.AuthenticationSASL) (pgproto3.FrontendMessage, error) {
	chosen := ""
	for _, mechanism := range msg.AuthMechanisms {
		if mechanism == ScramSHA256Name {
			chosen = mechanism
			break
		}
	}
	if chosen == "" {
		return nil, fmt.Errorf("%w: server offered %s",
			ErrUnsupportedMechanism, strings.Join(msg.AuthMechanisms, ", "))
	}

	client, err := scram.SHA256.NewClient(h.creds.Username, h.creds.Password, "")
	if err != nil {
		return nil, fmt.Errorf("creating scram client: %w", err)
	}

	h.mechanism = chosen
	h.conv = client.NewConversation()

	clientFirst, err := h.conv.Step("")
	if err != nil {
		return nil, fmt.Errorf("building scram client-first message: %w", err)
	}

	return &pgproto3.SASLInitialResponse{
		AuthMechanism: chosen,
		Data:          []byte(clientFirst),
	}, nil
}

// continueConversation answers the server-first message with the
// client-final message carrying the proof.
func (h *ScramHandler) continueConversation(msg *pgproto3.AuthenticationSASLContinue) (pgproto3.FrontendMessage, error) {
	if h.conv == nil {
		return nil, fmt.Errorf("%w: SASL continue before mechanism negotiation", ErrMalformedChallenge)
	}

	clientFinal, err := h.conv.Step(string(msg.Data))
	if err != nil {
		return nil, fmt.Errorf("answering scram server-first message: %w", err)
	}

	return &pgproto3.SASLResponse{Data: []byte(clientFinal)}, nil
}

// verifyServer checks the server signature in the server-final message.
// Nothing is sent back; the success signal follows from the server.
func (h *ScramHandler) verifyServer(msg *pgproto3.AuthenticationSASLFinal) (pgproto3.FrontendMessage, error) {
	if h.conv == nil {
		return nil, fmt.Errorf("%w: SASL final before mechanism negotiation", ErrMalformedChallenge)
	}

	if _, err := h.conv.Step(string(msg.Data)); err != nil {
		return nil, fmt.Errorf("verifying scram server signature: %w", err)
	}
	if !h.conv.Valid() {
		return nil, fmt.Errorf("%w: scram conversation did not complete", ErrMalformedChallenge)
	}

	return nil, nil
}

// ScramVerifier derives the verifier string PostgreSQL stores in
// pg_authid for a SCRAM-SHA-256 password, in the
// "SCRAM-SHA-256$<iterations>:<salt>$<storedkey>:<serverkey>" format
// used by CREATE ROLE ... PASSWORD. Useful for provisioning users that
// this client will later authenticate as.
func ScramVerifier(password string, iterations int) (string, error) {
	if iterations <= 0 {
		iterations = ScramIterationCount
	}

	salt := make([]byte, ScramSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating scram salt: %w", err)
	}

	// SaltedPassword := Hi(Normalize(password), salt, iterations)
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, ScramKeyLength, sha256.New)

	// ClientKey := HMAC(SaltedPassword, "Client Key"); StoredKey := H(ClientKey)
	clientKey := hmac.New(sha256.New, saltedPassword)
	clientKey.Write([]byte("Client Key"))
	storedKey := sha256.Sum256(clientKey.Sum(nil))

	// ServerKey := HMAC(SaltedPassword, "Server Key")
	serverKey := hmac.New(sha256.New, saltedPassword)
	serverKey.Write([]byte("Server Key"))

	return fmt.Sprintf("%s$%d:%s$%s:%s",
		ScramSHA256Name,
		iterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(storedKey[:]),
		base64.StdEncoding.EncodeToString(serverKey.Sum(nil)),
	), nil
}
