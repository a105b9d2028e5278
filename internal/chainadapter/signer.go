package chainadapter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	jwt "github.com/golang-jwt/jwt/v5"
)

// jwtTokenTTL bounds how long a minted bearer token is valid for. Ledger
// writes are short enough that a token never needs to outlive one request.
const jwtTokenTTL = 2 * time.Minute

// RequestSigner attaches the mediator's identity to every ledger write: a
// secp256k1 signature over the request body, carried in a header, and a
// short-lived bearer token the ledger's auth middleware expects.
type RequestSigner struct {
	mediatorID string
	privateKey *secp256k1.PrivateKey
	jwtSecret  []byte
}

// NewRequestSigner constructs a RequestSigner from a hex-encoded secp256k1
// private key and the shared HMAC secret the ledger validates bearer tokens
// against.
func NewRequestSigner(mediatorID string, privateKeyHex string, jwtSecret string) (*RequestSigner, error) {
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("chainadapter: decode mediator private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("chainadapter: mediator private key must be 32 bytes, got %d", len(raw))
	}
	return &RequestSigner{
		mediatorID: mediatorID,
		privateKey: secp256k1.PrivKeyFromBytes(raw),
		jwtSecret:  []byte(jwtSecret),
	}, nil
}

// Sign returns a hex-encoded DER signature over sha256(payload).
func (s *RequestSigner) Sign(payload []byte) string {
	hash := sha256.Sum256(payload)
	sig := ecdsa.Sign(s.privateKey, hash[:])
	return hex.EncodeToString(sig.Serialize())
}

// MintToken issues a short-lived HS256 bearer token identifying this
// mediator, matching the claim shape the teacher's gateway middleware
// validates (issuer, subject, expiry).
func (s *RequestSigner) MintToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": "mediator",
		"sub": s.mediatorID,
		"iat": now.Unix(),
		"exp": now.Add(jwtTokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
