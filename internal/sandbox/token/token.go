// Package token issues and validates the short-lived download capability granted after a
// successful code verification. Tokens are ES256 JWTs bound to one result id.
package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer   = "medlab-portal"
	audience = "public-results"
)

var (
	// ErrInvalidToken is returned when a token is malformed, expired, or bound to another result.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidKey is returned when a PEM key cannot be used for ES256.
	ErrInvalidKey = errors.New("invalid key")
)

// Claims are the JWT claims of a download grant.
type Claims struct {
	jwt.RegisteredClaims
	ResultID string `json:"result_id"`
}

// Issuer signs and validates download grants.
type Issuer struct {
	key  *ecdsa.PrivateKey
	ttl  time.Duration
	nowF func() time.Time
}

// NewIssuer returns an issuer signing with key. ttl <= 0 means 15 minutes.
func NewIssuer(key *ecdsa.PrivateKey, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{key: key, ttl: ttl, nowF: time.Now}
}

// GenerateKey returns a fresh P-256 key. The sandbox uses one per process, so grants do not
// survive a restart.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// ParseKey parses a PEM-encoded EC private key (SEC 1 or PKCS #8). s may be inline PEM or a file path.
func ParseKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	pemBytes := []byte(s)
	if !strings.HasPrefix(s, "-----BEGIN") {
		b, err := os.ReadFile(s)
		if err != nil {
			return nil, err
		}
		pemBytes = b
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrInvalidKey
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, ErrInvalidKey
		}
		return ec, nil
	}
	return nil, ErrInvalidKey
}

// Issue returns a grant for resultID and its expiry.
func (i *Issuer) Issue(resultID string) (string, time.Time, error) {
	now := i.nowF().UTC()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   resultID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ResultID: resultID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate checks signature, expiry, issuer and audience, and that the grant is for resultID.
func (i *Issuer) Validate(tokenString, resultID string) error {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return &i.key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.nowF),
	)
	if err != nil {
		return ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ResultID != resultID || claims.Subject != resultID {
		return ErrInvalidToken
	}
	return nil
}
