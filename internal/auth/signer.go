// Package auth provides actor credentials, action signing and the access
// gate consulted before edits and structural changes.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"schemahub/pkg/domain"
)

// ErrInvalidSignature is returned when a SignatureDate does not verify.
var ErrInvalidSignature = errors.New("invalid signature")

// Claims is the payload bound into every signature token.
type Claims struct {
	Action string `json:"act"`
	jwt.RegisteredClaims
}

// Signer issues and verifies SignatureDates as HS256 tokens.
type Signer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewSigner returns a signer. An empty key is replaced by a random one, which
// makes signatures verifiable only within the current process.
func NewSigner(key []byte, issuer string) (*Signer, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	if issuer == "" {
		issuer = "schemahub"
	}
	return &Signer{key: append([]byte(nil), key...), issuer: issuer, now: time.Now}, nil
}

// SetClock overrides the time source.
func (s *Signer) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Sign produces the proof-of-action record for actor performing action.
func (s *Signer) Sign(actor, action string) (domain.SignatureDate, error) {
	at := s.now().UTC().Truncate(time.Second)
	id := ulid.Make().String()
	claims := Claims{
		Action: action,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       id,
			Issuer:   s.issuer,
			Subject:  actor,
			IssuedAt: jwt.NewNumericDate(at),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return domain.SignatureDate{}, fmt.Errorf("sign %s: %w", action, err)
	}
	return domain.SignatureDate{ID: id, DateTime: at, Signature: token}, nil
}

// Verify checks that sig was issued by this signer and has not been altered.
func (s *Signer) Verify(sig domain.SignatureDate) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(sig.Signature, &claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(s.issuer))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.ID != sig.ID {
		return Claims{}, fmt.Errorf("%w: id mismatch", ErrInvalidSignature)
	}
	if claims.IssuedAt == nil || !claims.IssuedAt.Time.Equal(sig.DateTime) {
		return Claims{}, fmt.Errorf("%w: timestamp mismatch", ErrInvalidSignature)
	}
	return claims, nil
}
