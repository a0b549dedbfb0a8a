// Package auth signs and verifies callback tokens.
//
// The provider echoes the callback URL it was given at session start, so a
// short-lived EdDSA JWT embedded in that URL proves a callback came from a
// session this service started. Keys are loaded from PEM files or, for
// development, generated at startup.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// CallbackAudience is the audience of every callback token.
	CallbackAudience = "kiai-callback"
	issuer           = "kiai"
)

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("auth: invalid callback token")

// CallbackClaims are the claims of a callback token. Subject names the user
// the session was started for, when known.
type CallbackClaims struct {
	jwt.RegisteredClaims
}

// CallbackSigner issues and verifies callback tokens with Ed25519.
type CallbackSigner struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration
	now        func() time.Time
}

// NewCallbackSigner creates a signer from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development);
// tokens issued before a restart then stop verifying.
func NewCallbackSigner(privateKeyPath, publicKeyPath string, ttl time.Duration) (*CallbackSigner, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s := &CallbackSigner{ttl: ttl, now: time.Now}

	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no callback key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		s.privateKey, s.publicKey = priv, pub
		return s, nil
	}

	priv, pub, err := loadKeyPair(privateKeyPath, publicKeyPath)
	if err != nil {
		return nil, err
	}
	s.privateKey, s.publicKey = priv, pub
	return s, nil
}

func loadKeyPair(privateKeyPath, publicKeyPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	// Catch a private key from one environment deployed with another's public key.
	if !bytes.Equal(edPriv.Public().(ed25519.PublicKey), edPub) {
		return nil, nil, fmt.Errorf("auth: public key does not match private key")
	}
	return edPriv, edPub, nil
}

// Issue creates a callback token for a session started on behalf of userID
// (may be empty).
func (s *CallbackSigner) Issue(userID string) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(s.ttl)
	claims := CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{CallbackAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(s.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign callback token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, audience, issuer and expiry.
func (s *CallbackSigner) Verify(tokenStr string) (*CallbackClaims, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&CallbackClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.publicKey, nil
		},
		jwt.WithAudience(CallbackAudience),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*CallbackClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}
	return claims, nil
}
