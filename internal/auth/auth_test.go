package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiai/internal/auth"
)

func TestIssueAndVerify(t *testing.T) {
	s, err := auth.NewCallbackSigner("", "", time.Hour)
	require.NoError(t, err)

	token, exp, err := s.Issue("alice")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, exp.After(time.Now()))

	claims, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "kiai", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestVerifyRejectsMissingAndGarbage(t *testing.T) {
	s, err := auth.NewCallbackSigner("", "", time.Hour)
	require.NoError(t, err)

	_, err = s.Verify("")
	require.ErrorIs(t, err, auth.ErrInvalidToken)
	_, err = s.Verify("not.a.jwt")
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestVerifyRejectsOtherSigner(t *testing.T) {
	a, err := auth.NewCallbackSigner("", "", time.Hour)
	require.NoError(t, err)
	b, err := auth.NewCallbackSigner("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := a.Issue("")
	require.NoError(t, err)
	_, err = b.Verify(token)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

// newTestSignerWithKey creates a signer backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestSignerWithKey(t *testing.T) (*auth.CallbackSigner, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	s, err := auth.NewCallbackSigner(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return s, priv
}

func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func TestVerifyClaimChecks(t *testing.T) {
	s, priv := newTestSignerWithKey(t)
	now := time.Now().UTC()

	base := func() jwt.RegisteredClaims {
		return jwt.RegisteredClaims{
			Issuer:    "kiai",
			Audience:  jwt.ClaimStrings{auth.CallbackAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		}
	}

	t.Run("valid forged token from the configured key", func(t *testing.T) {
		_, err := s.Verify(forgeToken(t, priv, &auth.CallbackClaims{RegisteredClaims: base()}))
		require.NoError(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		c := base()
		c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
		_, err := s.Verify(forgeToken(t, priv, &auth.CallbackClaims{RegisteredClaims: c}))
		require.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		c := base()
		c.Audience = jwt.ClaimStrings{"kiai-api"}
		_, err := s.Verify(forgeToken(t, priv, &auth.CallbackClaims{RegisteredClaims: c}))
		require.ErrorIs(t, err, auth.ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := base()
		c.Issuer = "someone-else"
		_, err := s.Verify(forgeToken(t, priv, &auth.CallbackClaims{RegisteredClaims: c}))
		require.ErrorIs(t, err, auth.ErrInvalidToken)
	})
}

func TestMismatchedKeyFiles(t *testing.T) {
	dir := t.TempDir()
	_, privA, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubB, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(privA)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))
	pubBytes, err := x509.MarshalPKIXPublicKey(pubB)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	_, err = auth.NewCallbackSigner(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}
