package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWKSPath is where a Signer's public key set is served.
const JWKSPath = "/.well-known/jwks.json"

// Signer mints RS256 OIDC-style tokens for task callbacks when the broker
// cannot (the self-hosted relay). Its public key is published as a JWKS so
// a TokenVerifier can check them.
type Signer struct {
	key    *rsa.PrivateKey
	kid    string
	issuer string
	now    func() time.Time
}

// NewSigner loads a PKCS1 or PKCS8 PEM private key.
func NewSigner(privateKeyPEM, issuer, kid string) (*Signer, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM private key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		k, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("failed to parse private key: %v", err)
		}
		var ok bool
		if key, ok = k.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
	}
	return &Signer{key: key, kid: kid, issuer: issuer, now: time.Now}, nil
}

// GenerateSigner creates a signer with a fresh 2048-bit key. Tokens it signs
// stop verifying once the process restarts.
func GenerateSigner(issuer, kid string) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &Signer{key: key, kid: kid, issuer: issuer, now: time.Now}, nil
}

// Sign returns a token for audience carrying email as the caller identity.
func (s *Signer) Sign(audience, email string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   email,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:         email,
		EmailVerified: email != "",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

// JWKS returns the public half of the signing key.
func (s *Signer) JWKS() JSONWebKeySet {
	return JSONWebKeySet{Keys: []JSONWebKey{{
		Kty: "RSA",
		Use: "sig",
		Kid: s.kid,
		N:   base64.RawURLEncoding.EncodeToString(s.key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(s.key.PublicKey.E)).Bytes()),
	}}}
}

// JWKSHandler serves JWKS().
func (s *Signer) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_ = json.NewEncoder(w).Encode(s.JWKS())
	}
}
