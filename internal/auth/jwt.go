package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims are the OIDC claims checked on inbound task requests.
type Claims struct {
	jwt.RegisteredClaims
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
}

type keySource interface {
	key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// TokenVerifier validates RS256 bearer tokens for one audience.
type TokenVerifier struct {
	keys     keySource
	issuer   string
	audience string
	email    string
	leeway   time.Duration
}

// NewTokenVerifier verifies tokens against a single PEM encoded RSA public key.
func NewTokenVerifier(publicKeyPEM, issuer, audience, email string) (*TokenVerifier, error) {
	pub, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return newVerifier(staticKey{pub}, issuer, audience, email), nil
}

// NewJWKSVerifier verifies tokens against the keys published at jwksURL.
// The set is fetched once now and again when a token names an unknown kid.
func NewJWKSVerifier(ctx context.Context, jwksURL, issuer, audience, email string) (*TokenVerifier, error) {
	set := &jwksKeys{url: jwksURL, client: &http.Client{Timeout: 10 * time.Second}, minRefresh: time.Minute}
	if err := set.refresh(ctx); err != nil {
		return nil, err
	}
	return newVerifier(set, issuer, audience, email), nil
}

func newVerifier(keys keySource, issuer, audience, email string) *TokenVerifier {
	return &TokenVerifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		email:    email,
		leeway:   30 * time.Second,
	}
}

// Verify parses tokenString and checks signature, expiry, issuer, audience and
// (when configured) the email claim.
func (v *TokenVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		return v.keys.key(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if v.email != "" && claims.Email != v.email {
		return nil, fmt.Errorf("%w: unexpected email %q", ErrInvalidToken, claims.Email)
	}
	return claims, nil
}

// VerifyRequest extracts the bearer token from r and verifies it.
func (v *TokenVerifier) VerifyRequest(r *http.Request) (*Claims, error) {
	authHeader := r.Header.Get("Authorization")
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if authHeader == "" || tokenString == authHeader {
		return nil, ErrMissingToken
	}
	return v.Verify(r.Context(), tokenString)
}

func parsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err == nil {
		return publicKey, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %v", err)
	}
	publicKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return publicKey, nil
}

type staticKey struct {
	pub *rsa.PublicKey
}

func (s staticKey) key(context.Context, string) (*rsa.PublicKey, error) {
	return s.pub, nil
}

// JSONWebKeySet represents a JWKS response
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey represents a single key in JWKS
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// PublicKey converts an RSA JWK.
func (k JSONWebKey) PublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("jwk %q: unsupported key type %q", k.Kid, k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("jwk %q: modulus: %v", k.Kid, err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("jwk %q: exponent: %v", k.Kid, err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() > 1<<31-1 || exp.Int64() < 3 {
		return nil, fmt.Errorf("jwk %q: invalid exponent", k.Kid)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

type jwksKeys struct {
	url        string
	client     *http.Client
	minRefresh time.Duration

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

func (s *jwksKeys) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	pub, ok := s.lookup(kid)
	stale := time.Since(s.fetched) >= s.minRefresh
	s.mu.Unlock()
	if ok {
		return pub, nil
	}
	if !stale {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pub, ok := s.lookup(kid); ok {
		return pub, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

// lookup falls back to the only key when the token carries no kid.
func (s *jwksKeys) lookup(kid string) (*rsa.PublicKey, bool) {
	if kid == "" && len(s.keys) == 1 {
		for _, pub := range s.keys {
			return pub, true
		}
	}
	pub, ok := s.keys[kid]
	return pub, ok
}

// FetchJWKS fetches the key set at jwksURL.
func FetchJWKS(ctx context.Context, client *http.Client, jwksURL string) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %v", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pub, err := k.PublicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no usable RSA keys found in JWKS")
	}
	return keys, nil
}

func (s *jwksKeys) refresh(ctx context.Context) error {
	keys, err := FetchJWKS(ctx, s.client, s.url)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.keys = keys
	s.fetched = time.Now()
	s.mu.Unlock()
	return nil
}
