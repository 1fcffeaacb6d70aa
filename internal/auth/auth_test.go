package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://accounts.google.com"
	testAudience = "https://worker.example.com"
	testEmail    = "tasks@acme.iam.gserviceaccount.com"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Email:         testEmail,
		EmailVerified: true,
	}
}

func TestIsTrustedScheduler(t *testing.T) {
	tests := []struct {
		name   string
		header string
		token  string
		want   bool
	}{
		{name: "exact match", header: "true", token: "true", want: true},
		{name: "custom token", header: "s3cret", token: "s3cret", want: true},
		{name: "missing header", header: "", token: "true", want: false},
		{name: "case differs", header: "True", token: "true", want: false},
		{name: "other value", header: "1", token: "true", want: false},
		{name: "empty token never trusts", header: "", token: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				r.Header.Set(SchedulerHeader, tt.header)
			}
			assert.Equal(t, tt.want, IsTrustedScheduler(r, tt.token))
		})
	}
}

func TestIsTrustedBroker(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.False(t, IsTrustedBroker(r))

	r.Header.Set(BrokerHeader, "async-tasks-queue")
	assert.True(t, IsTrustedBroker(r))

	r.Header.Set(BrokerHeader, "anything")
	assert.True(t, IsTrustedBroker(r), "presence is the only requirement")
}

func TestNewTokenVerifierBadKeys(t *testing.T) {
	for _, in := range []string{"", "invalid-pem", "-----BEGIN PUBLIC KEY-----\naW52YWxpZA==\n-----END PUBLIC KEY-----\n"} {
		v, err := NewTokenVerifier(in, testIssuer, testAudience, "")
		assert.Error(t, err)
		assert.Nil(t, v)
	}
}

func TestTokenVerifier_Verify(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	v, err := NewTokenVerifier(publicPEM(t, key), testIssuer, testAudience, testEmail)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   func() string
		wantErr error
	}{
		{name: "valid", token: func() string { return sign(t, key, "", validClaims()) }},
		{name: "empty", token: func() string { return "" }, wantErr: ErrMissingToken},
		{name: "garbage", token: func() string { return "header.payload" }, wantErr: ErrInvalidToken},
		{name: "wrong key", token: func() string { return sign(t, other, "", validClaims()) }, wantErr: ErrInvalidToken},
		{name: "expired", token: func() string {
			c := validClaims()
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return sign(t, key, "", c)
		}, wantErr: ErrInvalidToken},
		{name: "no expiry", token: func() string {
			c := validClaims()
			c.ExpiresAt = nil
			return sign(t, key, "", c)
		}, wantErr: ErrInvalidToken},
		{name: "wrong audience", token: func() string {
			c := validClaims()
			c.Audience = jwt.ClaimStrings{"https://elsewhere"}
			return sign(t, key, "", c)
		}, wantErr: ErrInvalidToken},
		{name: "wrong issuer", token: func() string {
			c := validClaims()
			c.Issuer = "https://evil.example.com"
			return sign(t, key, "", c)
		}, wantErr: ErrInvalidToken},
		{name: "wrong email", token: func() string {
			c := validClaims()
			c.Email = "someone@else.com"
			return sign(t, key, "", c)
		}, wantErr: ErrInvalidToken},
		{name: "hmac rejected", token: func() string {
			s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("k"))
			require.NoError(t, err)
			return s
		}, wantErr: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Verify(context.Background(), tt.token())
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testEmail, claims.Email)
		})
	}
}

func TestTokenVerifier_VerifyRequest(t *testing.T) {
	key := newKey(t)
	v, err := NewTokenVerifier(publicPEM(t, key), testIssuer, testAudience, "")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	_, err = v.VerifyRequest(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Basic abc")
	_, err = v.VerifyRequest(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Bearer "+sign(t, key, "", validClaims()))
	_, err = v.VerifyRequest(r)
	assert.NoError(t, err)
}

func jwkFor(kid string, key *rsa.PrivateKey) JSONWebKey {
	return JSONWebKey{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}
}

func TestJWKSVerifier(t *testing.T) {
	first := newKey(t)
	second := newKey(t)

	var (
		rotated atomic.Bool
		fetches atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		set := JSONWebKeySet{Keys: []JSONWebKey{jwkFor("k1", first)}}
		if rotated.Load() {
			set.Keys = append(set.Keys, jwkFor("k2", second))
		}
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	v, err := NewJWKSVerifier(context.Background(), srv.URL, testIssuer, testAudience, "")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), sign(t, first, "k1", validClaims()))
	require.NoError(t, err)

	// a token signed with a rotated key triggers one refresh
	rotated.Store(true)
	v.keys.(*jwksKeys).fetched = time.Time{}
	_, err = v.Verify(context.Background(), sign(t, second, "k2", validClaims()))
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())

	// unknown kids inside the refresh window do not hit the endpoint
	_, err = v.Verify(context.Background(), sign(t, second, "k3", validClaims()))
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestFetchJWKSErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "status", handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{name: "bad json", handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("{")) }},
		{name: "no keys", handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"keys":[]}`)) }},
		{name: "only ec keys", handler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"keys":[{"kty":"EC","kid":"x"}]}`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := FetchJWKS(context.Background(), srv.Client(), srv.URL)
			assert.Error(t, err)
		})
	}
}
