// Package auth supplies the "is this principal valid" answer the guard
// pipeline consumes. Token issuance lives with the identity provider; this
// package only validates inbound bearer tokens and carries the principal
// through the request context.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

var ErrUnauthenticated = errors.New("auth: request is not authenticated")

type Principal struct {
	Subject string
	Roles   []string
}

type contextKey string

const principalContextKey contextKey = "tripguard.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

// Authenticator validates the request's credentials. Implementations return
// ErrUnauthenticated for any failure; the reason never reaches the client.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// BearerHS256 validates HS256 bearer tokens against a shared secret.
type BearerHS256 struct {
	Secret   string
	Issuer   string
	Audience string
}

func (b BearerHS256) Authenticate(r *http.Request) (Principal, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return Principal{}, ErrUnauthenticated
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	claims, err := verifyHS256(token, b.Secret, time.Now().UTC(), b.Issuer, b.Audience)
	if err != nil {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{Subject: claims.Sub, Roles: claims.Roles}, nil
}

type tokenClaims struct {
	Sub   string   `json:"sub"`
	Roles []string `json:"roles"`
	Iss   string   `json:"iss,omitempty"`
	Aud   any      `json:"aud,omitempty"`
	Exp   int64    `json:"exp"`
	Nbf   int64    `json:"nbf,omitempty"`
}

func verifyHS256(token, secret string, now time.Time, issuer, audience string) (tokenClaims, error) {
	if secret == "" {
		return tokenClaims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return tokenClaims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenClaims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return tokenClaims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return tokenClaims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return tokenClaims{}, errors.New("signature mismatch")
	}
	var claims tokenClaims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return tokenClaims{}, err
	}
	if claims.Sub == "" {
		return tokenClaims{}, errors.New("subject required")
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return tokenClaims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return tokenClaims{}, errors.New("token not active")
	}
	if issuer != "" && claims.Iss != issuer {
		return tokenClaims{}, errors.New("issuer mismatch")
	}
	if audience != "" && !audContains(claims.Aud, audience) {
		return tokenClaims{}, errors.New("audience mismatch")
	}
	return claims, nil
}

func audContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}
