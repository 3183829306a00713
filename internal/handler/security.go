package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/xenking/order-lifecycle/internal/domain/auth"
)

// API key scopes.
const (
	ScopeRead  = "orders:read"
	ScopeWrite = "orders:write"
)

// APIKeyHeader carries operator API keys.
const APIKeyHeader = "api_key"

var errUnauthorized = errors.New("unauthorized")

type customerClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Authenticator verifies customer bearer tokens and operator API keys.
type Authenticator struct {
	apikeys     auth.Repository
	pepper      []byte
	tokenSecret []byte
}

// NewAuthenticator creates an Authenticator. Tokens are HS256 signed with
// tokenSecret; API keys are stored as HMAC-SHA256 hashes keyed by pepper.
func NewAuthenticator(apikeys auth.Repository, pepper, tokenSecret []byte) *Authenticator {
	return &Authenticator{
		apikeys:     apikeys,
		pepper:      pepper,
		tokenSecret: tokenSecret,
	}
}

// IssueToken signs a customer token valid for ttl.
func IssueToken(secret []byte, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	claims := customerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return s, nil
}

// HashAPIKey returns the hex HMAC-SHA256 of key under pepper, as stored.
func HashAPIKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Identify parses a bearer token into the caller identity.
func (a *Authenticator) Identify(token string) (auth.Identity, error) {
	var claims customerClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.tokenSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return auth.Identity{}, errors.Wrap(err, "parse token")
	}
	if claims.Subject == "" {
		return auth.Identity{}, errors.New("token has no subject")
	}
	return auth.Identity{Subject: claims.Subject, Roles: claims.Roles}, nil
}

// Customer requires a valid bearer token and stores the identity in the
// request context.
func (a *Authenticator) Customer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, r, errUnauthorized)
			return
		}
		id, err := a.Identify(strings.TrimSpace(raw))
		if err != nil {
			zctx.From(r.Context()).Debug("Rejected bearer token", zap.Error(err))
			writeError(w, r, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// APIKey requires a known operator key in the api_key header.
func (a *Authenticator) APIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := a.checkAPIKey(r.Context(), r.Header.Get(APIKeyHeader))
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithAPIKey(r.Context(), info)))
	})
}

// RequireScope rejects keys issued without scope.
func (a *Authenticator) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := auth.APIKeyFrom(r.Context())
			if !ok || !key.HasScope(scope) {
				writeError(w, r, errForbiddenScope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) checkAPIKey(ctx context.Context, key string) (*auth.APIKeyInfo, error) {
	if key == "" {
		return nil, errUnauthorized
	}
	hexHash := HashAPIKey(a.pepper, key)

	info, err := a.apikeys.FindByHash(ctx, hexHash)
	switch {
	case errors.Is(err, auth.ErrKeyNotFound):
		return nil, errUnauthorized
	case err != nil:
		return nil, errors.Wrap(err, "find api key")
	}

	// The repository row must match the computed hash byte for byte.
	storedBytes, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return nil, errUnauthorized
	}
	computed, _ := hex.DecodeString(hexHash)
	if subtle.ConstantTimeCompare(computed, storedBytes) != 1 {
		return nil, errUnauthorized
	}
	return info, nil
}
