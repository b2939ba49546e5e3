// Package identity turns inbound requests into a numeric identity: bearer
// JWTs resolve to permanent accounts, anonymous session tokens to
// session-bound pseudo-users.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/nearby/internal/models"
)

const SessionHeader = "X-Session-Token"

// RoleAdmin grants access to index and cache maintenance.
const RoleAdmin = "admin"

var (
	// ErrNoCredentials means the request carried neither a bearer token nor a session token.
	ErrNoCredentials   = errors.New("identity: no credentials")
	ErrUnauthenticated = errors.New("identity: unauthenticated")
	ErrForbidden       = errors.New("identity: forbidden")
)

type Claims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// SessionUsers maps anonymous session tokens to pseudo-user ids.
type SessionUsers interface {
	EnsureSessionUser(ctx context.Context, token string) (int64, error)
}

type Resolver struct {
	secret   []byte
	issuer   string
	sessions SessionUsers
}

func NewResolver(secret, issuer string, sessions SessionUsers) *Resolver {
	return &Resolver{secret: []byte(secret), issuer: issuer, sessions: sessions}
}

// Resolve prefers the bearer token; the session header is only consulted
// when no Authorization header is present.
func (r *Resolver) Resolve(req *http.Request) (models.Identity, error) {
	if header := req.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return models.Identity{}, fmt.Errorf("%w: invalid authorization format", ErrUnauthenticated)
		}
		id, err := r.ParseToken(parts[1])
		if err != nil {
			return models.Identity{}, err
		}
		return models.PermanentIdentity(id), nil
	}
	if token := strings.TrimSpace(req.Header.Get(SessionHeader)); token != "" {
		if _, err := uuid.Parse(token); err != nil {
			return models.Identity{}, fmt.Errorf("%w: malformed session token", ErrUnauthenticated)
		}
		id, err := r.sessions.EnsureSessionUser(req.Context(), token)
		if err != nil {
			return models.Identity{}, fmt.Errorf("resolve session: %w", err)
		}
		return models.EphemeralIdentity(id, token), nil
	}
	return models.Identity{}, ErrNoCredentials
}

func (r *Resolver) ParseToken(raw string) (int64, error) {
	claims, err := r.parseClaims(raw)
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}

// RequireRole accepts only a bearer token carrying role. Session tokens
// never carry roles.
func (r *Resolver) RequireRole(req *http.Request, role string) (int64, error) {
	parts := strings.SplitN(req.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return 0, ErrNoCredentials
	}
	claims, err := r.parseClaims(parts[1])
	if err != nil {
		return 0, err
	}
	if claims.Role != role {
		return 0, fmt.Errorf("%w: role %q required", ErrForbidden, role)
	}
	return claims.UserID, nil
}

func (r *Resolver) parseClaims(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthenticated
	}
	if claims.UserID == 0 && claims.Subject != "" {
		if v, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil {
			claims.UserID = v
		}
	}
	if claims.UserID <= 0 {
		return nil, fmt.Errorf("%w: token has no user id", ErrUnauthenticated)
	}
	return claims, nil
}

// IssueToken signs an access token for userID.
func (r *Resolver) IssueToken(userID int64, ttl time.Duration) (string, error) {
	return r.IssueTokenWithRole(userID, "", ttl)
}

// IssueTokenWithRole signs an access token that also carries role.
func (r *Resolver) IssueTokenWithRole(userID int64, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    r.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// NewSessionToken returns a fresh anonymous session token.
func NewSessionToken() string { return uuid.NewString() }
