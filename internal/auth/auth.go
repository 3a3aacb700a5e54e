// Package auth authenticates API callers from HS256 bearer tokens and
// carries the resulting Actor through gin and context.Context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrInvalidRole  = errors.New("auth: invalid role")
)

// Role is a platform-wide role. Payer and payee are not roles: they are
// relations between a user and a contract.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleArbitrator Role = "arbitrator"
	// RoleSystem is used by the scheduler and reconciler; it is never
	// accepted from a token.
	RoleSystem Role = "system"
)

// SystemActorID identifies background work in records such as
// FundRelease.InitiatedBy.
const SystemActorID = "SYSTEM"

// Actor is the authenticated caller.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// System is the actor for scheduler-originated work.
var System = Actor{ID: SystemActorID, Role: RoleSystem}

// IsAdmin reports whether the actor may act on any contract.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }

// IsStaff reports whether the actor may read any contract.
func (a Actor) IsStaff() bool { return a.IsAdmin() || a.Role == RoleArbitrator }

func validRole(r Role) bool {
	switch r {
	case RoleUser, RoleAdmin, RoleArbitrator:
		return true
	default:
		return false
	}
}

// Tokens issues and verifies actor tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token codec signing with secret.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for actor.
func (t *Tokens) Issue(actor Actor) (string, error) {
	if !validRole(actor.Role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, actor.Role)
	}
	now := t.now()
	claims := jwt.MapClaims{
		"sub":  actor.ID,
		"role": string(actor.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(t.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses and validates a token.
func (t *Tokens) Verify(raw string) (Actor, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role, _ := claims["role"].(string)
	if !validRole(Role(role)) {
		return Actor{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return Actor{ID: sub, Role: Role(role)}, nil
}

type actorKey struct{}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// FromContext returns the actor carried by ctx.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
