// Package auth issues and verifies the JWTs that identify realtime and
// REST callers, and mints the room-scoped media tokens handed to clients
// inside a room's mediaSessionRef.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"

	"github.com/dkeye/Breakout/internal/domain"
)

const (
	audienceCaller = "breakout.caller"
	audienceMedia  = "breakout.media"
)

type CallerClaims struct {
	Name string      `json:"name,omitempty"`
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

type MediaClaims struct {
	Room    domain.RoomID    `json:"room"`
	Session domain.SessionID `json:"session"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	clock  clockwork.Clock
}

func NewIssuer(secret string, clock clockwork.Clock) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("auth: empty secret")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{secret: []byte(secret), clock: clock}, nil
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func (i *Issuer) registered(subject, audience string, ttl time.Duration) jwt.RegisteredClaims {
	now := i.clock.Now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

// IssueCaller signs a caller token for user.
func (i *Issuer) IssueCaller(user domain.User, ttl time.Duration) (string, error) {
	return i.sign(CallerClaims{
		Name:             user.Username,
		Role:             user.Role,
		RegisteredClaims: i.registered(string(user.ID), audienceCaller, ttl),
	})
}

// IssueMediaToken signs the opaque token stored in a room's mediaSessionRef.
func (i *Issuer) IssueMediaToken(room domain.RoomID, session domain.SessionID, ttl time.Duration) (string, error) {
	return i.sign(MediaClaims{
		Room:             room,
		Session:          session,
		RegisteredClaims: i.registered(string(room), audienceMedia, ttl),
	})
}

type registeredVerifier interface {
	VerifyAudience(cmp string, req bool) bool
	VerifyExpiresAt(cmp time.Time, req bool) bool
}

func (i *Issuer) parse(token string, claims jwt.Claims, audience string) error {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	rc, ok := claims.(registeredVerifier)
	if !ok {
		return fmt.Errorf("%w: unsupported claims", domain.ErrUnauthorized)
	}
	// Expiry is checked against the issuer clock.
	if !rc.VerifyExpiresAt(i.clock.Now(), true) {
		return fmt.Errorf("%w: token expired", domain.ErrUnauthorized)
	}
	if !rc.VerifyAudience(audience, true) {
		return fmt.Errorf("%w: wrong audience", domain.ErrUnauthorized)
	}
	return nil
}

// ParseCaller verifies a caller token and returns its user.
func (i *Issuer) ParseCaller(token string) (*domain.User, error) {
	var claims CallerClaims
	if err := i.parse(token, &claims, audienceCaller); err != nil {
		return nil, err
	}
	user, err := domain.NewUser(domain.UserID(claims.Subject), claims.Name, claims.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	return user, nil
}

func (i *Issuer) ParseMediaToken(token string) (*MediaClaims, error) {
	var claims MediaClaims
	if err := i.parse(token, &claims, audienceMedia); err != nil {
		return nil, err
	}
	return &claims, nil
}
