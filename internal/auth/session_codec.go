package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultSessionTTL = 60 * time.Minute

	// rememberMultiplier scales the session lifetime when the client asks
	// to stay signed in. The token structure is unchanged either way.
	rememberMultiplier = 24
)

var (
	ErrMissingSigningSecret = errors.New("session codec: signing secret required")
	ErrMissingSubject       = errors.New("session codec: subject required")
	ErrMissingSessionToken  = errors.New("session codec: token required")
	ErrInvalidSessionToken  = errors.New("session codec: invalid token")
	ErrExpiredSessionToken  = errors.New("session codec: token expired")
)

// SessionClaims is the payload carried by a gatehouse session token.
type SessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// SessionCodecConfig configures the session token codec.
type SessionCodecConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// SessionCodec mints and verifies self-contained HS256 session tokens.
// Tokens are stateless: once issued they stay valid until their own expiry,
// and "refreshing" issues a brand-new token rather than mutating the old one.
type SessionCodec struct {
	signingSecret []byte
	issuer        string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewSessionCodec constructs a codec with validated configuration.
func NewSessionCodec(cfg SessionCodecConfig) (*SessionCodec, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionCodec{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        strings.TrimSpace(cfg.Issuer),
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// Issue signs a new session token for the given user. A remembered session
// lives 24 times the base lifetime.
func (c *SessionCodec) Issue(userID, email string, remember bool) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", ErrMissingSubject
	}

	ttl := c.tokenTTL
	if remember {
		ttl *= rememberMultiplier
	}

	now := c.clock().UTC()
	claims := SessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			// A token id keeps two tokens for the same subject distinct even
			// when issued within the same second.
			ID: uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.signingSecret)
}

// Verify checks the token signature and expiry and returns the parsed claims.
// An expired but otherwise well-signed token fails with ErrExpiredSessionToken;
// any structural or signature problem fails with ErrInvalidSessionToken.
func (c *SessionCodec) Verify(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return c.signingSecret, nil
		},
		jwt.WithTimeFunc(c.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return SessionClaims{}, ErrMissingSubject
	}
	return *claims, nil
}
