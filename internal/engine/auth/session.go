package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultSessionTTL = 24 * time.Hour

// Sessions issues and verifies HS256 session tokens that stand in for a raw
// API key after a successful verification.
type Sessions struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

type sessionClaims struct {
	jwt.RegisteredClaims
	KeyHash string `json:"kh"`
}

// Session is the verified content of a session token.
type Session struct {
	AgentID   string
	KeyHash   string
	ExpiresAt time.Time
}

func (s Sessions) Enabled() bool {
	return strings.TrimSpace(s.Secret) != ""
}

func (s Sessions) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Issue signs a token for agentID bound to the key hash it authenticated with.
func (s Sessions) Issue(agentID, keyHash string) (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, errors.New("session secret not configured")
	}
	if agentID == "" || keyHash == "" {
		return "", time.Time{}, errors.New("agent id and key hash required")
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := s.now()
	exp := now.Add(ttl).Truncate(time.Second)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		KeyHash: keyHash,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse verifies signature and expiry of token.
func (s Sessions) Parse(token string) (Session, error) {
	if !s.Enabled() {
		return Session{}, errors.New("session secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	claims := &sessionClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	})
	if err != nil {
		return Session{}, err
	}
	if !parsed.Valid {
		return Session{}, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.KeyHash == "" {
		return Session{}, errors.New("subject and key hash claims required")
	}
	return Session{
		AgentID:   claims.Subject,
		KeyHash:   claims.KeyHash,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
