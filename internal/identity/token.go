// Package identity verifies bearer tokens and tracks which signed-in users
// have been mirrored into the local user store.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"cartoon/internal/domain"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

const defaultIssuer = "cartoon"

// Claims are carried by session tokens minted after sign-in.
type Claims struct {
	GoogleID string `json:"google_id"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Locale   string `json:"locale,omitempty"`
	jwt.RegisteredClaims
}

// User converts the claims into a domain user.
func (c Claims) User() domain.User {
	return domain.User{
		ID:       c.Subject,
		GoogleID: c.GoogleID,
		Email:    c.Email,
		Name:     c.Name,
		Locale:   c.Locale,
	}
}

// Verifier issues and validates HS256 session tokens.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

func NewVerifier(secret string, ttl time.Duration) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("identity: secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Verifier{secret: []byte(secret), ttl: ttl, issuer: defaultIssuer, now: time.Now}, nil
}

// Issue signs a token for user.
func (v *Verifier) Issue(user domain.User) (string, error) {
	if user.GoogleID == "" {
		return "", errors.New("identity: google id is required")
	}
	subject := user.ID
	if subject == "" {
		subject = user.GoogleID
	}
	now := v.now().UTC()
	claims := Claims{
		GoogleID: user.GoogleID,
		Email:    user.Email,
		Name:     user.Name,
		Locale:   user.Locale,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its claims. Expired tokens yield
// ErrTokenExpired; everything else that fails yields ErrTokenInvalid.
func (v *Verifier) Verify(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.GoogleID == "" {
		return Claims{}, ErrTokenInvalid
	}
	return *claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
