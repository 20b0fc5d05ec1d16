package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"cartoon/internal/domain"
)

const (
	GoogleIssuer  = "https://accounts.google.com"
	GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

	keyRefreshInterval = time.Hour
)

var ErrUnknownKey = errors.New("identity: unknown signing key")

type GoogleOptions struct {
	ClientID   string
	JWKSURL    string
	HTTPClient *http.Client
}

// GoogleVerifier validates Google ID tokens against Google's published RSA
// keys. Keys are cached and refetched hourly or when an unknown kid shows up.
type GoogleVerifier struct {
	clientID   string
	jwksURL    string
	httpClient *http.Client
	now        func() time.Time

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
	group   singleflight.Group
}

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Locale        string `json:"locale"`
	jwt.RegisteredClaims
}

func NewGoogleVerifier(opts GoogleOptions) (*GoogleVerifier, error) {
	if strings.TrimSpace(opts.ClientID) == "" {
		return nil, errors.New("identity: google client id is required")
	}
	jwksURL := opts.JWKSURL
	if jwksURL == "" {
		jwksURL = GoogleJWKSURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoogleVerifier{
		clientID:   opts.ClientID,
		jwksURL:    jwksURL,
		httpClient: client,
		now:        time.Now,
		keys:       make(map[string]*rsa.PublicKey),
	}, nil
}

// VerifyIDToken checks signature, audience, issuer and expiry of raw and
// returns the signed-in user it asserts.
func (v *GoogleVerifier) VerifyIDToken(ctx context.Context, raw string) (domain.User, error) {
	claims := &googleClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.clientID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.User{}, ErrTokenExpired
		}
		return domain.User{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if iss := claims.Issuer; iss != GoogleIssuer && iss != strings.TrimPrefix(GoogleIssuer, "https://") {
		return domain.User{}, fmt.Errorf("%w: issuer %q", ErrTokenInvalid, iss)
	}
	if claims.Subject == "" {
		return domain.User{}, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	user := domain.User{GoogleID: claims.Subject, Name: claims.Name, Locale: claims.Locale}
	if claims.EmailVerified {
		user.Email = claims.Email
	}
	return user, nil
}

func (v *GoogleVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	k, ok := v.keys[kid]
	stale := v.now().Sub(v.fetched) > keyRefreshInterval
	v.mu.RUnlock()
	if ok && !stale {
		return k, nil
	}
	if err := v.refresh(ctx); err != nil {
		if ok {
			return k, nil
		}
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if k, ok := v.keys[kid]; ok {
		return k, nil
	}
	return nil, ErrUnknownKey
}

func (v *GoogleVerifier) refresh(ctx context.Context) error {
	_, err, _ := v.group.Do("jwks", func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := v.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("identity: fetch jwks: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("identity: fetch jwks: http %d", resp.StatusCode)
		}
		var set struct {
			Keys []struct {
				Kid string `json:"kid"`
				Kty string `json:"kty"`
				N   string `json:"n"`
				E   string `json:"e"`
			} `json:"keys"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
			return nil, fmt.Errorf("identity: decode jwks: %w", err)
		}
		keys := make(map[string]*rsa.PublicKey, len(set.Keys))
		for _, k := range set.Keys {
			if k.Kty != "RSA" {
				continue
			}
			pub, err := rsaPublicKey(k.N, k.E)
			if err != nil {
				continue
			}
			keys[k.Kid] = pub
		}
		if len(keys) == 0 {
			return nil, errors.New("identity: jwks has no usable keys")
		}
		v.mu.Lock()
		v.keys = keys
		v.fetched = v.now()
		v.mu.Unlock()
		return nil, nil
	})
	return err
}

func rsaPublicKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, err
	}
	exp := 0
	for _, b := range eBytes {
		exp = exp<<8 | int(b)
	}
	if exp == 0 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: exp}, nil
}
