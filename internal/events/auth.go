package events

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PermissionRealtime is the claim required to open a bus connection.
const PermissionRealtime = "realtime"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrForbidden    = errors.New("token lacks realtime permission")
)

// Claims is the bearer token payload: an identity plus permission claims.
type Claims struct {
	Permissions []string `json:"perms"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens for the bus. An empty signing
// key disables authentication (development mode), matching the rest of the
// engine's auth knobs.
type Authenticator struct {
	key    []byte
	leeway time.Duration
}

func NewAuthenticator(signingKey string, clockSkew time.Duration) *Authenticator {
	a := &Authenticator{leeway: clockSkew}
	if signingKey != "" {
		a.key = []byte(signingKey)
	}
	return a
}

// Enabled reports whether tokens are being checked.
func (a *Authenticator) Enabled() bool { return a.key != nil }

// Authenticate parses and validates a token string, requiring an unexpired
// HS256 signature and the realtime permission.
func (a *Authenticator) Authenticate(token string) (*Claims, error) {
	if !a.Enabled() {
		return &Claims{Permissions: []string{PermissionRealtime}}, nil
	}
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	for _, p := range claims.Permissions {
		if p == PermissionRealtime {
			return claims, nil
		}
	}
	return nil, ErrForbidden
}
