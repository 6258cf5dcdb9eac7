package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"streamchain/crypto"
)

// ScopeTick grants permission to tick any active stream.
const ScopeTick = "streams:tick"

// KeeperAuthConfig configures bearer tokens accepted from keepers.
type KeeperAuthConfig struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// KeeperAuthenticator validates HS256 keeper tokens. The subject claim carries
// the keeper's bech32 address, which becomes the tick caller.
type KeeperAuthenticator struct {
	cfg    KeeperAuthConfig
	secret []byte
}

func NewKeeperAuthenticator(cfg KeeperAuthConfig) *KeeperAuthenticator {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &KeeperAuthenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.Secret))}
}

// Enabled reports whether a signing secret is configured.
func (a *KeeperAuthenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Authenticate extracts and validates the bearer token on r.
func (a *KeeperAuthenticator) Authenticate(r *http.Request) ([20]byte, error) {
	var caller [20]byte
	if !a.Enabled() {
		return caller, fmt.Errorf("%w: keeper tokens not accepted", errUnauthenticated)
	}
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return caller, fmt.Errorf("%w: missing bearer token", errUnauthenticated)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return caller, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	if !token.Valid {
		return caller, fmt.Errorf("%w: token invalid", errUnauthenticated)
	}
	if !hasScope(extractScopes(claims), ScopeTick) {
		return caller, fmt.Errorf("%w: insufficient scope", errUnauthenticated)
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return caller, fmt.Errorf("%w: missing subject", errUnauthenticated)
	}
	caller, err = crypto.ParseAddress(subject)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: subject: %v", errUnauthenticated, err)
	}
	return caller, nil
}

func extractScopes(claims jwt.MapClaims) []string {
	raw, ok := claims["scope"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScope(scopes []string, required string) bool {
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}

func extractBearer(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

var errNoCredentials = errors.New("no credentials presented")
