package streams

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"streamchain/rpc"
)

// KeeperClaims describes a keeper bearer token.
type KeeperClaims struct {
	Subject  string
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      time.Time
}

// MintKeeperToken signs an HS256 token granting the tick scope to Subject,
// a bech32 keeper address.
func MintKeeperToken(secret string, claims KeeperClaims) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("streams: keeper secret required")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("streams: keeper subject required")
	}
	now := claims.Now
	if now.IsZero() {
		now = time.Now()
	}
	ttl := claims.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	mapClaims := jwt.MapClaims{
		"sub":   claims.Subject,
		"scope": rpc.ScopeTick,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if claims.Issuer != "" {
		mapClaims["iss"] = claims.Issuer
	}
	if claims.Audience != "" {
		mapClaims["aud"] = claims.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString([]byte(secret))
}
