// Package auth provides static API key authentication for the HTTP surface
// and derives the client identity the rate limiter partitions on.
package auth

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/solatis/floodgate/internal/types"
)

// ClientIDKey is the gin context key the middleware stores the resolved
// client identity under.
const ClientIDKey = "client_id"

// Authenticator validates bearer API keys against a static set loaded from
// the environment. Keys never appear in config files or logs; only a short
// fingerprint is ever derived from one.
type Authenticator struct {
	enabled bool
	keys    map[string]struct{}
}

// New builds an authenticator. Enabling auth with an empty key set is a
// configuration error: it would lock every caller out.
func New(enabled bool, keys []string) (*Authenticator, error) {
	if enabled && len(keys) == 0 {
		return nil, fmt.Errorf("authentication enabled but no API keys configured (set FG_API_KEYS)")
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return &Authenticator{enabled: enabled, keys: set}, nil
}

// Authenticate resolves the caller's client identity. With auth enabled the
// identity is the presented key's fingerprint, so one key is one rate-limit
// partition no matter how many machines share it. With auth disabled the
// identity falls back to the caller's source address.
func (a *Authenticator) Authenticate(authorization, remoteAddr string) (types.ClientID, error) {
	if !a.enabled {
		return types.ClientID(host(remoteAddr)), nil
	}

	key, ok := bearerToken(authorization)
	if !ok {
		return "", types.ErrUnauthorized
	}
	if _, ok := a.keys[key]; !ok {
		return "", types.ErrUnauthorized
	}
	return types.ClientID(Fingerprint(key)), nil
}

// Middleware rejects unauthenticated requests and stores the client
// identity for downstream handlers.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, err := a.Authenticate(c.GetHeader("Authorization"), c.Request.RemoteAddr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing API key"})
			return
		}
		c.Set(ClientIDKey, clientID)
		c.Next()
	}
}

// ClientID reads the identity the middleware resolved.
func ClientID(c *gin.Context) types.ClientID {
	if v, ok := c.Get(ClientIDKey); ok {
		if id, ok := v.(types.ClientID); ok {
			return id
		}
	}
	return types.ClientID(host(c.Request.RemoteAddr))
}

// Fingerprint derives a short non-reversible identifier from a key, safe
// for logs and rate-limit partitioning.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("key_%x", sum[:6])
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// host strips the port from a remote address.
func host(remoteAddr string) string {
	if i := strings.LastIndex(remoteAddr, ":"); i > 0 {
		return remoteAddr[:i]
	}
	return remoteAddr
}
