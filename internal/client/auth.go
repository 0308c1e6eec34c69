package client

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Azure/BatchExplorer-sub004/internal/logging"
)

// ErrTokenExpired is returned before any network I/O when the Bearer
// token's exp claim has passed.
var ErrTokenExpired = errors.New("access token expired")

// expiryMargin treats tokens about to expire as expired.
const expiryMargin = 30 * time.Second

// TokenExpiry reads the exp claim of a JWT without verifying its
// signature. ok is false for opaque tokens and tokens without exp.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// SetAuthToken replaces the Bearer token, e.g. after an account switch.
func (c *Client) SetAuthToken(token string) {
	expiry, ok := TokenExpiry(token)
	if token != "" && !ok {
		logging.Debug("token carries no expiry, skipping client-side check")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiry = expiry
}

// TokenExpiresAt returns the expiry of the current token, if known.
func (c *Client) TokenExpiresAt() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiry, !c.expiry.IsZero()
}

func (c *Client) checkToken() error {
	c.mu.RLock()
	expiry := c.expiry
	c.mu.RUnlock()
	if !expiry.IsZero() && !c.clock.Now().Add(expiryMargin).Before(expiry) {
		return ErrTokenExpired
	}
	return nil
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
