package backend

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "agentchat/internal/errors"
)

// CheckCredential is the pre-flight run before every request. A missing
// token fails when auth is required; a JWT whose exp has passed fails
// always. Signatures are not verified here and opaque tokens pass; the
// server remains the authority and may still answer 401.
func (c *Client) CheckCredential() error {
	if c.token == "" {
		if c.requireAuth {
			return &apperrors.AuthError{Reason: "no credential configured"}
		}
		return nil
	}
	if strings.Count(c.token, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		c.logger.Debug("Credential is not a parseable JWT, skipping expiry check: %v", err)
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if now := c.now(); !now.Before(exp.Time) {
		return &apperrors.AuthError{Reason: fmt.Sprintf("credential expired at %s", exp.Time.UTC().Format("2006-01-02 15:04:05Z"))}
	}
	return nil
}
