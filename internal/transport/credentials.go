package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials authenticate the realtime connection.
type Credentials struct {
	Token  string
	UserID string
}

// ResolveCredentials derives the connection credentials from a bearer token
// and an optional explicit user id. When the token is a JWT, an expired token
// counts as absent and a missing user id is taken from its "sub" or
// "user_id" claim. The signature is not checked; the server does that.
func ResolveCredentials(token, userID string, now time.Time) (Credentials, bool) {
	if token == "" {
		return Credentials{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, _ := claims.GetExpirationTime(); exp != nil && !now.Before(exp.Time) {
			return Credentials{}, false
		}
		if userID == "" {
			userID = claimUserID(claims)
		}
	}

	if userID == "" {
		return Credentials{}, false
	}
	return Credentials{Token: token, UserID: userID}, true
}

func claimUserID(claims jwt.MapClaims) string {
	if sub, _ := claims.GetSubject(); sub != "" {
		return sub
	}
	switch v := claims["user_id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}
