package authapi

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-client/internal/utils"
	"github.com/jrsteele09/go-auth-client/users"
)

var errNoIdentityClaims = errors.New("token has no subject claim")

// parseClaims reads the claims without verifying the signature. The client
// does not hold the backend's key and only uses the claims for display and
// expiry hints, never for authorisation.
func parseClaims(rawToken string) (jwt.MapClaims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, errors.New("empty token")
	}
	token, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("error extracting claims")
	}
	return claims, nil
}

// profileFromToken builds the minimal token-fallback profile. Only the subject,
// email and role come from the token; names stay empty.
func profileFromToken(rawToken, loginEmail string) (*users.Profile, error) {
	claims, err := parseClaims(rawToken)
	if err != nil {
		return nil, err
	}

	sub := claimString(claims, "sub", "user_id", "userId", "id")
	if sub == "" {
		return nil, errNoIdentityClaims
	}

	email := claimString(claims, "email")
	if email == "" {
		email = loginEmail
	}

	role := claimString(claims, "role")
	if role == "" {
		if roles, ok := claims["roles"].([]any); ok {
			if names := utils.ToStringSlice(roles); len(names) > 0 {
				role = names[0]
			}
		}
	}

	return &users.Profile{
		ID:       sub,
		Email:    email,
		Role:     users.Role{Name: role},
		IsActive: true,
		Source:   users.SourceTokenFallback,
	}, nil
}

// tokenExpiry reads the exp claim of a JWT access token.
func tokenExpiry(rawToken string) (time.Time, bool) {
	claims, err := parseClaims(rawToken)
	if err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func claimString(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case map[string]any:
			// {"role": {"name": "admin"}}
			if n, ok := v["name"].(string); ok && n != "" {
				return n
			}
		}
	}
	return ""
}
