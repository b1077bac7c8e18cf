package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// UserFromAccessToken extracts the user identity from a JWT access token
// without verifying its signature. The terminal is not the token audience
// and has no verification key; the provider already authenticated the
// caller. This is a fallback for provider responses that omit the user
// object.
func UserFromAccessToken(accessToken string) (*User, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}

	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}

	user := &User{Claims: map[string]any{}}
	if sub, err := claims.GetSubject(); err == nil {
		user.ID = sub
	}
	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	if phone, ok := claims["phone"].(string); ok {
		user.Phone = phone
	}
	for k, v := range claims {
		switch k {
		case "sub", "email", "phone", "exp", "iat", "nbf", "iss", "aud":
		default:
			user.Claims[k] = v
		}
	}

	if user.ID == "" {
		return nil, fmt.Errorf("access token has no subject")
	}
	return user, nil
}
