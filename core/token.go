package core

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

const tokenIssuer = "chatsync"

// AuthClaims identify a user to the relay.
type AuthClaims struct {
	UserID      string `json:"uid"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

func NewClaim(id Identity, exp time.Time) *AuthClaims {
	return &AuthClaims{
		UserID:      id.UserID,
		DisplayName: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    tokenIssuer,
		},
	}
}

func NewToken(id Identity, expiration time.Duration, secret []byte) (string, time.Time, error) {
	exp := time.Now().Add(expiration)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, NewClaim(id, exp))

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", exp, err
	}
	return signed, exp, nil
}

func VerifyToken(token string, secret []byte) (*AuthClaims, error) {
	claims := &AuthClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithIssuer(tokenIssuer))

	switch {
	case err == nil && parsed.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}

// Identity returns the identity carried by the claims.
func (c *AuthClaims) Identity() Identity {
	return Identity{UserID: c.UserID, DisplayName: c.DisplayName}
}
