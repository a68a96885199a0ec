package security

import (
	"errors"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

// NewTokenAuth builds the HS256 verifier shared by the ops API and queuectl.
func NewTokenAuth(key []byte) *jwtauth.JWTAuth {
	return jwtauth.New("HS256", key, nil)
}

// GenerateToken mints an ops API token for an operator.
func GenerateToken(auth *jwtauth.JWTAuth, operator, role string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  operator,
		"role": role,
		"exp":  time.Now().Add(ttl).Unix(),
		"iat":  time.Now().Unix(),
	}
	_, tokenString, err := auth.Encode(claims)
	return tokenString, err
}

func GetOperatorFromClaims(claims jwt.MapClaims) (string, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("sub claim is missing or not a string")
	}
	return sub, nil
}

func GetRoleFromClaims(claims jwt.MapClaims) (string, error) {
	role, ok := claims["role"].(string)
	if !ok {
		return "", errors.New("role claim is missing or not a string")
	}
	return role, nil
}
