package api

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DefaultTokenTTL is the lifetime of issued member tokens.
const DefaultTokenTTL = 24 * time.Hour

var errInvalidToken = errors.New("invalid token")

// IssueToken signs an HS256 token identifying memberID.
func IssueToken(secret []byte, memberID int64, email string, now time.Time, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	claims := jwt.MapClaims{
		"sub":   strconv.FormatInt(memberID, 10),
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates token and returns the member it was issued for.
func ParseToken(secret []byte, token string) (int64, error) {
	decoded, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	claims, ok := decoded.Claims.(jwt.MapClaims)
	if !ok || !decoded.Valid {
		return 0, errInvalidToken
	}
	sub, _ := claims["sub"].(string)
	memberID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || memberID <= 0 {
		return 0, errInvalidToken
	}
	return memberID, nil
}

// TokenSubject returns the member id a token claims to identify without
// verifying its signature. The server still verifies every request.
func TokenSubject(token string) (int64, error) {
	decoded, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	claims, ok := decoded.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errInvalidToken
	}
	sub, _ := claims["sub"].(string)
	memberID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || memberID <= 0 {
		return 0, errInvalidToken
	}
	return memberID, nil
}
