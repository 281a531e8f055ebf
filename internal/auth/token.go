package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceClaims are the claims a provisioned device token carries. Provisioning
// itself happens elsewhere; this package only inspects and validates.
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// CheckExpiry inspects an access token without verifying its signature and
// fails fast when it has already expired. Saves a doomed dial against the
// backend; the backend still does the real verification.
func CheckExpiry(tokenString string) error {
	parser := jwt.NewParser()
	var claims DeviceClaims
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return fmt.Errorf("malformed access token: %w", err)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return fmt.Errorf("access token expired at %s", claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}

// GenerateDeviceToken mints an HS256 device token. Used by the development
// peer and by tests; production tokens come from the provisioning service.
func GenerateDeviceToken(deviceID string, secret []byte, ttl time.Duration) (string, error) {
	claims := &DeviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken verifies an HS256 device token and returns its claims.
func ValidateToken(tokenString string, secret []byte) (*DeviceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
