package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// deviceClaims are the claims carried by a device token.
type deviceClaims struct {
	DeviceID string `json:"device_id"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func newTokenIssuer(secret string, ttl time.Duration) *tokenIssuer {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &tokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a device token.
func (t *tokenIssuer) Issue(deviceID, role, tenantID string) (string, error) {
	now := time.Now()
	claims := deviceClaims{
		DeviceID: deviceID,
		Role:     role,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign device token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a device token.
func (t *tokenIssuer) Verify(raw string) (deviceClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return deviceClaims{}, fmt.Errorf("token is required")
	}
	var claims deviceClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return deviceClaims{}, fmt.Errorf("parse device token: %w", err)
	}
	if strings.TrimSpace(claims.DeviceID) == "" {
		return deviceClaims{}, fmt.Errorf("device token missing device_id")
	}
	return claims, nil
}

// tokenFromRequest extracts the device token from the Authorization
// Bearer header, the x-device-token header, or the token query parameter.
// Clients have shipped all three conventions; the query form exists for
// WebSocket upgrades where setting headers is awkward.
func tokenFromRequest(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := strings.TrimSpace(r.Header.Get("x-device-token")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
