package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"vinoteca/internal/models"
)

// ViewerTokens issues and verifies the short-lived HMAC tokens that gate the
// read-only snapshot view. A token is scoped to one tenant and expires after
// the configured TTL.
type ViewerTokens struct {
	secret []byte
	ttl    time.Duration
}

func NewViewerTokens(secret string, ttl time.Duration) *ViewerTokens {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ViewerTokens{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token for the tenant. The tenant identity travels in the
// claims so verification needs no database round trip.
func (v *ViewerTokens) Issue(tenant models.Tenant) (string, time.Time, error) {
	if len(v.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("viewer token secret not configured")
	}
	expires := time.Now().Add(v.ttl)
	claims := jwtlib.MapClaims{
		"sub":           tenant.UserID,
		"business_name": tenant.BusinessName,
		"iat":           time.Now().Unix(),
		"exp":           expires.Unix(),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign viewer token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses the token and returns the tenant it was issued for.
func (v *ViewerTokens) Verify(tokenStr string) (models.Tenant, error) {
	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return models.Tenant{}, fmt.Errorf("invalid viewer token: %w", err)
	}

	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return models.Tenant{}, fmt.Errorf("invalid viewer token claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return models.Tenant{}, fmt.Errorf("viewer token missing sub claim")
	}
	business, _ := claims["business_name"].(string)
	return models.Tenant{UserID: sub, BusinessName: business}, nil
}

// tokenFromRequest accepts the token either as a Bearer header or as the
// ?token= query parameter (the snapshot link is meant to be shareable).
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
