package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tenantrelay/chatgateway/internal/util"
)

var errInvalidToken = errors.New("invalid tenant access token")

type contextKey string

const TenantContextKey contextKey = "tenant"

// TenantClaims is what a signed tenant-access token carries (spec §9,
// resolved: exactly two auth modes, never an unverified identity token).
type TenantClaims struct {
	TenantID    string   `json:"tenantId"`
	Permissions []string `json:"permissions"`
	Type        string   `json:"type"`
}

// GetTenantID returns the authenticated request's tenant id, set by
// AuthMiddleware once a token or API key has verified.
func GetTenantID(ctx context.Context) string {
	if claims, ok := ctx.Value(TenantContextKey).(*TenantClaims); ok {
		return claims.TenantID
	}
	return ""
}

func GetClaims(ctx context.Context) *TenantClaims {
	claims, _ := ctx.Value(TenantContextKey).(*TenantClaims)
	return claims
}

// HasPermission reports whether the authenticated caller's claims grant
// perm. A shared API key always resolves to the "admin" permission, since
// it is the gateway operator's own credential.
func HasPermission(ctx context.Context, perm string) bool {
	claims := GetClaims(ctx)
	if claims == nil {
		return false
	}
	for _, p := range claims.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// AuthMiddleware enforces spec §9's two supported auth modes: a shared API
// key (tenant id taken from the request) or a signed tenant-access token.
// It never decodes an identity token without verifying its signature,
// which the spec explicitly rejects as a source behavior.
type AuthMiddleware struct {
	apiKey      string
	jwtSecret   string
	requireAuth bool
}

func NewAuthMiddleware(apiKey, jwtSecret string, requireAuth bool) *AuthMiddleware {
	return &AuthMiddleware{apiKey: apiKey, jwtSecret: jwtSecret, requireAuth: requireAuth}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.requireAuth {
			pathTenant := chi.URLParam(r, "tenantId")
			tenantID := r.Header.Get("X-Tenant-ID")
			if tenantID == "" {
				tenantID = pathTenant
			}
			ctx := context.WithValue(r.Context(), TenantContextKey, &TenantClaims{TenantID: tenantID, Type: "tenant_access", Permissions: []string{"admin"}})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		token := extractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Missing authentication token"})
			return
		}

		if m.apiKey != "" && util.ConstantTimeEqual(token, m.apiKey) {
			tenantID := r.Header.Get("X-Tenant-ID")
			if tenantID == "" {
				tenantID = chi.URLParam(r, "tenantId")
			}
			ctx := context.WithValue(r.Context(), TenantContextKey, &TenantClaims{TenantID: tenantID, Type: "tenant_access", Permissions: []string{"admin"}})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		claims, err := VerifyTenantToken(m.jwtSecret, token)
		if err != nil {
			log.Warn().Err(err).Msg("auth middleware: invalid tenant token")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
			return
		}
		if claims.Type != "tenant_access" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token type"})
			return
		}
		if pathTenant := chi.URLParam(r, "tenantId"); pathTenant != "" && pathTenant != claims.TenantID {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Token does not grant access to this tenant"})
			return
		}

		ctx := context.WithValue(r.Context(), TenantContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// SignTenantToken issues a tenant-access token in the `<payload>.<hmac>`
// shape VerifyTenantToken checks. It exists for tests and for any
// in-process caller minting its own tokens; the external tenant registry
// that normally issues these is out of scope (spec §1).
func SignTenantToken(secret string, claims TenantClaims) (string, error) {
	claims.Type = "tenant_access"
	body, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	sig := util.HmacSHA256(secret, payload)
	return payload + "." + sig, nil
}

// VerifyTenantToken checks a token's HMAC-SHA256 signature against secret
// and decodes its claims, using the same constant-time comparison primitive
// as the teacher's inbound webhook signature check.
func VerifyTenantToken(secret, token string) (*TenantClaims, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, errInvalidToken
	}
	payload, sig := parts[0], parts[1]

	expected := util.HmacSHA256(secret, payload)
	if !util.ConstantTimeEqual(expected, sig) {
		return nil, errInvalidToken
	}

	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, errInvalidToken
	}

	var claims TenantClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, errInvalidToken
	}
	if claims.TenantID == "" {
		return nil, errInvalidToken
	}
	return &claims, nil
}
