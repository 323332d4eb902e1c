// Package auth issues and validates the HS256 tokens that carry the tenant
// (empresa) of every API request.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultTTL is the lifetime of issued tokens.
const DefaultTTL = 24 * time.Hour

var (
	ErrMissingToken = eris.New("missing bearer token")
	ErrInvalidToken = eris.New("invalid token")
	ErrNoClaims     = eris.New("no claims in context")
)

// Claims identifies the caller and its tenant.
type Claims struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email,omitempty"`
	TenantID   string `json:"empresa_alias"`
	TenantName string `json:"empresa_nombre,omitempty"`
	Role       string `json:"rol,omitempty"`
	jwt.RegisteredClaims
}

type contextKey struct{}

// Authenticator signs and verifies tokens with one shared secret.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	public map[string]bool
	now    func() time.Time
}

// New returns an authenticator. Requests to the public paths skip the
// token check.
func New(secret string, publicPaths ...string) (*Authenticator, error) {
	if len(secret) < 16 {
		return nil, eris.New("jwt secret must be at least 16 bytes")
	}
	public := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = true
	}
	return &Authenticator{secret: []byte(secret), ttl: DefaultTTL, public: public, now: time.Now}, nil
}

// GenerateToken signs a token for a user of the given tenant.
func (a *Authenticator) GenerateToken(userID, email, tenantID, tenantName, role string) (string, error) {
	if tenantID == "" {
		return "", eris.New("tenant is required")
	}
	now := a.now()
	claims := Claims{
		UserID:     userID,
		Email:      email,
		TenantID:   tenantID,
		TenantName: tenantName,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	return signed, eris.Wrap(err, "sign token")
}

// ValidateToken parses and verifies a signed token.
func (a *Authenticator) ValidateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, eris.Wrap(ErrInvalidToken, err.Error())
	}
	if claims.TenantID == "" {
		return nil, eris.Wrap(ErrInvalidToken, "token has no tenant")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// claims in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		raw, ok := bearer(r.Header.Get("Authorization"))
		if !ok {
			unauthorized(w, ErrMissingToken)
			return
		}
		claims, err := a.ValidateToken(raw)
		if err != nil {
			zap.L().Debug("token rejected", zap.String("path", r.URL.Path), zap.Error(err))
			unauthorized(w, ErrInvalidToken)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// WithClaims returns a context carrying the claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// GetClaimsFromContext returns the claims stored by Middleware.
func GetClaimsFromContext(ctx context.Context) (*Claims, error) {
	c, ok := ctx.Value(contextKey{}).(*Claims)
	if !ok || c == nil {
		return nil, ErrNoClaims
	}
	return c, nil
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}) //nolint:errcheck
}
