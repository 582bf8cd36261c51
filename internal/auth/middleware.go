package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Verifier wraps an OIDC provider for routes that require a validated
// identity. The reservation surface stays guest-accessible; this
// guards the admin settlement actions.
type Verifier struct {
	verifier *oidc.IDTokenVerifier
}

func NewVerifier(ctx context.Context, issuer string) (*Verifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	// SkipClientIDCheck: tokens from any client of the realm are accepted
	return &Verifier{
		verifier: provider.Verifier(&oidc.Config{
			SkipClientIDCheck: true,
		}),
	}, nil
}

func (v *Verifier) subject(ctx context.Context, authHeader string) (string, error) {
	rawToken, err := extractBearerToken(authHeader)
	if err != nil {
		return "", err
	}

	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	var claims struct {
		Sub string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to parse claims: %w", err)
	}
	return claims.Sub, nil
}

// Middleware is the chi-style guard for authenticated-only routes.
func (v *Verifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub, err := v.subject(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GinMiddleware is the same guard for the gin router of the settlement
// service. The subject lands in the gin context under "user_id".
func (v *Verifier) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sub, err := v.subject(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set("user_id", sub)
		c.Next()
	}
}

// Helper to extract user ID in handlers
func UserID(ctx context.Context) string {
	if uid, ok := ctx.Value(userIDKey).(string); ok {
		return uid
	}
	return ""
}
