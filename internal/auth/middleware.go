package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ginKey = "auth_context"

// RequireAuth rejects requests without a valid bearer token and stores the
// caller's AuthContext on both the gin context and the request context.
func RequireAuth(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		ac, err := v.Verify(bearerToken(c.GetHeader("Authorization")))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication credentials were not provided or are invalid."})
			return
		}
		c.Set(ginKey, ac)
		c.Request = c.Request.WithContext(WithContext(c.Request.Context(), ac))
		c.Next()
	}
}

// FromGin returns the AuthContext set by RequireAuth.
func FromGin(c *gin.Context) (AuthContext, bool) {
	v, ok := c.Get(ginKey)
	if !ok {
		return AuthContext{}, false
	}
	ac, ok := v.(AuthContext)
	return ac, ok
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
