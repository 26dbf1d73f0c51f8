package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/coursegen/internal/auth"
	"github.com/suPer8Hu/coursegen/internal/common"
)

const UserIDKey = "user_id"

// AuthRequired accepts "Authorization: Bearer <jwt>". With adminOnly set the
// token must carry the admin claim.
func AuthRequired(secret string, adminOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c.GetHeader("Authorization"))
		if tokenString == "" {
			c.Abort()
			common.Fail(c, http.StatusUnauthorized, 40100, "missing or invalid token")
			return
		}
		claims, err := auth.ParseJWT(tokenString, secret)
		if err != nil {
			c.Abort()
			common.Fail(c, http.StatusUnauthorized, 40101, "invalid or expired token")
			return
		}
		if adminOnly && !claims.Admin {
			c.Abort()
			common.Fail(c, http.StatusForbidden, 40300, "forbidden")
			return
		}
		c.Set(UserIDKey, claims.UserID)
		c.Next()
	}
}

func bearerToken(h string) string {
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
