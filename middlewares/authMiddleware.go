package middlewares

import (
	"context"
	"net/http"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/channelsync_backend/appctx"
	"bitbucket.org/mmdatafocus/channelsync_backend/utils"
	"github.com/gin-gonic/gin"
)

type authString string

// AuthMiddleware accepts either an HS256 JWT bearer token or, for internal ops
// tooling, a static token checked against the bcrypt hash in OPS_TOKEN_HASH.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := strings.TrimSpace(c.Request.Header.Get("Authorization"))

		if auth == "" {
			c.Next()
			return
		}

		bearer := "Bearer "
		if len(auth) > len(bearer) && strings.EqualFold(auth[:len(bearer)], bearer) {
			auth = auth[len(bearer):]
		}

		if opsHash := strings.TrimSpace(os.Getenv("OPS_TOKEN_HASH")); opsHash != "" {
			if err := utils.CompareSecret(opsHash, auth); err == nil {
				ctx := appctx.Set(c.Request.Context(), appctx.ContextKeyIsAdmin, true)
				c.Request = c.Request.WithContext(ctx)
				c.Next()
				return
			}
		}

		validate, err := utils.JwtValidate(auth)
		if err != nil || !validate.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		customClaim, _ := validate.Claims.(*utils.JwtCustomClaim)

		ctx := context.WithValue(c.Request.Context(), authString("auth"), customClaim)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func CtxValue(ctx context.Context) *utils.JwtCustomClaim {
	raw, _ := ctx.Value(authString("auth")).(*utils.JwtCustomClaim)
	return raw
}

// RequireAuth rejects requests that passed through AuthMiddleware without
// producing a caller identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAdmin, _ := appctx.GetBool(c.Request.Context(), appctx.ContextKeyIsAdmin); isAdmin {
			c.Next()
			return
		}
		if CtxValue(c.Request.Context()) != nil {
			c.Next()
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		c.Abort()
	}
}
