package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type CORS struct {
	AllowOrigin string
}

func (c CORS) Middleware() gin.HandlerFunc {
	origin := c.AllowOrigin
	if origin == "" {
		origin = "*"
	}

	return func(ctx *gin.Context) {
		h := ctx.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)

		// Preflight
		if ctx.Request.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			h.Set("Access-Control-Max-Age", "600")
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}
		ctx.Next()
	}
}
