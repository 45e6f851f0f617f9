package gate

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/resumeai/internal/middleware"
)

const authorizedContextKey = "authorized_context"

// Options declares what an endpoint requires
type Options struct {
	RequireCredits bool
	Credits        int
}

// Require runs the gate in front of a handler. It must run after
// middleware.Authenticator.Identify. Rejections are written as JSON and
// abort the chain; admitted requests carry their AuthorizedContext.
func Require(g *Gate, opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
				"code":  CodeUnauthorized,
			})
			c.Abort()
			return
		}

		auth, rejection := g.Authorize(c.Request.Context(), identity, opts.RequireCredits, opts.Credits)
		if rejection != nil {
			WriteRejection(c, rejection)
			return
		}

		if auth.RateLimit != nil {
			setRateLimitHeaders(c.Writer.Header(), auth.RateLimit)
		}
		c.Set(authorizedContextKey, auth)
		c.Next()
	}
}

// WriteRejection writes a rejection with its headers and aborts
func WriteRejection(c *gin.Context, rejection *Rejection) {
	for key, values := range rejection.Headers() {
		for _, v := range values {
			c.Writer.Header().Add(key, v)
		}
	}
	c.AbortWithStatusJSON(rejection.Status, rejection)
}

// FromContext returns the AuthorizedContext stored by Require
func FromContext(c *gin.Context) (*AuthorizedContext, bool) {
	value, exists := c.Get(authorizedContextKey)
	if !exists {
		return nil, false
	}
	auth, ok := value.(*AuthorizedContext)
	return auth, ok
}
