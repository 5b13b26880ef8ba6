package middleware

import (
	"github.com/gin-gonic/gin"
)

// NoStore marks live session responses as uncacheable. Snapshots and
// results change underneath any cached copy.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
