package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Recovery is gin.Recovery except that http.ErrAbortHandler is re-raised so
// net/http can abort a response whose headers are already on the wire.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		if err == http.ErrAbortHandler {
			panic(err)
		}
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
