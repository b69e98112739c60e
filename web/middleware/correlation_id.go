package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/infigaming-com/go-eventhubs/util"
)

const CorrelationIDHeader = "X-Correlation-ID"

// CorrelationIDMiddleware reuses the caller's correlation id or issues a new
// one, echoes it in the response and puts it on the request context.
func CorrelationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(CorrelationIDHeader, id)
		c.Request = c.Request.WithContext(util.WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}
