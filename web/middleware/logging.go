package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-eventhubs/util"
)

type loggingMiddlewareOptions struct {
	lg           *zap.Logger
	excludePaths []string
}

type LoggingMiddlewareOption func(*loggingMiddlewareOptions)

func WithLogger(lg *zap.Logger) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		if lg != nil {
			o.lg = lg
		}
	}
}

func WithExcludePaths(excludePaths ...string) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.excludePaths = append(o.excludePaths, excludePaths...)
	}
}

func defaultLoggingMiddlewareOptions() *loggingMiddlewareOptions {
	return &loggingMiddlewareOptions{
		lg: zap.L(),
	}
}

// LoggingMiddleware logs one line per request. Server errors are logged at
// warn level, everything else at debug.
func LoggingMiddleware(opts ...LoggingMiddlewareOption) gin.HandlerFunc {
	cfg := defaultLoggingMiddlewareOptions()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		if lo.Contains(cfg.excludePaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		lg := util.CtxLogger(c.Request.Context(), cfg.lg)
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("size", c.Writer.Size()),
			zap.Duration("duration", time.Since(start)),
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			fields = append(fields, zap.Strings("errors", errs.Errors()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			lg.Warn("request failed", fields...)
			return
		}
		lg.Debug("request served", fields...)
	}
}
