package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger はリクエストごとにアクセスログを出力する
// ストリーミングは切断時に1行だけ出る
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", time.Since(start),
			"client", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		switch {
		case status >= 500:
			logger.Error("server: リクエスト", attrs...)
		case status >= 400:
			logger.Warn("server: リクエスト", attrs...)
		default:
			logger.Debug("server: リクエスト", attrs...)
		}
	}
}
