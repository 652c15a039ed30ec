// README: Idempotency-Key middleware: replays the cached response for a key
// the client has already used, so retried mutations do not double-apply.
package middleware

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const idempotencyTTL = 24 * time.Hour

type cachingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *cachingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency caches the first 2xx response per Idempotency-Key and serves
// it back on replay. Requests without the header pass through untouched.
func Idempotency(client *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if key == "" || client == nil {
			c.Next()
			return
		}
		redisKey := fmt.Sprintf("idempotency:%s:%s:%s", c.Request.Method, c.Request.URL.Path, key)

		cached, err := client.Get(c.Request.Context(), redisKey).Result()
		if err == nil {
			c.Header("Idempotent-Replay", "true")
			c.Data(http.StatusOK, "application/json", []byte(cached))
			c.Abort()
			return
		}
		if err != redis.Nil {
			// Redis being down must not block the request path.
			c.Next()
			return
		}

		writer := &cachingWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Next()

		if status := writer.Status(); status >= 200 && status < 300 {
			client.Set(c.Request.Context(), redisKey, writer.body.String(), idempotencyTTL)
		}
	}
}
