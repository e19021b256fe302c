package middleware

import (
	"fmt"
	"time"

	"github.com/annel0/voxel-core/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// TraceIDKey ключ trace-ID в gin.Context
const TraceIDKey = "trace_id"

// RequestLogger снабжает каждый запрос админки trace-ID и пишет краткие логи.
// Запросы к чанкам помечаются позицией из маршрута. Обработчики ждут такт менеджера,
// поэтому запросы дольше slow пишутся предупреждением.
type RequestLogger struct {
	logger *logging.Logger
	slow   time.Duration
}

// NewRequestLogger создаёт логгер запросов; slow <= 0 отключает предупреждения о медленных запросах
func NewRequestLogger(slow time.Duration) *RequestLogger {
	return &RequestLogger{logger: logging.GetComponentLogger("http"), slow: slow}
}

// chunkTag возвращает " pos=(x,y,z)" для маршрутов /api/chunks/:x/:y/:z и /api/blocks/:x/:y/:z
func chunkTag(c *gin.Context) string {
	x, y, z := c.Param("x"), c.Param("y"), c.Param("z")
	if x == "" || y == "" || z == "" {
		return ""
	}
	return fmt.Sprintf(" pos=(%s,%s,%s)", x, y, z)
}

func (rl *RequestLogger) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// trace-id берём из span otelgin, если он есть
		span := trace.SpanFromContext(c.Request.Context())
		var traceID string
		if span.SpanContext().IsValid() {
			traceID = span.SpanContext().TraceID().String()
		} else {
			traceID = uuid.NewString()
		}
		c.Set(TraceIDKey, traceID)
		c.Header("X-Trace-ID", traceID)

		start := time.Now()
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		tag := chunkTag(c)

		rl.logger.Debug("[HTTP] ▶ %s %s%s ip=%s trace=%s", method, path, tag, c.ClientIP(), traceID)

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		switch {
		case status >= 500:
			rl.logger.Warn("[HTTP] ◀ %s %s%s %d %s trace=%s", method, path, tag, status, latency, traceID)
		case rl.slow > 0 && latency > rl.slow:
			rl.logger.Warn("🐢 [HTTP] ◀ %s %s%s %d %s (дольше %s) trace=%s", method, path, tag, status, latency, rl.slow, traceID)
		default:
			rl.logger.Info("[HTTP] ◀ %s %s%s %d %s trace=%s", method, path, tag, status, latency, traceID)
		}
	}
}
