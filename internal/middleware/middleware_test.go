package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(reg *prometheus.Registry) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(NewRequestLogger(time.Millisecond).Handler())
	pm := NewPrometheusMiddleware("voxel_admin", reg)
	r.Use(pm.Handler())
	pm.RegisterMetricsEndpoint(r, reg)

	r.PUT("/api/blocks/:x/:y/:z", func(c *gin.Context) {
		c.JSON(http.StatusBadRequest, gin.H{"trace": c.GetString(TraceIDKey)})
	})
	r.GET("/api/chunks/:x/:y/:z", func(c *gin.Context) {
		time.Sleep(2 * time.Millisecond) // медленнее порога
		c.Status(http.StatusOK)
	})
	return r
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

// labels ищет значение метрики name с указанными метками
func labels(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if got[k] != v {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue(), true
			}
			return float64(m.GetHistogram().GetSampleCount()), true
		}
	}
	return 0, false
}

func TestRouteTemplateLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newRouter(reg)

	serve(r, http.MethodPut, "/api/blocks/3/0/7")
	serve(r, http.MethodPut, "/api/blocks/-1/2/9")
	serve(r, http.MethodGet, "/api/chunks/0/0/0")
	serve(r, http.MethodGet, "/nowhere")

	n, ok := labels(t, reg, "voxel_admin_http_request_duration_seconds",
		map[string]string{"method": "PUT", "path": "/api/blocks/:x/:y/:z", "status": "400"})
	require.True(t, ok, "координаты не должны попадать в метку path")
	assert.Equal(t, 2.0, n)

	n, ok = labels(t, reg, "voxel_admin_http_request_errors_total", map[string]string{"path": "/api/blocks/:x/:y/:z"})
	require.True(t, ok)
	assert.Equal(t, 2.0, n)

	n, _ = labels(t, reg, "voxel_admin_chunk_requests_total", map[string]string{"resource": "blocks", "method": "PUT"})
	assert.Equal(t, 2.0, n)
	n, _ = labels(t, reg, "voxel_admin_chunk_requests_total", map[string]string{"resource": "chunks", "method": "GET"})
	assert.Equal(t, 1.0, n)

	_, ok = labels(t, reg, "voxel_admin_http_request_duration_seconds", map[string]string{"path": "unmatched"})
	assert.True(t, ok)
}

func TestRequestLoggerTraceID(t *testing.T) {
	r := newRouter(prometheus.NewRegistry())

	w := serve(r, http.MethodPut, "/api/blocks/1/2/3")
	traceID := w.Header().Get("X-Trace-ID")
	require.NotEmpty(t, traceID)
	assert.Contains(t, w.Body.String(), traceID, "обработчик видит тот же trace-ID")

	other := serve(r, http.MethodPut, "/api/blocks/1/2/3").Header().Get("X-Trace-ID")
	assert.NotEqual(t, traceID, other)
}

func TestChunkTag(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var tag, plain string
	r.GET("/api/chunks/:x/:y/:z", func(c *gin.Context) { tag = chunkTag(c) })
	r.GET("/api/stats", func(c *gin.Context) { plain = chunkTag(c) })

	serve(r, http.MethodGet, "/api/chunks/16/-8/0")
	serve(r, http.MethodGet, "/api/stats")
	assert.Equal(t, " pos=(16,-8,0)", tag)
	assert.Empty(t, plain)
}
