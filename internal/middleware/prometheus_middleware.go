package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMiddleware считает HTTP-метрики админки.
// Метка path — шаблон маршрута, координаты чанка в неё не попадают:
//
//	mw := middleware.NewPrometheusMiddleware("voxel_admin", reg)
//	r.Use(mw.Handler())
//	mw.RegisterMetricsEndpoint(r, reg)
//
//	PUT /api/blocks/3/0/7       -> path="/api/blocks/:x/:y/:z"
//	POST /api/chunks/0/0/0/save -> path="/api/chunks/:x/:y/:z/save"
//
// Метрики:
// * <service>_http_request_duration_seconds{method,path,status}
// * <service>_http_requests_inflight
// * <service>_http_request_errors_total{method,path,status} (4xx/5xx)
// * <service>_chunk_requests_total{resource,method} для /api/chunks и /api/blocks
type PrometheusMiddleware struct {
	reqDuration   *prometheus.HistogramVec
	reqInflight   prometheus.Gauge
	reqErrors     *prometheus.CounterVec
	chunkRequests *prometheus.CounterVec
}

// NewPrometheusMiddleware создаёт middleware и регистрирует метрики в reg (nil — без регистрации).
func NewPrometheusMiddleware(service string, reg prometheus.Registerer) *PrometheusMiddleware {
	pm := &PrometheusMiddleware{
		reqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: service,
			Name:      "http_request_duration_seconds",
			Help:      "Длительность HTTP-запросов, включая ожидание такта и сохранения.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "path", "status"}),
		reqInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: service,
			Name:      "http_requests_inflight",
			Help:      "Текущее количество обрабатываемых HTTP-запросов.",
		}),
		reqErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: service,
			Name:      "http_request_errors_total",
			Help:      "Общее число запросов, завершившихся ошибкой (4xx/5xx).",
		}, []string{"method", "path", "status"}),
		chunkRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: service,
			Name:      "chunk_requests_total",
			Help:      "Запросы к чанкам и блокам по ресурсу и методу.",
		}, []string{"resource", "method"}),
	}

	if reg != nil {
		reg.MustRegister(pm.reqDuration, pm.reqInflight, pm.reqErrors, pm.chunkRequests)
	}
	return pm
}

// resourceOf возвращает chunks или blocks для маршрутов менеджера чанков
func resourceOf(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/chunks"):
		return "chunks"
	case strings.HasPrefix(path, "/api/blocks"):
		return "blocks"
	}
	return ""
}

// Handler возвращает gin.HandlerFunc для router.Use().
func (pm *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		pm.reqInflight.Inc()
		c.Next()
		pm.reqInflight.Dec()

		code := c.Writer.Status()
		status := strconv.Itoa(code)
		path := c.FullPath()
		if path == "" {
			path = "unmatched" // все ненайденные маршруты под одной меткой
		}
		method := c.Request.Method

		pm.reqDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		if code >= 400 {
			pm.reqErrors.WithLabelValues(method, path, status).Inc()
		}
		if res := resourceOf(path); res != "" {
			pm.chunkRequests.WithLabelValues(res, method).Inc()
		}
	}
}

// RegisterMetricsEndpoint добавляет GET /metrics с метриками из g.
func (pm *PrometheusMiddleware) RegisterMetricsEndpoint(r *gin.Engine, g prometheus.Gatherer) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
}
