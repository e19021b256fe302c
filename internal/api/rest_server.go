package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/metrics"
	"github.com/annel0/voxel-core/internal/middleware"
	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RestServer административный HTTP API конвейера чанков
type RestServer struct {
	router     *gin.Engine
	httpServer *http.Server
	manager    *world.ChunkManager
	process    *metrics.ServerMetrics
	port       string
	timeout    time.Duration
	logger     *logging.Logger
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Port           string                 // порт для запуска сервера
	Manager        *world.ChunkManager    // менеджер чанков, его такты крутит вызывающий
	Process        *metrics.ServerMetrics // метрики процесса, nil — без них
	Registerer     prometheus.Registerer  // куда регистрировать HTTP-метрики
	Gatherer       prometheus.Gatherer    // откуда отдавать /metrics
	RequestTimeout time.Duration          // предел ожидания такта и сохранения
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// SetBlockRequest тело PUT /api/blocks/:x/:y/:z
type SetBlockRequest struct {
	Type  uint16 `json:"type"`
	Solid bool   `json:"solid"`
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) (*RestServer, error) {
	if config.Manager == nil {
		return nil, errors.New("менеджер чанков не задан")
	}
	if config.Port == "" {
		config.Port = ":8088"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	// Устанавливаем режим релиза для gin
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	router.Use(otelgin.Middleware("voxel_admin"))

	loggerMw := middleware.NewRequestLogger(config.RequestTimeout / 2)
	router.Use(loggerMw.Handler())

	promMw := middleware.NewPrometheusMiddleware("voxel_admin", config.Registerer)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, config.Gatherer)

	server := &RestServer{
		router:  router,
		manager: config.Manager,
		process: config.Process,
		port:    config.Port,
		timeout: config.RequestTimeout,
		logger:  logging.GetServerLogger(),
	}
	server.setupRoutes()

	server.httpServer = &http.Server{
		Addr:              config.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server, nil
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	{
		api.GET("/stats", rs.handleStats)
		api.POST("/save-all", rs.handleSaveAll)

		chunks := api.Group("/chunks")
		chunks.GET("", rs.handleChunks)
		chunks.GET("/:x/:y/:z", rs.handleChunk)
		chunks.POST("/:x/:y/:z", rs.handleLoadChunk)
		chunks.DELETE("/:x/:y/:z", rs.handleRemoveChunk)
		chunks.POST("/:x/:y/:z/save", rs.handleSaveChunk)
		chunks.POST("/:x/:y/:z/build", rs.handleBuildChunk)

		blocks := api.Group("/blocks")
		blocks.GET("/:x/:y/:z", rs.handleGetBlock)
		blocks.PUT("/:x/:y/:z", rs.handleSetBlock)
	}
}

// Handler http.Handler сервера
func (rs *RestServer) Handler() http.Handler { return rs.router }

// Start запускает REST сервер и блокируется до Stop
func (rs *RestServer) Start() error {
	rs.logger.Info("🛠 Админский API слушает %s", rs.port)
	if err := rs.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("админский API: %w", err)
	}
	return nil
}

// Stop останавливает REST сервер, дожидаясь активных запросов
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.httpServer.Shutdown(ctx)
}

// requestContext контекст запроса с таймаутом сервера
func (rs *RestServer) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), rs.timeout)
}

// do выполняет fn в такте менеджера; при ошибке ожидания уже ответил клиенту
func (rs *RestServer) do(c *gin.Context, fn func() error) bool {
	ctx, cancel := rs.requestContext(c)
	defer cancel()
	if err := rs.manager.Do(ctx, fn); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			fail(c, http.StatusServiceUnavailable, "Конвейер чанков не ответил вовремя")
			return false
		}
		rs.respondError(c, err)
		return false
	}
	return true
}

func (rs *RestServer) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, world.ErrNotAligned), errors.Is(err, errBadCoords):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, world.ErrChunkRemoving):
		fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, errChunkNotFound), errors.Is(err, world.ErrNotReady):
		fail(c, http.StatusNotFound, err.Error())
	default:
		rs.logger.Error("Ошибка запроса %s %s: %v", c.Request.Method, c.FullPath(), err)
		fail(c, http.StatusInternalServerError, "Внутренняя ошибка сервера")
	}
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, GenericResponse{Success: false, Message: message})
}

func ok(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: message, Data: data})
}

var (
	errBadCoords     = errors.New("координаты должны быть целыми числами")
	errChunkNotFound = errors.New("чанк не найден")
)

// parsePos читает :x/:y/:z из пути
func parsePos(c *gin.Context) (vec.Vec3, error) {
	var coords [3]int
	for i, name := range []string{"x", "y", "z"} {
		v, err := strconv.Atoi(c.Param(name))
		if err != nil {
			return vec.Vec3{}, fmt.Errorf("%s=%q: %w", name, c.Param(name), errBadCoords)
		}
		coords[i] = v
	}
	return vec.NewVec3(coords[0], coords[1], coords[2]), nil
}

// handleHealth проверка живости с краткими метриками процесса
func (rs *RestServer) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	}
	if rs.process != nil {
		resp["uptime"] = rs.process.GetUptime()
		if rss, err := rs.process.GetRSS(); err == nil {
			resp["rss_bytes"] = rss
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleStats возвращает статистику конвейера и процесса
func (rs *RestServer) handleStats(c *gin.Context) {
	var stats world.ManagerStats
	if !rs.do(c, func() error {
		stats = rs.manager.Stats()
		return nil
	}) {
		return
	}

	data := map[string]interface{}{
		"pipeline": stats,
	}
	if rs.process != nil {
		proc := map[string]interface{}{
			"uptime": rs.process.GetUptime(),
			"memory": rs.process.GetDetailedMemoryStats(),
		}
		if cpu, err := rs.process.GetCPUUsage(); err == nil {
			proc["cpu_percent"] = cpu
		}
		data["process"] = proc
	}
	ok(c, "Статистика получена", data)
}

// handleChunks список всех чанков
func (rs *RestServer) handleChunks(c *gin.Context) {
	var chunks []world.ChunkInfo
	if !rs.do(c, func() error {
		chunks = rs.manager.Chunks()
		return nil
	}) {
		return
	}
	ok(c, "Список чанков получен", map[string]interface{}{
		"chunks": chunks,
		"total":  len(chunks),
	})
}

// handleChunk состояние одного чанка
func (rs *RestServer) handleChunk(c *gin.Context) {
	pos, err := parsePos(c)
	if err != nil {
		rs.respondError(c, err)
		return
	}
	var info world.ChunkInfo
	if !rs.do(c, func() error {
		chunk, found := rs.manager.Chunk(pos)
		if !found {
			return fmt.Errorf("%v: %w", pos, errChunkNotFound)
		}
		info = chunk.Info()
		return nil
	}) {
		return
	}
	ok(c, "Чанк найден", info)
}

// handleLoadChunk ставит чанк на загрузку
func (rs *RestServer) handleLoadChunk(c *gin.Context) {
	pos, err := parsePos(c)
	if err != nil {
		rs.respondError(c, err)
		return
	}
	var info world.ChunkInfo
	if !rs.do(c, func() error {
		chunk, err := rs.manager.CreateChunk(pos)
		if err != nil {
			return err
		}
		info = chunk.Info()
		return nil
	}) {
		return
	}
	ok(c, "Чанк поставлен на загрузку", info)
}

// handleRemoveChunk выгружает чанк; ?save=false — без сохранения
func (rs *RestServer) handleRemoveChunk(c *gin.Context) {
	pos, err := parsePos(c)
	if err != nil {
		rs.respondError(c, err)
		return
	}
	save := c.DefaultQuery("save", "true") != "false"
	if !rs.do(c, func() error {
		if !rs.manager.RequestRemove(pos, save) {
			return fmt.Errorf("%v: %w", pos, errChunkNotFound)
		}
		return nil
	}) {
		return
	}
	ok(c, "Чанк помечен на удаление", gin.H{"pos": pos, "save": save})
}

// handleBuildChunk запрашивает пересборку; ?now=true — срочную
func (rs *RestServer) handleBuildChunk(c *gin.Context) {
	pos, err := parsePos(c)
	if err != nil {
		rs.respondError(c, err)
		return
	}
	now := c.Query("now") == "true"
	if !rs.do(c, func() error {
		if !rs.manager.RequestBuild(pos, now) {
			return fmt.Errorf("%v: %w", pos, world.ErrNotReady)
		}
		return nil
	}) {
		return
	}
	ok(c, "Сборка запрошена", gin.H{"pos": pos, "now": now})
}

// handleSaveChunk сохраняет один чанк и ждёт результата
func (rs *RestServer) handleSaveChunk(c *gin.Context) {
	pos, err := parsePos(c)
	if err != nil {
		rs.respondError(c, err)
		return
	}
	var batch *world.SaveBatch
	if !rs.do(c, func() error {
		batch = rs.manager.RequestSave(pos)
		return nil
	}) {
		return
	}
	rs.respondBatch(c, batch, true)
}

// handleSaveAll сохраняет все готовые чанки; ?wait=false — не дожидаясь записи
func (rs *RestServer) handleSaveAll(c *gin.Context) {
	var batch *world.SaveBatch
	if !rs.do(c, func() error {
		batch = rs.manager.SaveAll()
		return nil
	}) {
		return
	}
	rs.respondBatch(c, batch, c.DefaultQuery("wait", "true") != "false")
}

func (rs *RestServer) respondBatch(c *gin.Context, batch *world.SaveBatch, wait bool) {
	if !wait {
		c.JSON(http.StatusAccepted, GenericResponse{
			Success: true,
			Message: "Сохранение запущено",
			Data:    gin.H{"id": batch.ID, "pending": batch.Pending()},
		})
		return
	}

	ctx, cancel := rs.requestContext(c)
	defer cancel()
	report, err := batch.Wait(ctx)
	if err != nil {
		c.JSON(http.StatusAccepted, GenericResponse{
			Success: true,
			Message: "Сохранение ещё выполняется",
			Data:    report,
		})
		return
	}
	if len(report.Failed) > 0 {
		c.JSON(http.StatusInternalServerError, GenericResponse{
			Success: false,
			Message: fmt.Sprintf("Не удалось сохранить чанков: %d", len(report.Failed)),
			Data:    report,
		})
		return
	}
	ok(c, "Сохранение завершено", report)
}

// handleGetBlock блок по мировой позиции
func (rs *RestServer) handleGetBlock(c *gin.Context) {
	pos, err := parsePos(c)
	if err != nil {
		rs.respondError(c, err)
		return
	}
	var data block.BlockData
	if !rs.do(c, func() error {
		data = rs.manager.GetBlock(pos)
		return nil
	}) {
		return
	}
	ok(c, "Блок получен", gin.H{
		"pos":   pos,
		"type":  data.Type(),
		"solid": data.Solid(),
		"void":  data.IsVoid(),
	})
}

// handleSetBlock меняет блок по мировой позиции
func (rs *RestServer) handleSetBlock(c *gin.Context) {
	pos, err := parsePos(c)
	if err != nil {
		rs.respondError(c, err)
		return
	}
	var req SetBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Неверный формат запроса")
		return
	}
	value := block.NewBlockData(req.Type, req.Solid)
	if err := rs.manager.Provider().Check(value); err != nil {
		fail(c, http.StatusBadRequest, fmt.Sprintf("Тип %d не зарегистрирован", req.Type))
		return
	}
	if !rs.do(c, func() error {
		if !rs.manager.SetBlock(pos, value) {
			return fmt.Errorf("%v: %w", pos, world.ErrNotReady)
		}
		return nil
	}) {
		return
	}
	ok(c, "Блок записан", gin.H{"pos": pos, "type": req.Type, "solid": req.Solid})
}
