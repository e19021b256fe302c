package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/voxel-core/internal/api"
	"github.com/annel0/voxel-core/internal/config"
	"github.com/annel0/voxel-core/internal/eventbus"
	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/metrics"
	"github.com/annel0/voxel-core/internal/network"
	"github.com/annel0/voxel-core/internal/observability"
	"github.com/annel0/voxel-core/internal/storage"
	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/annel0/voxel-core/internal/world/volume"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (иначе VOXEL_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	if err := logging.InitDefaultLogger("server", logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	if err := run(cfg); err != nil {
		logging.Error("❌ %v", err)
		logging.CloseDefaultLogger()
		os.Exit(1)
	}
	logging.Info("👋 Сервер успешно остановлен")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("🧱 Запуск сервера мира %q", cfg.World.Name)

	shutdownTelemetry, err := observability.InitTelemetry(ctx, "voxel-core", observability.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Insecure: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logging.Warn("Ошибка остановки телеметрии: %v", err)
		}
	}()

	// === БЛОКИ И ГЕОМЕТРИЯ ===
	provider := block.NewProvider()
	if err := provider.LoadDir(cfg.World.BlocksDir); err != nil {
		return err
	}
	env, err := volume.NewEnv(cfg.World.ChunkPow)
	if err != nil {
		return err
	}

	// === ХРАНЕНИЕ ===
	store, err := storage.Open(storage.OpenConfig{
		Backend: cfg.Storage.Backend,
		SaveDir: cfg.Storage.SaveDir,
		World:   cfg.World.Name,
		Redis: storage.RedisConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.GetPassword(),
			DB:       cfg.Storage.Redis.DB,
			PoolSize: cfg.Storage.Redis.PoolSize,
		},
	})
	if err != nil {
		return fmt.Errorf("не удалось открыть хранилище: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error("Ошибка закрытия хранилища: %v", err)
		}
	}()

	codec, err := storage.NewCodec(env, provider, storage.Options{
		Differential:     cfg.Storage.Differential,
		ForceSaveHeaders: cfg.Storage.ForceSaveHeaders,
		CompressionLevel: cfg.Storage.CompressionLevel,
	})
	if err != nil {
		return err
	}
	defer codec.Close()

	gen, err := world.NewTerrainGenerator(world.TerrainConfig{
		Seed:       cfg.World.Seed,
		NoiseScale: cfg.World.Terrain.NoiseScale,
		BaseHeight: cfg.World.Terrain.BaseHeight,
		Amplitude:  cfg.World.Terrain.Amplitude,
		DirtDepth:  cfg.World.Terrain.DirtDepth,
	}, provider)
	if err != nil {
		return err
	}

	// === СОБЫТИЯ ===
	var events world.EventSink
	var busMetrics *eventbus.MetricsExporter
	if cfg.Events.Enabled {
		bus, closeBus, err := openEventBus(cfg.Events)
		if err != nil {
			return err
		}
		defer closeBus()
		events = eventbus.NewChunkPublisher(bus, cfg.World.Name)
		busMetrics = eventbus.NewMetricsExporter(bus, prometheus.DefaultRegisterer)
	}

	// === КОНВЕЙЕР ===
	compute := world.NewWorkPool("compute", cfg.Pipeline.Workers())
	io := world.NewWorkPool("io", cfg.Pipeline.IOWorkers)
	defer func() {
		compute.Close()
		io.Close()
	}()

	process := metrics.NewServerMetrics(prometheus.DefaultRegisterer)
	manager, err := world.NewChunkManager(world.Deps{
		Codec:     codec,
		Storage:   store,
		Generator: gen,
		Compute:   compute,
		IO:        io,
		Metrics:   metrics.NewPipeline(prometheus.DefaultRegisterer),
		Events:    events,
		Options: world.Options{
			CompactAfterTicks:  cfg.Pipeline.CompactAfterTicks,
			MaxDispatchPerTick: cfg.Pipeline.MaxDispatchPerTick,
		},
	})
	if err != nil {
		return err
	}

	preloaded := preload(manager, cfg.World.PreloadRadius, cfg.World.PreloadHeight)
	logging.Info("📦 Поставлено на загрузку чанков: %d (ребро %d, пулы %d+%d)",
		preloaded, env.Size, cfg.Pipeline.Workers(), cfg.Pipeline.IOWorkers)

	// Конвейер останавливается после служб, затем Shutdown дописывает сохранения
	runCtx, stopRun := context.WithCancel(context.Background())
	pipelineDone := make(chan struct{})
	go func() {
		manager.Run(runCtx, cfg.Pipeline.TickRate())
		close(pipelineDone)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		process.Run(gctx, 15*time.Second)
		return nil
	})
	if busMetrics != nil {
		g.Go(func() error {
			busMetrics.Run(gctx, time.Second)
			return nil
		})
	}
	if cfg.Pipeline.SaveEverySeconds > 0 {
		g.Go(func() error {
			autosave(gctx, manager, time.Duration(cfg.Pipeline.SaveEverySeconds)*time.Second)
			return nil
		})
	}

	// === АДМИНСКИЙ API ===
	rest, err := api.NewRestServer(api.Config{
		Port:       fmt.Sprintf(":%d", cfg.Server.GetAdminPort()),
		Manager:    manager,
		Process:    process,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})
	if err != nil {
		stopRun()
		return err
	}
	g.Go(rest.Start)
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rest.Stop(stopCtx)
	})

	// === РАЗДАЧА ЧАНКОВ ===
	if cfg.Server.ChunkServer {
		chunks, err := network.NewChunkServer(fmt.Sprintf(":%d", cfg.Server.GetChunkPort()), snapshotSource(manager), cfg.Server.MaxMessageData)
		if err != nil {
			stopRun()
			return err
		}
		chunks.Start()
		g.Go(func() error {
			<-gctx.Done()
			chunks.Stop()
			return nil
		})
	}

	logging.Info("✅ Все сервисы запущены")
	logging.Info("   ❤️  Health check: http://localhost:%d/health", cfg.Server.GetAdminPort())

	<-gctx.Done()
	logging.Info("📡 Завершение работы...")
	groupErr := g.Wait()

	// === GRACEFUL SHUTDOWN ===
	stopRun()
	<-pipelineDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout())
	defer cancel()
	report, err := manager.Shutdown(shutdownCtx)
	if err != nil {
		return err
	}
	for _, f := range report.Failed {
		logging.Error("Чанк %v не сохранён: %s", f.Pos, f.Error)
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("не сохранено чанков: %d", len(report.Failed))
	}
	return groupErr
}

// openEventBus поднимает локальную шину и, если задан NATS, пересылку в JetStream.
// closeBus закрывает шины после остановки менеджера.
func openEventBus(cfg config.EventsConfig) (eventbus.EventBus, func(), error) {
	bus := eventbus.NewMemoryBus(cfg.Buffer)
	closers := []func() error{bus.Close}
	closeBus := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logging.Warn("Ошибка закрытия шины событий: %v", err)
			}
		}
	}

	if cfg.LogEvents {
		if _, err := eventbus.StartLoggingListener(bus); err != nil {
			closeBus()
			return nil, nil, err
		}
	}

	if cfg.NatsURL != "" {
		js, err := eventbus.NewJetStreamBus(eventbus.JetStreamConfig{
			URL:       cfg.NatsURL,
			Stream:    cfg.Stream,
			Subject:   cfg.Subject,
			Retention: cfg.Retention(),
		})
		if err != nil {
			closeBus()
			return nil, nil, err
		}
		// JetStream закрывается после локальной шины, чтобы дослать хвост
		closers = append([]func() error{js.Close}, closers...)
		// Подписка живёт до закрытия шины: события Shutdown тоже пересылаются
		if _, err := eventbus.Forward(context.Background(), bus, js, eventbus.Filter{}); err != nil {
			closeBus()
			return nil, nil, err
		}
		logging.Info("📨 События чанков пересылаются в NATS %s (стрим %s)", cfg.NatsURL, cfg.Stream)
	}
	return bus, closeBus, nil
}

// preload ставит на загрузку чанки вокруг начала мира
func preload(m *world.ChunkManager, radius, height int) int {
	size := m.Env().Size
	n := 0
	for y := 0; y < height; y++ {
		for z := -radius; z <= radius; z++ {
			for x := -radius; x <= radius; x++ {
				if _, err := m.CreateChunk(vec.NewVec3(x*size, y*size, z*size)); err != nil {
					logging.Warn("Чанк не поставлен на загрузку: %v", err)
					continue
				}
				n++
			}
		}
	}
	return n
}

// autosave периодически сохраняет все готовые чанки
func autosave(ctx context.Context, m *world.ChunkManager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var batch *world.SaveBatch
		if err := m.Do(ctx, func() error {
			batch = m.SaveAll()
			return nil
		}); err != nil {
			return
		}
		report, err := batch.Wait(ctx)
		if err != nil {
			return
		}
		logging.Info("💾 Автосохранение %s: записано %d, пропущено %d, ошибок %d",
			report.ID, len(report.Saved), len(report.Skipped), len(report.Failed))
	}
}

// snapshotSource раздаёт чанки, снимая данные в такте менеджера
func snapshotSource(m *world.ChunkManager) network.ChunkSourceFunc {
	return func(ctx context.Context, pos vec.Vec3) ([]byte, error) {
		var raw []byte
		err := m.Do(ctx, func() error {
			var err error
			raw, err = m.Snapshot(pos)
			return err
		})
		return raw, err
	}
}
