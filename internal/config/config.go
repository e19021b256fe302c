package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервера.
// Незаданные в файле поля сохраняют значения Default().
type Config struct {
	World     WorldConfig     `yaml:"world"`
	Storage   StorageConfig   `yaml:"storage"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Events    EventsConfig    `yaml:"events"`
	Server    ServerConfig    `yaml:"server"`
}

type WorldConfig struct {
	Name          string        `yaml:"name"`
	ChunkPow      int           `yaml:"chunk_pow"` // ребро чанка 1<<chunk_pow
	Seed          int64         `yaml:"seed"`
	BlocksDir     string        `yaml:"blocks_dir"`
	PreloadRadius int           `yaml:"preload_radius"` // чанков вокруг начала мира по x и z
	PreloadHeight int           `yaml:"preload_height"` // слоёв чанков по y от нуля
	Terrain       TerrainConfig `yaml:"terrain"`
}

type TerrainConfig struct {
	NoiseScale float64 `yaml:"noise_scale"`
	BaseHeight int     `yaml:"base_height"`
	Amplitude  int     `yaml:"amplitude"`
	DirtDepth  int     `yaml:"dirt_depth"`
}

type StorageConfig struct {
	Backend          string      `yaml:"backend"` // file | badger | redis | memory
	SaveDir          string      `yaml:"save_dir"`
	Differential     bool        `yaml:"differential"`
	ForceSaveHeaders bool        `yaml:"force_save_headers"`
	CompressionLevel int         `yaml:"compression_level"`
	Redis            RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"` // иначе VOXEL_REDIS_PASSWORD
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// GetPassword пароль Redis: config -> env
func (r *RedisConfig) GetPassword() string {
	if r.Password != "" {
		return r.Password
	}
	return os.Getenv("VOXEL_REDIS_PASSWORD")
}

type PipelineConfig struct {
	ComputeWorkers     int `yaml:"compute_workers"` // 0 — по числу CPU
	IOWorkers          int `yaml:"io_workers"`
	TickMillis         int `yaml:"tick_ms"`
	CompactAfterTicks  int `yaml:"compact_after_ticks"`
	MaxDispatchPerTick int `yaml:"max_dispatch_per_tick"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_seconds"`
	SaveEverySeconds   int `yaml:"save_every_seconds"` // 0 — только при остановке
}

// EventsConfig шина событий чанков. Пустой nats_url — только локальная шина.
type EventsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Buffer         int    `yaml:"buffer"`
	LogEvents      bool   `yaml:"log_events"`
	NatsURL        string `yaml:"nats_url"`
	Stream         string `yaml:"stream"`
	Subject        string `yaml:"subject"`
	RetentionHours int    `yaml:"retention_hours"`
}

// Retention срок хранения событий в JetStream
func (e *EventsConfig) Retention() time.Duration {
	return time.Duration(e.RetentionHours) * time.Hour
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type ServerConfig struct {
	AdminPort      int  `yaml:"admin_port"`
	ChunkPort      int  `yaml:"chunk_port"`
	ChunkServer    bool `yaml:"chunk_server"` // раздача чанков по TCP
	MaxMessageData int  `yaml:"max_message_data"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		World: WorldConfig{
			Name:          "world",
			ChunkPow:      4,
			Seed:          1337,
			BlocksDir:     "config/blocks",
			PreloadRadius: 2,
			PreloadHeight: 4,
			Terrain: TerrainConfig{
				NoiseScale: 0.02,
				BaseHeight: 32,
				Amplitude:  24,
				DirtDepth:  3,
			},
		},
		Storage: StorageConfig{
			Backend:      "file",
			SaveDir:      "saves",
			Differential: true,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 10,
			},
		},
		Pipeline: PipelineConfig{
			IOWorkers:          2,
			TickMillis:         50,
			CompactAfterTicks:  200,
			ShutdownTimeoutSec: 30,
			SaveEverySeconds:   300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Endpoint: "localhost:4318",
			Insecure: true,
		},
		Events: EventsConfig{
			Enabled:        true,
			Buffer:         1024,
			Stream:         "VOXEL_EVENTS",
			Subject:        "voxel.events",
			RetentionHours: 24,
		},
		Server: ServerConfig{
			ChunkServer:    true,
			MaxMessageData: 16 * 1024,
		},
	}
}

// GetAdminPort возвращает порт админского HTTP API с поддержкой fallback значений
func (s *ServerConfig) GetAdminPort() int {
	return getPortWithEnvFallback(s.AdminPort, "VOXEL_ADMIN_PORT", 8088)
}

// GetChunkPort возвращает порт раздачи чанков с поддержкой fallback значений
func (s *ServerConfig) GetChunkPort() int {
	return getPortWithEnvFallback(s.ChunkPort, "VOXEL_CHUNK_PORT", 7777)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	// Если порт задан в конфиге и больше 0, используем его
	if configPort > 0 {
		return configPort
	}

	// Пробуем прочитать из environment variable
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	// Используем дефолтное значение
	return defaultPort
}

// Workers число рабочих вычислительного пула
func (p *PipelineConfig) Workers() int {
	if p.ComputeWorkers > 0 {
		return p.ComputeWorkers
	}
	return runtime.NumCPU()
}

// TickRate период такта конвейера
func (p *PipelineConfig) TickRate() time.Duration {
	return time.Duration(p.TickMillis) * time.Millisecond
}

// ShutdownTimeout сколько ждать сохранения при остановке
func (p *PipelineConfig) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutSec) * time.Second
}

// Load читает YAML файл конфигурации поверх значений по умолчанию.
// Если path == "", пытается прочитать из ENV VOXEL_CONFIG, иначе возвращает Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("VOXEL_CONFIG")
		if path == "" {
			return cfg, nil // конфиг не задан — использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать конфигурацию %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("не удалось разобрать конфигурацию %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("конфигурация %s: %w", path, err)
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек
func (c *Config) Validate() error {
	var errs []error
	if c.World.Name == "" {
		errs = append(errs, errors.New("world.name не задан"))
	}
	if c.World.ChunkPow < 1 || c.World.ChunkPow > 8 {
		errs = append(errs, fmt.Errorf("world.chunk_pow %d вне диапазона [1,8]", c.World.ChunkPow))
	}
	if c.World.PreloadRadius < 0 || c.World.PreloadHeight < 0 {
		errs = append(errs, errors.New("world.preload_* не могут быть отрицательными"))
	}
	switch c.Storage.Backend {
	case "file", "badger", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: ожидается file, badger, redis или memory", c.Storage.Backend))
	}
	switch c.Storage.Backend {
	case "file", "badger":
		if c.Storage.SaveDir == "" {
			errs = append(errs, errors.New("storage.save_dir не задан"))
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr не задан"))
		}
		if c.Storage.Redis.DB < 0 || c.Storage.Redis.PoolSize < 0 {
			errs = append(errs, errors.New("storage.redis.db и pool_size не могут быть отрицательными"))
		}
	}
	if c.Storage.CompressionLevel < 0 || c.Storage.CompressionLevel > 4 {
		errs = append(errs, fmt.Errorf("storage.compression_level %d вне диапазона [0,4]", c.Storage.CompressionLevel))
	}
	if c.Events.Enabled && c.Events.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("events.buffer %d: должен быть больше нуля", c.Events.Buffer))
	}
	if c.Events.RetentionHours < 0 {
		errs = append(errs, errors.New("events.retention_hours не может быть отрицательным"))
	}
	if c.Pipeline.TickMillis <= 0 {
		errs = append(errs, errors.New("pipeline.tick_ms должен быть положительным"))
	}
	if c.Pipeline.ComputeWorkers < 0 || c.Pipeline.IOWorkers < 1 {
		errs = append(errs, errors.New("pipeline: нужен хотя бы один рабочий ввода-вывода"))
	}
	if c.Pipeline.CompactAfterTicks < 0 || c.Pipeline.MaxDispatchPerTick < 0 || c.Pipeline.SaveEverySeconds < 0 {
		errs = append(errs, errors.New("pipeline: отрицательные значения недопустимы"))
	}
	if c.Server.MaxMessageData < 0 {
		errs = append(errs, errors.New("server.max_message_data не может быть отрицательным"))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q: ожидается console или json", c.Logging.Format))
	}
	return errors.Join(errs...)
}
