package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/vec"
	"github.com/go-redis/redis/v8"
)

// RedisConfig параметры подключения к Redis
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ScanPageSize int64
}

// RedisStorage хранит записи чанков в Redis под ключами chunk:<world>:<x>:<y>:<z>.
// Записи живут без TTL: Redis здесь основное хранилище, а не кеш.
type RedisStorage struct {
	client *redis.Client
	prefix string
	page   int64

	mu     sync.RWMutex
	closed bool
}

// NewRedisStorage подключается к Redis и проверяет соединение
func NewRedisStorage(cfg RedisConfig, world string) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, errors.New("не задан адрес Redis")
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ScanPageSize == 0 {
		cfg.ScanPageSize = 256
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("не удалось подключиться к Redis %s: %w", cfg.Addr, err)
	}

	logging.GetStorageLogger().Info("🗄️ Хранилище чанков Redis: %s db=%d мир=%s", cfg.Addr, cfg.DB, world)
	return &RedisStorage{
		client: rdb,
		prefix: fmt.Sprintf("%s%s:", chunkKeyPrefix, world),
		page:   cfg.ScanPageSize,
	}, nil
}

func (rs *RedisStorage) key(pos vec.Vec3) string {
	return fmt.Sprintf("%s%d:%d:%d", rs.prefix, pos.X, pos.Y, pos.Z)
}

func (rs *RedisStorage) acquire(ctx context.Context) error {
	rs.mu.RLock()
	if rs.closed {
		rs.mu.RUnlock()
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		rs.mu.RUnlock()
		return err
	}
	return nil
}

// Read читает запись чанка
func (rs *RedisStorage) Read(ctx context.Context, pos vec.Vec3) ([]byte, error) {
	if err := rs.acquire(ctx); err != nil {
		return nil, err
	}
	defer rs.mu.RUnlock()

	data, err := rs.client.Get(ctx, rs.key(pos)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из Redis: %w", err)
	}
	return data, nil
}

// Write сохраняет запись чанка. SET заменяет значение атомарно.
func (rs *RedisStorage) Write(ctx context.Context, pos vec.Vec3, data []byte) error {
	if err := rs.acquire(ctx); err != nil {
		return err
	}
	defer rs.mu.RUnlock()

	if err := rs.client.Set(ctx, rs.key(pos), data, 0).Err(); err != nil {
		return fmt.Errorf("ошибка сохранения в Redis: %w", err)
	}
	return nil
}

// Delete удаляет запись чанка
func (rs *RedisStorage) Delete(ctx context.Context, pos vec.Vec3) error {
	if err := rs.acquire(ctx); err != nil {
		return err
	}
	defer rs.mu.RUnlock()

	if err := rs.client.Del(ctx, rs.key(pos)).Err(); err != nil {
		return fmt.Errorf("ошибка удаления из Redis: %w", err)
	}
	return nil
}

// List перечисляет чанки мира через SCAN, не блокируя Redis
func (rs *RedisStorage) List(ctx context.Context) ([]vec.Vec3, error) {
	if err := rs.acquire(ctx); err != nil {
		return nil, err
	}
	defer rs.mu.RUnlock()

	var out []vec.Vec3
	iter := rs.client.Scan(ctx, 0, rs.prefix+"*", rs.page).Iterator()
	for iter.Next(ctx) {
		if pos, ok := parseChunkKey(strings.TrimPrefix(iter.Val(), rs.prefix)); ok {
			out = append(out, pos)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ошибка обхода Redis: %w", err)
	}
	return out, nil
}

// Close закрывает соединения с Redis
func (rs *RedisStorage) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil
	}
	rs.closed = true
	return rs.client.Close()
}

// parseChunkKey разбирает хвост ключа x:y:z
func parseChunkKey(s string) (vec.Vec3, bool) {
	var x, y, z int32
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &x, &y, &z); err != nil {
		return vec.Vec3{}, false
	}
	return vec.Vec3{X: x, Y: y, Z: z}, true
}
