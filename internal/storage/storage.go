package storage

import (
	"context"
	"fmt"

	"github.com/annel0/voxel-core/internal/vec"
)

// ChunkStorage хранилище закодированных записей чанков.
// Содержимое записи — ровно байты кодека, без обёрток.
type ChunkStorage interface {
	// Read возвращает запись чанка с началом в pos или ErrNotFound
	Read(ctx context.Context, pos vec.Vec3) ([]byte, error)

	// Write атомарно заменяет запись чанка
	Write(ctx context.Context, pos vec.Vec3, data []byte) error

	// Delete удаляет запись чанка. Отсутствие записи ошибкой не считается.
	Delete(ctx context.Context, pos vec.Vec3) error

	// Close закрывает хранилище
	Close() error
}

// Lister хранилища, умеющие перечислить сохранённые чанки
type Lister interface {
	List(ctx context.Context) ([]vec.Vec3, error)
}

// Имена бэкендов хранения
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// OpenConfig выбор и параметры бэкенда
type OpenConfig struct {
	Backend string
	SaveDir string
	World   string
	Redis   RedisConfig
}

// Open открывает хранилище чанков выбранного бэкенда
func Open(cfg OpenConfig) (ChunkStorage, error) {
	switch cfg.Backend {
	case "", BackendFile:
		fs, err := NewFileStorage(cfg.SaveDir, cfg.World)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case BackendBadger:
		bs, err := NewBadgerStorage(cfg.SaveDir, cfg.World)
		if err != nil {
			return nil, err
		}
		return bs, nil
	case BackendRedis:
		rs, err := NewRedisStorage(cfg.Redis, cfg.World)
		if err != nil {
			return nil, err
		}
		return rs, nil
	case BackendMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("неизвестный бэкенд хранения %q", cfg.Backend)
	}
}
