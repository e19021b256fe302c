package storage

import (
	"context"
	"sync"

	"github.com/annel0/voxel-core/internal/vec"
)

// MemoryStorage реализует ChunkStorage в памяти.
// Используется в тестах и для миров без сохранения.
// ВНИМАНИЕ: Данные теряются при перезапуске сервера!
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[vec.Vec3][]byte
}

// NewMemoryStorage создает хранилище чанков в памяти
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: make(map[vec.Vec3][]byte),
	}
}

// Read возвращает копию записи чанка
func (m *MemoryStorage) Read(ctx context.Context, pos vec.Vec3) ([]byte, error) {
	// Проверяем контекст на отмену
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[pos]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Write сохраняет копию записи чанка
func (m *MemoryStorage) Write(ctx context.Context, pos vec.Vec3, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[pos] = append([]byte(nil), data...)
	return nil
}

// Delete удаляет запись чанка
func (m *MemoryStorage) Delete(ctx context.Context, pos vec.Vec3) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, pos)
	return nil
}

// List перечисляет сохранённые чанки
func (m *MemoryStorage) List(ctx context.Context) ([]vec.Vec3, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]vec.Vec3, 0, len(m.data))
	for pos := range m.data {
		out = append(out, pos)
	}
	return out, nil
}

// Len число сохранённых чанков
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close ничего не делает
func (m *MemoryStorage) Close() error { return nil }
