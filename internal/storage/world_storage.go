package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/annel0/voxel-core/internal/vec"
	"github.com/dgraph-io/badger/v3"
)

// chunkKeyPrefix префикс ключей чанков в BadgerDB
const chunkKeyPrefix = "chunk:"

// BadgerStorage хранит записи чанков в BadgerDB под ключами chunk:<x>:<y>:<z>
type BadgerStorage struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool
}

// NewBadgerStorage открывает BadgerDB мира world в каталоге saveDir
func NewBadgerStorage(saveDir, world string) (*BadgerStorage, error) {
	dbPath := filepath.Join(saveDir, world+".badger")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	return &BadgerStorage{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
	}, nil
}

func chunkKey(pos vec.Vec3) []byte {
	return []byte(fmt.Sprintf("%s%d:%d:%d", chunkKeyPrefix, pos.X, pos.Y, pos.Z))
}

// Path путь к базе
func (bs *BadgerStorage) Path() string { return bs.dbPath }

// Close закрывает хранилище данных
func (bs *BadgerStorage) Close() error {
	bs.mutex.Lock()
	defer bs.mutex.Unlock()

	if !bs.isReady {
		return nil
	}

	bs.isReady = false
	return bs.db.Close()
}

// Read читает запись чанка
func (bs *BadgerStorage) Read(ctx context.Context, pos vec.Vec3) ([]byte, error) {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(pos))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}
	return data, nil
}

// Write сохраняет запись чанка
func (bs *BadgerStorage) Write(ctx context.Context, pos vec.Vec3, data []byte) error {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(pos), data)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

// Delete удаляет запись чанка
func (bs *BadgerStorage) Delete(ctx context.Context, pos vec.Vec3) error {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return ErrClosed
	}

	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(chunkKey(pos))
	})
	if err != nil {
		return fmt.Errorf("ошибка удаления из BadgerDB: %w", err)
	}
	return nil
}

// List перечисляет сохранённые чанки
func (bs *BadgerStorage) List(ctx context.Context) ([]vec.Vec3, error) {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return nil, ErrClosed
	}

	var out []vec.Vec3
	err := bs.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(chunkKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			if pos, ok := parseChunkKey(string(bytes.TrimPrefix(key, []byte(chunkKeyPrefix)))); ok {
				out = append(out, pos)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка обхода BadgerDB: %w", err)
	}
	return out, nil
}
