package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/annel0/voxel-core/internal/vec"
	"go.uber.org/atomic"
)

// chunkFileExt расширение файлов чанков
const chunkFileExt = ".bin"

// FileStorage хранит каждый чанк в отдельном файле <dir>/<x>,<y>,<z>.bin
type FileStorage struct {
	basePath string

	reads        atomic.Int64
	writes       atomic.Int64
	bytesWritten atomic.Int64
	closed       atomic.Bool
}

// NewFileStorage создаёт файловое хранилище мира world в каталоге saveDir
func NewFileStorage(saveDir, world string) (*FileStorage, error) {
	basePath := filepath.Join(saveDir, world)
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", basePath, err)
	}
	return &FileStorage{basePath: basePath}, nil
}

// Path каталог мира
func (fs *FileStorage) Path() string { return fs.basePath }

// ChunkFilename имя файла чанка, детерминированное по координатам
func ChunkFilename(pos vec.Vec3) string {
	return fmt.Sprintf("%d,%d,%d%s", pos.X, pos.Y, pos.Z, chunkFileExt)
}

// ParseChunkFilename разбирает имя файла чанка
func ParseChunkFilename(name string) (vec.Vec3, bool) {
	if !strings.HasSuffix(name, chunkFileExt) {
		return vec.Vec3{}, false
	}
	var x, y, z int32
	if _, err := fmt.Sscanf(strings.TrimSuffix(name, chunkFileExt), "%d,%d,%d", &x, &y, &z); err != nil {
		return vec.Vec3{}, false
	}
	pos := vec.Vec3{X: x, Y: y, Z: z}
	return pos, ChunkFilename(pos) == name
}

func (fs *FileStorage) chunkPath(pos vec.Vec3) string {
	return filepath.Join(fs.basePath, ChunkFilename(pos))
}

// Read читает файл чанка
func (fs *FileStorage) Read(ctx context.Context, pos vec.Vec3) ([]byte, error) {
	if fs.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filename := fs.chunkPath(pos)
	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла чанка %s: %w", filename, err)
	}
	fs.reads.Inc()
	return data, nil
}

// Write пишет файл чанка через временный файл и переименование,
// так что прерванная запись не портит прежнее сохранение
func (fs *FileStorage) Write(ctx context.Context, pos vec.Vec3, data []byte) error {
	if fs.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	filename := fs.chunkPath(pos)
	tmp, err := os.CreateTemp(fs.basePath, ChunkFilename(pos)+".*.tmp")
	if err != nil {
		return fmt.Errorf("не удалось создать временный файл для %s: %w", filename, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ошибка записи файла чанка %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ошибка записи файла чанка %s: %w", filename, err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("не удалось заменить файл чанка %s: %w", filename, err)
	}

	fs.writes.Inc()
	fs.bytesWritten.Add(int64(len(data)))
	return nil
}

// Delete удаляет файл чанка
func (fs *FileStorage) Delete(ctx context.Context, pos vec.Vec3) error {
	if fs.closed.Load() {
		return ErrClosed
	}
	err := os.Remove(fs.chunkPath(pos))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("не удалось удалить файл чанка %v: %w", pos, err)
	}
	return nil
}

// List перечисляет сохранённые чанки
func (fs *FileStorage) List(ctx context.Context) ([]vec.Vec3, error) {
	var out []vec.Vec3
	err := filepath.WalkDir(fs.basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != fs.basePath {
				return filepath.SkipDir
			}
			return nil
		}
		if pos, ok := ParseChunkFilename(d.Name()); ok {
			out = append(out, pos)
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка обхода %s: %w", fs.basePath, err)
	}
	return out, nil
}

// GetStorageStats возвращает статистику хранилища
func (fs *FileStorage) GetStorageStats() map[string]interface{} {
	return map[string]interface{}{
		"backend":       "file",
		"path":          fs.basePath,
		"reads":         fs.reads.Load(),
		"writes":        fs.writes.Load(),
		"bytes_written": fs.bytesWritten.Load(),
	}
}

// Close помечает хранилище закрытым
func (fs *FileStorage) Close() error {
	fs.closed.Store(true)
	return nil
}
