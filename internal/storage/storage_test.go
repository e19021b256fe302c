package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/annel0/voxel-core/internal/vec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testChunkStorage общий сценарий для всех бэкендов
func testChunkStorage(t *testing.T, s ChunkStorage) {
	ctx := context.Background()
	pos := vec.NewVec3(-32, 16, 48)
	other := vec.NewVec3(0, 0, -16)

	t.Run("Read missing", func(t *testing.T) {
		_, err := s.Read(ctx, pos)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, IsRecoverable(err))
	})

	t.Run("Write and Read", func(t *testing.T) {
		require.NoError(t, s.Write(ctx, pos, []byte{1, 2, 3}))
		require.NoError(t, s.Write(ctx, other, []byte{9}))

		data, err := s.Read(ctx, pos)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, data)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, s.Write(ctx, pos, []byte{4, 5}))
		data, err := s.Read(ctx, pos)
		require.NoError(t, err)
		assert.Equal(t, []byte{4, 5}, data)
	})

	t.Run("List", func(t *testing.T) {
		lister, ok := s.(Lister)
		require.True(t, ok)
		list, err := lister.List(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []vec.Vec3{pos, other}, list)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, pos))
		_, err := s.Read(ctx, pos)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, s.Delete(ctx, pos), "удаление отсутствующей записи не ошибка")
	})

	t.Run("Cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, s.Write(cctx, pos, []byte{1}))
	})
}

func TestFileStorage(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir, "world")
	require.NoError(t, err)
	defer fs.Close()

	testChunkStorage(t, fs)

	// Файл назван по координатам и содержит ровно записанные байты
	require.NoError(t, fs.Write(context.Background(), vec.NewVec3(1, -2, 3), []byte("abc")))
	data, err := os.ReadFile(filepath.Join(dir, "world", "1,-2,3.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	// Временные файлы не остаются
	matches, err := filepath.Glob(filepath.Join(dir, "world", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	stats := fs.GetStorageStats()
	assert.Equal(t, "file", stats["backend"])
}

func TestFileStorageClosed(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir(), "world")
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	_, err = fs.Read(context.Background(), vec.Vec3{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseChunkFilename(t *testing.T) {
	pos, ok := ParseChunkFilename("-16,0,32.bin")
	require.True(t, ok)
	assert.Equal(t, vec.NewVec3(-16, 0, 32), pos)

	for _, name := range []string{"1,2.bin", "1,2,3.txt", "1,2,3.bin.42.tmp", "a,b,c.bin", "01,2,3.bin"} {
		_, ok := ParseChunkFilename(name)
		assert.False(t, ok, name)
	}
}

func TestBadgerStorage(t *testing.T) {
	bs, err := NewBadgerStorage(t.TempDir(), "world")
	require.NoError(t, err)
	defer bs.Close()

	testChunkStorage(t, bs)
}

func TestBadgerStorageReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	bs, err := NewBadgerStorage(dir, "world")
	require.NoError(t, err)
	require.NoError(t, bs.Write(ctx, vec.NewVec3(16, 0, 0), []byte{7, 7}))
	require.NoError(t, bs.Close())

	_, err = bs.Read(ctx, vec.NewVec3(16, 0, 0))
	assert.ErrorIs(t, err, ErrClosed)

	bs, err = NewBadgerStorage(dir, "world")
	require.NoError(t, err)
	defer bs.Close()

	data, err := bs.Read(ctx, vec.NewVec3(16, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7}, data)
}

func TestMemoryStorage(t *testing.T) {
	testChunkStorage(t, NewMemoryStorage())
}

func TestOpenBackends(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{BackendFile, BackendBadger, BackendMemory} {
		s, err := Open(OpenConfig{Backend: backend, SaveDir: dir, World: "w-" + backend})
		require.NoError(t, err, backend)
		require.NoError(t, s.Close())
	}

	_, err := Open(OpenConfig{Backend: "tape", SaveDir: dir, World: "w"})
	assert.Error(t, err)

	_, err = Open(OpenConfig{Backend: BackendRedis, World: "w"})
	assert.Error(t, err, "без адреса Redis")
}

// TestRedisStorage требует живой Redis: VOXEL_TEST_REDIS=localhost:6379
func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("VOXEL_TEST_REDIS")
	if addr == "" {
		t.Skip("VOXEL_TEST_REDIS не задан")
	}
	world := fmt.Sprintf("test-%d", time.Now().UnixNano())
	rs, err := NewRedisStorage(RedisConfig{Addr: addr, ScanPageSize: 1}, world)
	require.NoError(t, err)
	defer rs.Close()

	testChunkStorage(t, rs)

	// Другой мир в той же базе не виден
	other, err := NewRedisStorage(RedisConfig{Addr: addr}, world+"-other")
	require.NoError(t, err)
	defer other.Close()
	list, err := other.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, rs.Close())
	_, err = rs.Read(context.Background(), vec.Vec3{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseChunkKey(t *testing.T) {
	pos, ok := parseChunkKey("-16:0:32")
	require.True(t, ok)
	assert.Equal(t, vec.NewVec3(-16, 0, 32), pos)

	_, ok = parseChunkKey("meta")
	assert.False(t, ok)
}
