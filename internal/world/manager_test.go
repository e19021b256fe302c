package world

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/annel0/voxel-core/internal/metrics"
	"github.com/annel0/voxel-core/internal/storage"
	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/annel0/voxel-core/internal/world/volume"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const testPow = 3 // чанки 8x8x8

type testWorld struct {
	provider *block.Provider
	env      volume.Env
	gen      *TerrainGenerator
	glass    block.BlockData
}

func newTestWorld(t *testing.T) *testWorld {
	t.Helper()
	p := block.NewProvider()
	for _, cfg := range []block.Config{
		{Name: BlockStone, Type: 1, Solid: true},
		{Name: BlockDirt, Type: 2, Solid: true},
		{Name: BlockGrass, Type: 3, Solid: true},
		{Name: "glass", Type: 20},
	} {
		_, err := p.Register(cfg)
		require.NoError(t, err)
	}

	gen, err := NewTerrainGenerator(TerrainConfig{
		Seed:       7,
		NoiseScale: 0.1,
		BaseHeight: 4,
		Amplitude:  3,
		DirtDepth:  1,
	}, p)
	require.NoError(t, err)

	glass, _ := p.BlockByName("glass")
	return &testWorld{provider: p, env: volume.MustEnv(testPow), gen: gen, glass: glass}
}

// deps собирает зависимости менеджера; пулы и кодек закрываются по окончании теста
func (tw *testWorld) deps(t *testing.T, store storage.ChunkStorage, codecOpts storage.Options) Deps {
	t.Helper()
	codec, err := storage.NewCodec(tw.env, tw.provider, codecOpts)
	require.NoError(t, err)

	compute := NewWorkPool("compute", 2)
	io := NewWorkPool("io", 1)
	t.Cleanup(func() {
		compute.Close()
		io.Close()
		codec.Close()
	})

	return Deps{
		Codec:     codec,
		Storage:   store,
		Generator: tw.gen,
		Compute:   compute,
		IO:        io,
		Metrics:   metrics.NewPipeline(nil),
	}
}

func newManager(t *testing.T, deps Deps) *ChunkManager {
	t.Helper()
	m, err := NewChunkManager(deps)
	require.NoError(t, err)
	return m
}

// tickUntil выполняет такты, пока cond не станет истинным
func tickUntil(t *testing.T, m *ChunkManager, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("условие не выполнилось, такт %d", m.tick)
		}
		m.Tick()
		time.Sleep(time.Millisecond)
	}
}

func waitBatch(t *testing.T, m *ChunkManager, batch *SaveBatch) SaveReport {
	t.Helper()
	tickUntil(t, m, func() bool { return batch.Pending() == 0 })
	return batch.Report()
}

func loadChunk(t *testing.T, m *ChunkManager, pos vec.Vec3) *Chunk {
	t.Helper()
	c, err := m.CreateChunk(pos)
	require.NoError(t, err)
	tickUntil(t, m, func() bool { return c.Ready() && c.Idle() })
	return c
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	return out.GetCounter().GetValue()
}

// assertGenerated проверяет, что чанк совпадает с генератором везде, кроме skip
func (tw *testWorld) assertGenerated(t *testing.T, m *ChunkManager, origin vec.Vec3, skip map[vec.Vec3]bool) {
	t.Helper()
	size := tw.env.Size
	for y := 0; y < size; y++ {
		for z := 0; z < size; z++ {
			for x := 0; x < size; x++ {
				world := origin.Add(vec.NewVec3(x, y, z))
				if skip[world] {
					continue
				}
				require.Equal(t, tw.gen.ValueAt(world), m.GetBlock(world), "ячейка %v", world)
			}
		}
	}
}

// blockingStorage хранилище в памяти с управляемой записью
type blockingStorage struct {
	*storage.MemoryStorage

	gate    chan struct{} // nil — запись не блокируется
	failErr error

	writing    atomic.Int32
	maxWriting atomic.Int32
	writes     atomic.Int32
}

func newBlockingStorage(gate chan struct{}) *blockingStorage {
	return &blockingStorage{MemoryStorage: storage.NewMemoryStorage(), gate: gate}
}

func (s *blockingStorage) Write(ctx context.Context, pos vec.Vec3, data []byte) error {
	n := s.writing.Inc()
	defer s.writing.Dec()
	for {
		cur := s.maxWriting.Load()
		if n <= cur || s.maxWriting.CompareAndSwap(cur, n) {
			break
		}
	}

	if s.gate != nil {
		<-s.gate
	}
	s.writes.Inc()
	if s.failErr != nil {
		return s.failErr
	}
	return s.MemoryStorage.Write(ctx, pos, data)
}

func TestChunkGeneratedWhenNoSave(t *testing.T) {
	tw := newTestWorld(t)
	deps := tw.deps(t, storage.NewMemoryStorage(), storage.Options{Differential: true})
	m := newManager(t, deps)

	c := loadChunk(t, m, vec.Vec3{})
	assert.Equal(t, StateNone, c.State())
	tw.assertGenerated(t, m, vec.Vec3{}, nil)

	assert.Equal(t, block.Void, m.GetBlock(vec.NewVec3(100, 0, 0)), "чанк не загружен")
	assert.False(t, m.SetBlock(vec.NewVec3(100, 0, 0), tw.glass))
	assert.False(t, c.Blocks().HasModified(), "генерация не отмечает правки")
	assert.Equal(t, 1.0, counterValue(t, deps.Metrics.StageTasks.WithLabelValues("Generate", "ok")))
	assert.Equal(t, 1.0, counterValue(t, deps.Metrics.StageTasks.WithLabelValues("LoadData", "ok")))
}

func TestEditSaveRestart(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts storage.Options
	}{
		{"full", storage.Options{}},
		{"differential", storage.Options{Differential: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tw := newTestWorld(t)
			store := storage.NewMemoryStorage()
			origin := vec.NewVec3(-8, 0, 8)
			edited := vec.NewVec3(-5, 2, 13)

			m := newManager(t, tw.deps(t, store, tc.opts))
			loadChunk(t, m, origin)
			require.NotEqual(t, tw.glass, m.GetBlock(edited))
			require.True(t, m.SetBlock(edited, tw.glass))
			assert.Equal(t, tw.glass, m.GetBlock(edited))

			report := waitBatch(t, m, m.RequestSave(origin))
			assert.Equal(t, []vec.Vec3{origin}, report.Saved)
			assert.Empty(t, report.Failed)

			// Перезапуск: новый менеджер над тем же хранилищем
			restarted := newManager(t, tw.deps(t, store, tc.opts))
			c := loadChunk(t, restarted, origin)
			assert.Equal(t, tw.glass, restarted.GetBlock(edited))
			tw.assertGenerated(t, restarted, origin, map[vec.Vec3]bool{edited: true})
			assert.False(t, c.Blocks().HasModified())
		})
	}
}

func TestDifferentialSaveKeepsEarlierEdits(t *testing.T) {
	tw := newTestWorld(t)
	store := storage.NewMemoryStorage()
	opts := storage.Options{Differential: true}
	first, second := vec.NewVec3(1, 1, 1), vec.NewVec3(6, 6, 6)

	m := newManager(t, tw.deps(t, store, opts))
	loadChunk(t, m, vec.Vec3{})
	m.SetBlock(first, tw.glass)
	waitBatch(t, m, m.RequestSave(vec.Vec3{}))

	// Вторая сессия правит другую ячейку
	m = newManager(t, tw.deps(t, store, opts))
	loadChunk(t, m, vec.Vec3{})
	m.SetBlock(second, tw.glass)
	waitBatch(t, m, m.RequestSave(vec.Vec3{}))

	m = newManager(t, tw.deps(t, store, opts))
	loadChunk(t, m, vec.Vec3{})
	assert.Equal(t, tw.glass, m.GetBlock(first))
	assert.Equal(t, tw.glass, m.GetBlock(second))
}

func TestSequentialSavesDoNotOverlap(t *testing.T) {
	tw := newTestWorld(t)
	gate := make(chan struct{})
	store := newBlockingStorage(gate)
	m := newManager(t, tw.deps(t, store, storage.Options{}))
	c := loadChunk(t, m, vec.Vec3{})

	first := m.RequestSave(vec.Vec3{})
	m.Tick()
	require.Equal(t, StateSaveData, c.InFlight())

	second := m.RequestSave(vec.Vec3{})
	for i := 0; i < 10; i++ {
		m.Tick()
		require.Equal(t, StateSaveData, c.InFlight(), "вторая задача не должна запускаться")
		require.True(t, c.State().Has(StatePrepareSaveData), "второе сохранение ждёт в очереди")
	}
	assert.Equal(t, 1, second.Pending())

	close(gate)
	r1 := waitBatch(t, m, first)
	r2 := waitBatch(t, m, second)

	assert.Len(t, r1.Saved, 1)
	assert.Len(t, r2.Saved, 1)
	assert.Equal(t, int32(2), store.writes.Load())
	assert.Equal(t, int32(1), store.maxWriting.Load(), "записи одного чанка не пересекаются")
}

func TestDifferentialSaveWithoutEditsIsSkipped(t *testing.T) {
	tw := newTestWorld(t)
	store := newBlockingStorage(nil)
	m := newManager(t, tw.deps(t, store, storage.Options{Differential: true}))
	loadChunk(t, m, vec.Vec3{})

	report := waitBatch(t, m, m.RequestSave(vec.Vec3{}))
	assert.Equal(t, []vec.Vec3{{}}, report.Skipped)
	assert.Zero(t, store.writes.Load())

	// Принудительные заголовки пишут запись и без правок
	forced := newManager(t, tw.deps(t, store, storage.Options{Differential: true, ForceSaveHeaders: true}))
	loadChunk(t, forced, vec.Vec3{})
	report = waitBatch(t, forced, forced.RequestSave(vec.Vec3{}))
	assert.Len(t, report.Saved, 1)
	assert.Equal(t, int32(1), store.writes.Load())
}

func TestSetBlockDeferredWhileTaskInFlight(t *testing.T) {
	tw := newTestWorld(t)
	gate := make(chan struct{})
	store := newBlockingStorage(gate)
	m := newManager(t, tw.deps(t, store, storage.Options{}))
	c := loadChunk(t, m, vec.Vec3{})

	pos := vec.NewVec3(4, 4, 4)
	before := m.GetBlock(pos)
	batch := m.RequestSave(vec.Vec3{})
	m.Tick()
	require.Equal(t, StateSaveData, c.InFlight())

	require.True(t, m.SetBlock(pos, tw.glass))
	assert.Equal(t, before, m.GetBlock(pos), "правка отложена до завершения задачи")

	close(gate)
	waitBatch(t, m, batch)
	tickUntil(t, m, c.Idle)

	assert.Equal(t, tw.glass, m.GetBlock(pos))
	assert.Equal(t, []vec.Vec3{pos}, c.Blocks().Modified(), "отложенная правка попадёт в следующее сохранение")
}

func TestSaveFailureReported(t *testing.T) {
	tw := newTestWorld(t)
	store := newBlockingStorage(nil)
	store.failErr = errors.New("диск заполнен")
	deps := tw.deps(t, store, storage.Options{Differential: true})
	m := newManager(t, deps)
	c := loadChunk(t, m, vec.Vec3{})

	pos := vec.NewVec3(2, 3, 4)
	m.SetBlock(pos, tw.glass)
	batch := m.RequestSave(vec.Vec3{})
	report := waitBatch(t, m, batch)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, vec.Vec3{}, report.Failed[0].Pos)
	assert.Contains(t, report.Failed[0].Error, "диск заполнен")
	assert.Empty(t, report.Saved)
	assert.ErrorContains(t, batch.Errors()[vec.Vec3{}], "диск заполнен")

	assert.Equal(t, []vec.Vec3{pos}, c.Blocks().Modified(), "правки возвращены для повторного сохранения")
	assert.Equal(t, 1.0, counterValue(t, deps.Metrics.SaveOutcomes.WithLabelValues("failed")))
}

func TestCorruptSaveRegenerates(t *testing.T) {
	tw := newTestWorld(t)
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Write(context.Background(), vec.Vec3{}, []byte{1, 0, 0}))

	deps := tw.deps(t, store, storage.Options{})
	m := newManager(t, deps)
	loadChunk(t, m, vec.Vec3{})

	tw.assertGenerated(t, m, vec.Vec3{}, nil)
	assert.Equal(t, 1.0, counterValue(t, deps.Metrics.DecodeFailures.WithLabelValues("truncated")))
}

func TestRemoveSavesBeforeRelease(t *testing.T) {
	tw := newTestWorld(t)
	store := storage.NewMemoryStorage()
	m := newManager(t, tw.deps(t, store, storage.Options{Differential: true}))
	origin := vec.NewVec3(0, 8, 0)
	loadChunk(t, m, origin)

	edited := vec.NewVec3(1, 9, 1)
	m.SetBlock(edited, tw.glass)
	require.True(t, m.RequestRemove(origin, true))

	_, err := m.CreateChunk(origin)
	assert.ErrorIs(t, err, ErrChunkRemoving)
	assert.False(t, m.SetBlock(edited, tw.glass), "удаляемый чанк не принимает правки")
	assert.False(t, m.RequestBuild(origin, true))

	tickUntil(t, m, func() bool { _, ok := m.Chunk(origin); return !ok })

	_, err = store.Read(context.Background(), origin)
	require.NoError(t, err, "запись сделана до освобождения")

	// После освобождения чанк можно создать заново, правка загружается
	loadChunk(t, m, origin)
	assert.Equal(t, tw.glass, m.GetBlock(edited))
	assert.False(t, m.RequestRemove(vec.NewVec3(64, 0, 0), false))
}

func TestRemoveBeforeLoad(t *testing.T) {
	tw := newTestWorld(t)
	store := storage.NewMemoryStorage()
	m := newManager(t, tw.deps(t, store, storage.Options{}))

	_, err := m.CreateChunk(vec.Vec3{})
	require.NoError(t, err)
	require.True(t, m.RequestRemove(vec.Vec3{}, true))

	m.Tick()
	_, ok := m.Chunk(vec.Vec3{})
	assert.False(t, ok)
	assert.Zero(t, store.Len(), "несгенерированный чанк не сохраняется")
}

func TestSyncEdgesCopiesNeighborBorder(t *testing.T) {
	tw := newTestWorld(t)
	m := newManager(t, tw.deps(t, storage.NewMemoryStorage(), storage.Options{}))
	size := tw.env.Size

	a, err := m.CreateChunk(vec.Vec3{})
	require.NoError(t, err)
	b, err := m.CreateChunk(vec.NewVec3(size, 0, 0))
	require.NoError(t, err)
	tickUntil(t, m, func() bool { return a.Ready() && b.Ready() && a.Idle() && b.Idle() })

	for y := 0; y < size; y++ {
		for z := 0; z < size; z++ {
			require.Equal(t, b.Blocks().Get(0, y, z), a.Blocks().Get(size, y, z))
			require.Equal(t, a.Blocks().Get(size-1, y, z), b.Blocks().Get(-1, y, z))
		}
	}

	// Правка внутри B соседей не трогает
	require.True(t, m.SetBlock(vec.NewVec3(size+3, 3, 3), tw.glass))
	assert.False(t, a.State().Has(StateSyncEdges))
	tickUntil(t, m, b.Idle)

	// Правка на границе B обновляет отступ A
	require.True(t, m.SetBlock(vec.NewVec3(size, 3, 3), tw.glass))
	assert.True(t, a.State().Has(StateSyncEdges))
	tickUntil(t, m, a.Idle)
	assert.Equal(t, tw.glass, a.Blocks().Get(size, 3, 3))
}

func TestIdleChunkCompacts(t *testing.T) {
	tw := newTestWorld(t)
	deps := tw.deps(t, storage.NewMemoryStorage(), storage.Options{})
	deps.Generator = nil
	deps.Options.CompactAfterTicks = 3
	m := newManager(t, deps)

	c := loadChunk(t, m, vec.Vec3{})
	tickUntil(t, m, func() bool { return c.Blocks().IsCompacted() })
	assert.Len(t, c.Blocks().Boxes(), 1, "пустой чанк — один бокс")
	assert.Equal(t, 1.0, counterValue(t, deps.Metrics.Compactions.WithLabelValues("adopted")))
	assert.Equal(t, 1, m.Stats().Compacted)

	// Правка разжимает хранилище
	pos := vec.NewVec3(5, 5, 5)
	require.True(t, m.SetBlock(pos, tw.glass))
	assert.False(t, c.Blocks().IsCompacted())
	assert.Equal(t, tw.glass, m.GetBlock(pos))
	assert.Equal(t, block.Air, m.GetBlock(vec.NewVec3(5, 5, 6)))

	// И через время простоя чанк снова сжимается
	tickUntil(t, m, func() bool { return c.Blocks().IsCompacted() })
	assert.Greater(t, len(c.Blocks().Boxes()), 1)
	assert.Equal(t, tw.glass, m.GetBlock(pos))
}

func TestBuildsRunOnDenseStore(t *testing.T) {
	tw := newTestWorld(t)
	deps := tw.deps(t, storage.NewMemoryStorage(), storage.Options{})

	var vertices, colliders, compacted atomic.Int32
	deps.Geometry = GeometryFunc(func(ctx context.Context, pos vec.Vec3, blocks *volume.Blocks) error {
		if blocks.IsCompacted() {
			compacted.Inc()
		}
		vertices.Inc()
		return nil
	})
	deps.Collider = ColliderFunc(func(ctx context.Context, pos vec.Vec3, blocks *volume.Blocks) error {
		colliders.Inc()
		return nil
	})
	deps.Options.CompactAfterTicks = 2
	m := newManager(t, deps)

	c := loadChunk(t, m, vec.Vec3{})
	assert.Equal(t, int32(1), vertices.Load())
	assert.Equal(t, int32(1), colliders.Load())

	tickUntil(t, m, func() bool { return c.Blocks().IsCompacted() })

	// Правка запускает срочные сборки
	m.SetBlock(vec.NewVec3(3, 3, 3), tw.glass)
	assert.True(t, c.State().Has(StateBuildNow))
	tickUntil(t, m, c.Idle)

	assert.Equal(t, int32(2), vertices.Load())
	assert.Equal(t, int32(2), colliders.Load())
	assert.Zero(t, compacted.Load(), "сборщики получают плотный массив")
	assert.Equal(t, 1.0, counterValue(t, deps.Metrics.StageTasks.WithLabelValues("BuildVerticesNow", "ok")))

	// Обычная сборка по запросу
	require.True(t, m.RequestBuild(vec.Vec3{}, false))
	tickUntil(t, m, c.Idle)
	assert.Equal(t, int32(3), vertices.Load())
}

type failingGenerator struct{ *TerrainGenerator }

func (failingGenerator) Generate(ctx context.Context, pos vec.Vec3, blocks *volume.Blocks) error {
	return errors.New("генератор недоступен")
}

func TestGeneratorErrorKeepsChunkUsable(t *testing.T) {
	tw := newTestWorld(t)
	deps := tw.deps(t, storage.NewMemoryStorage(), storage.Options{})
	deps.Generator = failingGenerator{tw.gen}
	m := newManager(t, deps)

	loadChunk(t, m, vec.Vec3{})
	assert.Equal(t, block.Air, m.GetBlock(vec.NewVec3(1, 1, 1)))
	assert.True(t, m.SetBlock(vec.NewVec3(1, 1, 1), tw.glass))
	assert.Equal(t, 1.0, counterValue(t, deps.Metrics.StageTasks.WithLabelValues("Generate", "error")))
}

func TestCreateChunkValidation(t *testing.T) {
	tw := newTestWorld(t)
	m := newManager(t, tw.deps(t, storage.NewMemoryStorage(), storage.Options{}))

	_, err := m.CreateChunk(vec.NewVec3(1, 0, 0))
	assert.ErrorIs(t, err, ErrNotAligned)

	c1, err := m.CreateChunk(vec.NewVec3(-8, -8, 16))
	require.NoError(t, err)
	c2, err := m.CreateChunk(vec.NewVec3(-8, -8, 16))
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, StateLoadData, c1.State())

	_, err = NewChunkManager(Deps{})
	assert.Error(t, err)
}

func TestShutdownSavesAll(t *testing.T) {
	tw := newTestWorld(t)
	store := storage.NewMemoryStorage()
	m := newManager(t, tw.deps(t, store, storage.Options{Differential: true}))

	loadChunk(t, m, vec.Vec3{})
	loadChunk(t, m, vec.NewVec3(0, 0, 8))
	loadChunk(t, m, vec.NewVec3(0, 8, 0))
	m.SetBlock(vec.NewVec3(1, 1, 1), tw.glass)
	m.SetBlock(vec.NewVec3(1, 1, 9), tw.glass)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := m.Shutdown(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []vec.Vec3{{}, vec.NewVec3(0, 0, 8)}, report.Saved)
	assert.Equal(t, []vec.Vec3{vec.NewVec3(0, 8, 0)}, report.Skipped)
	assert.Equal(t, 2, store.Len())
	assert.Zero(t, m.Stats().InFlight)
}

func TestRunAndDo(t *testing.T) {
	tw := newTestWorld(t)
	m := newManager(t, tw.deps(t, storage.NewMemoryStorage(), storage.Options{}))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(stopped)
	}()

	require.NoError(t, m.Do(ctx, func() error {
		_, err := m.CreateChunk(vec.Vec3{})
		return err
	}))

	assert.Eventually(t, func() bool {
		var ready bool
		_ = m.Do(ctx, func() error {
			c, ok := m.Chunk(vec.Vec3{})
			ready = ok && c.Ready()
			return nil
		})
		return ready
	}, 5*time.Second, 5*time.Millisecond)

	var stats ManagerStats
	require.NoError(t, m.Do(ctx, func() error { stats = m.Stats(); return nil }))
	assert.Equal(t, 1, stats.Ready)
	assert.Greater(t, stats.Tick, uint64(0))

	cancel()
	<-stopped
}

func TestChunkEvents(t *testing.T) {
	tw := newTestWorld(t)
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Write(context.Background(), vec.Vec3{}, []byte{1, 0, 0}))

	var events []ChunkEvent
	deps := tw.deps(t, store, storage.Options{})
	deps.Events = EventSinkFunc(func(ev ChunkEvent) { events = append(events, ev) })
	m := newManager(t, deps)

	loadChunk(t, m, vec.Vec3{})
	m.SetBlock(vec.NewVec3(1, 1, 1), tw.glass)
	require.True(t, m.RequestRemove(vec.Vec3{}, true))
	tickUntil(t, m, func() bool { _, ok := m.Chunk(vec.Vec3{}); return !ok })

	types := make([]ChunkEventType, 0, len(events))
	for _, ev := range events {
		assert.Equal(t, vec.Vec3{}, ev.Pos)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []ChunkEventType{ChunkDecodeFailed, ChunkGenerated, ChunkSaved, ChunkRemoved}, types)
	assert.NotEmpty(t, events[0].Error)
	assert.Empty(t, events[2].Error)

	// Прочитанный чанк сообщает о загрузке
	events = nil
	loadChunk(t, m, vec.Vec3{})
	require.Len(t, events, 1)
	assert.Equal(t, ChunkLoaded, events[0].Type)
	assert.Equal(t, "ChunkLoaded", events[0].Type.String())
}
