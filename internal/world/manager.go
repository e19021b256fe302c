package world

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/metrics"
	"github.com/annel0/voxel-core/internal/storage"
	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/annel0/voxel-core/internal/world/volume"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Ошибки менеджера чанков
var (
	ErrNotAligned    = errors.New("координаты не являются началом чанка")
	ErrChunkRemoving = errors.New("чанк удаляется")
	ErrNotReady      = errors.New("чанк не готов")
)

const tracerName = "github.com/annel0/voxel-core/internal/world"

// Options настройки конвейера
type Options struct {
	// CompactAfterTicks через сколько тактов простоя чанк сжимается в боксы, 0 — никогда
	CompactAfterTicks int
	// MaxDispatchPerTick ограничение фоновых задач, запускаемых за такт, 0 — без ограничения
	MaxDispatchPerTick int
}

// Deps зависимости менеджера. Пулы принадлежат вызывающему: менеджер их не закрывает.
type Deps struct {
	Codec     *storage.Codec
	Storage   storage.ChunkStorage
	Generator Generator
	Geometry  GeometryBuilder // nil — стадии BuildVertices не выставляются
	Collider  ColliderBuilder // nil — стадии BuildCollider не выставляются
	Compute   *WorkPool
	IO        *WorkPool
	Metrics   *metrics.Pipeline
	Events    EventSink // nil — события не публикуются
	Options   Options
}

// phase шаг фоновой задачи. Возвращает пул и следующий шаг либо nil, если результат готов.
type phase func(ctx context.Context, res *stageResult) (*WorkPool, phase)

// ChunkManager владеет чанками и ведёт их по стадиям конвейера.
// Все методы, кроме Post и Do, вызываются только из горутины такта.
type ChunkManager struct {
	deps    Deps
	env     volume.Env
	codec   *storage.Codec
	store   storage.ChunkStorage
	compute *WorkPool
	io      *WorkPool

	chunks map[vec.Vec3]*Chunk

	built    ChunkState // Сборки после загрузки или генерации
	buildNow ChunkState // Срочные сборки после правки

	resultsMu sync.Mutex
	results   []*stageResult

	postedMu sync.Mutex
	posted   []func()

	tick     uint64
	inFlight int
	draining bool

	metrics *metrics.Pipeline
	tracer  trace.Tracer
	logger  *logging.Logger
}

// NewChunkManager создаёт менеджер чанков
func NewChunkManager(deps Deps) (*ChunkManager, error) {
	if deps.Codec == nil || deps.Storage == nil {
		return nil, errors.New("не заданы кодек или хранилище")
	}
	if deps.Compute == nil || deps.IO == nil {
		return nil, errors.New("не заданы пулы задач")
	}
	if deps.Options.CompactAfterTicks < 0 || deps.Options.MaxDispatchPerTick < 0 {
		return nil, fmt.Errorf("недопустимые настройки конвейера: %+v", deps.Options)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewPipeline(nil)
	}

	m := &ChunkManager{
		deps:    deps,
		env:     deps.Codec.Env(),
		codec:   deps.Codec,
		store:   deps.Storage,
		compute: deps.Compute,
		io:      deps.IO,
		chunks:  make(map[vec.Vec3]*Chunk),
		metrics: deps.Metrics,
		tracer:  otel.Tracer(tracerName),
		logger:  logging.GetPipelineLogger(),
	}
	if deps.Geometry != nil {
		m.built |= StateBuildVertices
		m.buildNow |= StateBuildVerticesNow
	}
	if deps.Collider != nil {
		m.built |= StateBuildCollider
		m.buildNow |= StateBuildColliderNow
	}
	return m, nil
}

// Env геометрия чанков
func (m *ChunkManager) Env() volume.Env { return m.env }

// Provider реестр блоков кодека; потокобезопасен, можно звать вне такта
func (m *ChunkManager) Provider() *block.Provider { return m.codec.Provider() }

// CreateChunk добавляет чанк и ставит его на загрузку. Для существующего чанка возвращает его.
func (m *ChunkManager) CreateChunk(pos vec.Vec3) (*Chunk, error) {
	if pos.ChunkOrigin(m.env.Size) != pos {
		return nil, fmt.Errorf("%v: %w", pos, ErrNotAligned)
	}
	if c, ok := m.chunks[pos]; ok {
		if c.removing {
			return nil, fmt.Errorf("%v: %w", pos, ErrChunkRemoving)
		}
		return c, nil
	}
	c := newChunk(pos, m.env)
	m.chunks[pos] = c
	return c, nil
}

// Chunk возвращает чанк по координатам начала
func (m *ChunkManager) Chunk(pos vec.Vec3) (*Chunk, bool) {
	c, ok := m.chunks[pos]
	return c, ok
}

// Chunks возвращает снимки состояния всех чанков
func (m *ChunkManager) Chunks() []ChunkInfo {
	out := make([]ChunkInfo, 0, len(m.chunks))
	for _, c := range m.sortedChunks() {
		out = append(out, c.Info())
	}
	return out
}

func (m *ChunkManager) chunkAt(world vec.Vec3) (*Chunk, vec.Vec3) {
	c := m.chunks[world.ChunkOrigin(m.env.Size)]
	return c, world.LocalInChunk(m.env.Size)
}

func (m *ChunkManager) neighbor(c *Chunk, offset vec.Vec3) *Chunk {
	return m.chunks[c.Pos.Add(offset.Mul(int32(m.env.Size)))]
}

// RequestRemove помечает чанк на удаление. С save готовый чанк сначала сохраняется.
// Фоновая задача не прерывается; после её завершения и сохранения чанк освобождается.
func (m *ChunkManager) RequestRemove(pos vec.Vec3, save bool) bool {
	c, ok := m.chunks[pos]
	if !ok {
		return false
	}
	if c.removing {
		return true
	}
	if save && c.ready {
		c.pending |= StatePrepareSaveData
	}
	c.pending = c.pending&StateSave | StateRemove
	c.removing = true
	return true
}

// RequestSave запрашивает сохранение чанка
func (m *ChunkManager) RequestSave(pos vec.Vec3) *SaveBatch {
	batch := newSaveBatch([]vec.Vec3{pos})
	m.attachSave(m.chunks[pos], pos, batch)
	return batch
}

// SaveAll запрашивает сохранение всех готовых чанков
func (m *ChunkManager) SaveAll() *SaveBatch {
	var positions []vec.Vec3
	for _, c := range m.sortedChunks() {
		if c.ready && !c.removing {
			positions = append(positions, c.Pos)
		}
	}
	batch := newSaveBatch(positions)
	for _, pos := range positions {
		m.attachSave(m.chunks[pos], pos, batch)
	}
	return batch
}

func (m *ChunkManager) attachSave(c *Chunk, pos vec.Vec3, batch *SaveBatch) {
	switch {
	case c == nil || !c.ready:
		batch.resolve(pos, false, nil)
	case c.removing:
		// Удаляемый чанк принимает ожидающих, только если сохранение уже запрошено
		if c.pending.Any(StatePrepareSaveData) {
			c.saveWaiters = append(c.saveWaiters, batch)
		} else {
			batch.resolve(pos, false, nil)
		}
	default:
		c.saveWaiters = append(c.saveWaiters, batch)
		c.request(StatePrepareSaveData)
	}
}

// RequestBuild запрашивает пересборку геометрии и столкновений готового чанка
func (m *ChunkManager) RequestBuild(pos vec.Vec3, now bool) bool {
	c, ok := m.chunks[pos]
	if !ok || !c.ready || c.removing {
		return false
	}
	if now {
		c.request(m.buildNow)
	} else {
		c.request(m.built)
	}
	return true
}

// SetBlock меняет блок по мировой позиции с учётом правки для сохранения.
// Пока у чанка есть фоновая задача, правка откладывается до её завершения.
func (m *ChunkManager) SetBlock(world vec.Vec3, value block.BlockData) bool {
	c, local := m.chunkAt(world)
	if c == nil || !c.ready || c.removing {
		return false
	}
	if c.inFlight != 0 {
		c.pendingEdits = append(c.pendingEdits, pendingEdit{local: local, value: value})
		return true
	}
	m.writeBlock(c, local, value)
	return true
}

func (m *ChunkManager) writeBlock(c *Chunk, local vec.Vec3, value block.BlockData) {
	if c.blocks == nil {
		return
	}
	c.blocks.Set(local, value, true)
	c.request(m.buildNow)
	if !m.env.IsBorder(local) {
		return
	}
	for _, offset := range m.env.BorderNeighbors(local) {
		if nb := m.neighbor(c, offset); nb != nil && nb.ready {
			nb.request(StateSyncEdges)
		}
	}
}

// GetBlock возвращает блок по мировой позиции; вне готовых чанков — Void
func (m *ChunkManager) GetBlock(world vec.Vec3) block.BlockData {
	c, local := m.chunkAt(world)
	if c == nil || !c.ready || c.blocks == nil {
		return block.Void
	}
	return c.blocks.GetPos(local)
}

// Snapshot копирует логический объём готового чанка в сырые байты для передачи
func (m *ChunkManager) Snapshot(pos vec.Vec3) ([]byte, error) {
	c, ok := m.chunks[pos]
	if !ok || !c.ready || c.blocks == nil {
		return nil, fmt.Errorf("%v: %w", pos, ErrNotReady)
	}
	return c.blocks.ToBytes(), nil
}

// Post ставит функцию на выполнение в начале следующего такта. Безопасен из любых горутин.
func (m *ChunkManager) Post(fn func()) {
	m.postedMu.Lock()
	m.posted = append(m.posted, fn)
	m.postedMu.Unlock()
}

// Do выполняет fn в горутине такта и ждёт результата
func (m *ChunkManager) Do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	m.Post(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ChunkManager) runPosted() {
	m.postedMu.Lock()
	posted := m.posted
	m.posted = nil
	m.postedMu.Unlock()

	for _, fn := range posted {
		fn()
	}
}

// Tick один такт конвейера: отложенные вызовы, разбор результатов, запуск стадий
func (m *ChunkManager) Tick() {
	m.tick++
	m.runPosted()
	m.drainResults()
	m.processChunks()
	m.updateGauges()
}

// Run выполняет такты с периодом rate до отмены ctx
func (m *ChunkManager) Run(ctx context.Context, rate time.Duration) {
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	m.logger.Info("🔄 Конвейер чанков запущен, такт %v", rate)
	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-ctx.Done():
			m.logger.Info("Конвейер чанков остановлен на такте %d", m.tick)
			return
		}
	}
}

// Shutdown сохраняет все чанки и ждёт завершения фоновых задач.
// Новые загрузки и сборки не запускаются. Пулы закрывает владелец.
func (m *ChunkManager) Shutdown(ctx context.Context) (SaveReport, error) {
	m.runPosted()
	m.drainResults()
	m.draining = true
	batch := m.SaveAll()

	for {
		m.Tick()
		if m.inFlight == 0 && batch.Pending() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return batch.Report(), fmt.Errorf("не дождались сохранения чанков: %w", ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}

	report := batch.Report()
	m.logger.Info("💾 Сохранено чанков: %d, пропущено: %d, ошибок: %d",
		len(report.Saved), len(report.Skipped), len(report.Failed))
	return report, nil
}

func (m *ChunkManager) sortedChunks() []*Chunk {
	list := make([]*Chunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		pi, pj := list[i].pending.Any(StateBuildNow), list[j].pending.Any(StateBuildNow)
		if pi != pj {
			return pi
		}
		a, b := list[i].Pos, list[j].Pos
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.X < b.X
	})
	return list
}

func (m *ChunkManager) processChunks() {
	budget := m.deps.Options.MaxDispatchPerTick
	if budget == 0 {
		budget = -1
	}
	// Чанки со срочными сборками идут первыми
	for _, c := range m.sortedChunks() {
		m.processChunk(c, &budget)
	}
}

// pickStage первая по порядку стадия из набора
func pickStage(pending, allowed ChunkState) ChunkState {
	for _, s := range dispatchOrder {
		if pending&allowed&s != 0 {
			return s
		}
	}
	return StateNone
}

// clearMask биты, снимаемые при запуске стадии: срочная сборка поглощает обычную
func clearMask(stage ChunkState) ChunkState {
	switch stage {
	case StateBuildVerticesNow:
		return StateBuildVertexAny
	case StateBuildColliderNow:
		return StateBuildColliderAny
	}
	return stage
}

func (m *ChunkManager) processChunk(c *Chunk, budget *int) {
	allowed := ^StateNone
	if m.draining {
		allowed = StateSave
	}

	for c.inFlight == 0 {
		if c.removing && !c.pending.Any(StateSave) {
			m.release(c)
			return
		}

		stage := pickStage(c.pending, allowed)
		if stage == StateNone {
			if !m.draining {
				m.maybeCompact(c, budget)
			}
			return
		}
		c.idleTicks = 0

		if isForeground(stage) {
			c.pending = c.pending.Without(stage)
			next := m.runForeground(c, stage)
			checkTransition(stage, next)
			m.metrics.StageTasks.WithLabelValues(stageName(stage), "ok").Inc()
			c.apply(next)
			continue
		}

		if *budget == 0 {
			return
		}
		if *budget > 0 {
			*budget--
		}
		m.dispatch(c, stage)
	}
}

func (m *ChunkManager) maybeCompact(c *Chunk, budget *int) {
	c.idleTicks++
	after := m.deps.Options.CompactAfterTicks
	if after == 0 || !c.ready || c.removing || c.blocks.IsCompacted() || c.idleTicks < after {
		return
	}
	if c.triedCompact && c.compactedAt == c.blocks.Version() {
		return
	}
	if *budget == 0 {
		return
	}
	if *budget > 0 {
		*budget--
	}
	c.triedCompact = true
	c.compactedAt = c.blocks.Version()
	m.dispatch(c, stateCompact)
}

func (m *ChunkManager) release(c *Chunk) {
	for _, b := range c.saveWaiters {
		b.resolve(c.Pos, false, nil)
	}
	for _, b := range c.activeSaveWaiters {
		b.resolve(c.Pos, false, nil)
	}
	if len(c.pendingEdits) > 0 || (c.blocks != nil && c.blocks.HasModified()) {
		m.logger.Warn("Чанк %v удалён с несохранёнными правками", c.Pos)
	}
	c.saveWaiters, c.activeSaveWaiters, c.pendingEdits = nil, nil, nil
	c.blocks = nil
	c.record = nil
	c.saveEdits = nil
	c.ready = false
	c.pending = StateNone
	delete(m.chunks, c.Pos)
	m.logger.Debug("Чанк %v освобождён", c.Pos)
	m.emit(ChunkRemoved, c.Pos, nil)
}

// runForeground выполняет стадию прямо в такте и возвращает следующие биты
func (m *ChunkManager) runForeground(c *Chunk, stage ChunkState) ChunkState {
	switch stage {
	case StatePrepareGenerate:
		return StateGenerate

	case StateSyncEdges:
		if !c.ready {
			return StateNone
		}
		neighbors := make(map[vec.Vec3]*volume.Blocks)
		for _, offset := range volume.NeighborOffsets {
			if nb := m.neighbor(c, offset); nb != nil && nb.ready && nb.blocks != nil {
				neighbors[offset] = nb.blocks
			}
		}
		_, next := syncEdgesStage(c.blocks, neighbors, !c.synced, m.built)
		c.synced = true
		return next

	case StatePrepareSaveData:
		waiters := c.saveWaiters
		c.saveWaiters = nil
		if !c.ready {
			m.resolveSkipped(c, waiters)
			return StateNone
		}
		edits, ok := m.codec.ConsumeEdits(c.blocks)
		if !ok {
			m.resolveSkipped(c, waiters)
			return StateNone
		}
		c.saveEdits = edits
		c.activeSaveWaiters = append(c.activeSaveWaiters, waiters...)
		return StateSaveData
	}
	panic(fmt.Sprintf("world: стадия %v не выполняется в такте", stage))
}

func (m *ChunkManager) resolveSkipped(c *Chunk, waiters []*SaveBatch) {
	for _, b := range waiters {
		b.resolve(c.Pos, false, nil)
	}
	m.metrics.SaveOutcomes.WithLabelValues("skipped").Inc()
}

// dispatch отдаёт стадию в пул. С этого момента хранилище чанка принадлежит задаче.
func (m *ChunkManager) dispatch(c *Chunk, stage ChunkState) {
	c.pending = c.pending.Without(clearMask(stage))
	c.inFlight = stage
	m.inFlight++

	res := &stageResult{chunk: c, stage: stage}
	ctx, span := m.tracer.Start(context.Background(), "chunk."+stageName(stage),
		trace.WithAttributes(
			attribute.String("chunk.pos", c.Pos.String()),
			attribute.Int64("pipeline.tick", int64(m.tick)),
		))
	started := time.Now()
	finish := func(res *stageResult) {
		m.metrics.StageDuration.WithLabelValues(stageName(stage)).Observe(time.Since(started).Seconds())
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		span.End()
		m.pushResult(res)
	}

	pos, blocks := c.Pos, c.blocks
	switch stage {
	case StateLoadData:
		m.submit(ctx, m.io, res, finish, m.loadPhase(pos, blocks))

	case StateGenerate:
		rec := c.record
		m.submit(ctx, m.compute, res, finish, func(ctx context.Context, res *stageResult) (*WorkPool, phase) {
			res.next, res.err = generateStage(ctx, m.deps.Generator, pos, blocks, rec, m.built)
			return nil, nil
		})

	case StateSaveData:
		m.submit(ctx, m.savePool(), res, finish, m.savePhase(pos, blocks, c.saveEdits))

	case StateBuildVertices, StateBuildVerticesNow, StateBuildCollider, StateBuildColliderNow:
		// Сборщикам нужен плотный массив; разжимаем здесь, пока хранилище у такта
		blocks.Decompact()
		m.submit(ctx, m.compute, res, finish, func(ctx context.Context, res *stageResult) (*WorkPool, phase) {
			res.err = buildStage(ctx, m.deps.Geometry, m.deps.Collider, stage, pos, blocks)
			return nil, nil
		})

	case stateCompact:
		m.submit(ctx, m.compute, res, finish, func(ctx context.Context, res *stageResult) (*WorkPool, phase) {
			res.compaction, res.compactOK = blocks.BuildBoxes()
			return nil, nil
		})

	default:
		panic(fmt.Sprintf("world: стадия %v не выполняется в пуле", stage))
	}
}

func (m *ChunkManager) loadPhase(pos vec.Vec3, blocks *volume.Blocks) phase {
	return func(ctx context.Context, res *stageResult) (*WorkPool, phase) {
		data, err := m.store.Read(ctx, pos)
		if err != nil {
			res.next = StatePrepareGenerate
			if !errors.Is(err, storage.ErrNotFound) {
				res.err = fmt.Errorf("не удалось прочитать чанк: %w", err)
				res.decodeReason = "io"
			}
			return nil, nil
		}
		return m.compute, func(ctx context.Context, res *stageResult) (*WorkPool, phase) {
			res.record, res.next, res.err = loadStage(m.codec, blocks, data, m.built)
			if res.err != nil {
				res.decodeReason = decodeReason(res.err)
			}
			return nil, nil
		}
	}
}

// savePool первый пул сохранения: дифференциальное начинается с чтения прежней записи
func (m *ChunkManager) savePool() *WorkPool {
	if m.codec.Options().Differential {
		return m.io
	}
	return m.compute
}

func (m *ChunkManager) savePhase(pos vec.Vec3, blocks *volume.Blocks, edits *storage.Edits) phase {
	write := func(data []byte) phase {
		return func(ctx context.Context, res *stageResult) (*WorkPool, phase) {
			if err := m.store.Write(ctx, pos, data); err != nil {
				res.err = fmt.Errorf("не удалось записать чанк: %w", err)
				return nil, nil
			}
			res.saved = true
			return nil, nil
		}
	}
	encode := func(existing []byte) phase {
		return func(ctx context.Context, res *stageResult) (*WorkPool, phase) {
			data, err := encodeSaveStage(m.codec, blocks, edits, existing)
			if err != nil {
				res.err = fmt.Errorf("не удалось закодировать чанк: %w", err)
				return nil, nil
			}
			return m.io, write(data)
		}
	}

	if !m.codec.Options().Differential {
		return encode(nil)
	}
	return func(ctx context.Context, res *stageResult) (*WorkPool, phase) {
		existing, err := m.store.Read(ctx, pos)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				m.logger.Warn("Чанк %v: прежняя запись не прочитана, правки запишутся без неё: %v", pos, err)
			}
			existing = nil
		}
		return m.compute, encode(existing)
	}
}

// submit выполняет шаг задачи в пуле и переходит к следующему.
// Паника шага завершает задачу ошибкой, не затрагивая другие чанки.
func (m *ChunkManager) submit(ctx context.Context, pool *WorkPool, res *stageResult, finish func(*stageResult), step phase) {
	ok := pool.Submit(func(poolCtx context.Context) {
		var (
			nextPool *WorkPool
			next     phase
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					res.err = fmt.Errorf("паника в стадии %v: %v", res.stage, r)
					next = nil
				}
			}()
			if err := poolCtx.Err(); err != nil {
				res.err = err
				return
			}
			nextPool, next = step(ctx, res)
		}()

		if next != nil {
			m.submit(ctx, nextPool, res, finish, next)
			return
		}
		finish(res)
	})
	if !ok {
		res.err = fmt.Errorf("пул %s: %w", pool.Name(), ErrPoolClosed)
		finish(res)
	}
}

func (m *ChunkManager) pushResult(res *stageResult) {
	m.resultsMu.Lock()
	m.results = append(m.results, res)
	m.resultsMu.Unlock()
}

func (m *ChunkManager) drainResults() {
	m.resultsMu.Lock()
	results := m.results
	m.results = nil
	m.resultsMu.Unlock()

	for _, res := range results {
		m.applyResult(res)
	}
}

// applyResult разбирает результат фоновой стадии в такте
func (m *ChunkManager) applyResult(res *stageResult) {
	c := res.chunk
	if c.inFlight != res.stage {
		panic(fmt.Sprintf("world: результат %v для чанка %v со стадией %v", res.stage, c.Pos, c.inFlight))
	}
	checkTransition(res.stage, res.next)
	c.inFlight = StateNone
	m.inFlight--

	outcome := "ok"
	if res.err != nil {
		outcome = "error"
	}
	m.metrics.StageTasks.WithLabelValues(stageName(res.stage), outcome).Inc()

	switch res.stage {
	case StateLoadData:
		if res.err != nil {
			m.metrics.DecodeFailures.WithLabelValues(res.decodeReason).Inc()
			m.logger.Warn("Чанк %v: сохранение отброшено, будет сгенерирован заново: %v", c.Pos, res.err)
			m.emit(ChunkDecodeFailed, c.Pos, res.err)
		}
		c.record = res.record
		c.apply(res.next)
		if res.next.Any(StateSyncEdges) {
			m.markReady(c)
			m.emit(ChunkLoaded, c.Pos, nil)
		}

	case StateGenerate:
		if res.err != nil {
			m.logger.Error("Чанк %v: ошибка генерации: %v", c.Pos, res.err)
		}
		c.record = nil
		c.apply(res.next)
		m.markReady(c)
		m.emit(ChunkGenerated, c.Pos, res.err)

	case StateSaveData:
		m.finishSave(c, res)

	case stateCompact:
		// Правки, пришедшие во время сжатия, делают его устаревшим
		m.applyPendingEdits(c)
		switch {
		case c.blocks == nil:
		case !res.compactOK:
			m.metrics.Compactions.WithLabelValues("not_worth").Inc()
		case c.blocks.AdoptBoxes(res.compaction):
			m.metrics.Compactions.WithLabelValues("adopted").Inc()
			m.logger.Debug("Чанк %v сжат: %d боксов", c.Pos, len(res.compaction.Boxes))
		default:
			m.metrics.Compactions.WithLabelValues("stale").Inc()
		}

	default:
		if res.err != nil {
			m.logger.Warn("Чанк %v: ошибка стадии %v: %v", c.Pos, res.stage, res.err)
		}
	}

	m.applyPendingEdits(c)
}

func (m *ChunkManager) markReady(c *Chunk) {
	if c.removing || c.ready {
		return
	}
	c.ready = true
	for _, offset := range volume.NeighborOffsets {
		if nb := m.neighbor(c, offset); nb != nil && nb.ready {
			nb.request(StateSyncEdges)
		}
	}
}

func (m *ChunkManager) finishSave(c *Chunk, res *stageResult) {
	outcome := "saved"
	if res.err != nil {
		outcome = "failed"
		m.logger.Error("Чанк %v не сохранён: %v", c.Pos, res.err)
		// Правки вернутся в следующее сохранение
		if c.blocks != nil && c.saveEdits != nil {
			for _, pos := range c.saveEdits.Positions {
				c.blocks.MarkModified(pos)
			}
		}
	}
	for _, b := range c.activeSaveWaiters {
		b.resolve(c.Pos, res.saved, res.err)
	}
	c.activeSaveWaiters = nil
	c.saveEdits = nil
	m.metrics.SaveOutcomes.WithLabelValues(outcome).Inc()

	switch {
	case res.err != nil:
		m.emit(ChunkSaveFailed, c.Pos, res.err)
	case res.saved:
		m.emit(ChunkSaved, c.Pos, nil)
	}
}

func (m *ChunkManager) applyPendingEdits(c *Chunk) {
	if len(c.pendingEdits) == 0 || c.inFlight != 0 {
		return
	}
	edits := c.pendingEdits
	c.pendingEdits = nil
	for _, e := range edits {
		m.writeBlock(c, e.local, e.value)
	}
}

// ManagerStats сводка состояния конвейера
type ManagerStats struct {
	Tick      uint64    `json:"tick"`
	Chunks    int       `json:"chunks"`
	Ready     int       `json:"ready"`
	Removing  int       `json:"removing"`
	InFlight  int       `json:"in_flight"`
	Compacted int       `json:"compacted"`
	Memory    int       `json:"memory_bytes"`
	Compute   PoolStats `json:"compute"`
	IO        PoolStats `json:"io"`
}

// Stats возвращает сводку состояния конвейера
func (m *ChunkManager) Stats() ManagerStats {
	s := ManagerStats{
		Tick:     m.tick,
		Chunks:   len(m.chunks),
		InFlight: m.inFlight,
		Compute:  m.compute.Stats(),
		IO:       m.io.Stats(),
	}
	for _, c := range m.chunks {
		if c.ready {
			s.Ready++
		}
		if c.removing {
			s.Removing++
		}
		if c.blocks != nil {
			s.Memory += c.blocks.MemoryUsage()
			if c.blocks.IsCompacted() {
				s.Compacted++
			}
		}
	}
	return s
}

func (m *ChunkManager) updateGauges() {
	s := m.Stats()
	m.metrics.Chunks.Set(float64(s.Chunks))
	m.metrics.Ready.Set(float64(s.Ready))
	m.metrics.InFlight.Set(float64(s.InFlight))
	m.metrics.Compacted.Set(float64(s.Compacted))
	for _, p := range []PoolStats{s.Compute, s.IO} {
		m.metrics.PoolQueued.WithLabelValues(p.Name).Set(float64(p.Queued))
		m.metrics.PoolBusy.WithLabelValues(p.Name).Set(float64(p.Busy))
	}
}
