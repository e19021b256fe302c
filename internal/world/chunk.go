package world

import (
	"github.com/annel0/voxel-core/internal/storage"
	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/annel0/voxel-core/internal/world/volume"
)

// pendingEdit правка, отложенная до завершения фоновой задачи чанка
type pendingEdit struct {
	local vec.Vec3
	value block.BlockData
}

// Chunk кубический участок мира, принадлежащий конвейеру.
// Все поля меняются только в такте менеджера; фоновая задача получает
// хранилище блоков лишь пока inFlight != 0.
type Chunk struct {
	Pos vec.Vec3 // Мировые координаты начала чанка

	blocks *volume.Blocks

	pending  ChunkState // Стадии, ожидающие выполнения
	inFlight ChunkState // Стадия фоновой задачи, 0 если задачи нет
	ready    bool       // Данные загружены или сгенерированы
	removing bool
	synced   bool // Отступ хотя бы раз синхронизирован с соседями

	// record дифференциальная запись, ожидающая применения после генерации
	record *storage.Record

	pendingEdits []pendingEdit
	idleTicks    int

	// compactedAt версия хранилища при последней попытке сжатия
	compactedAt  uint64
	triedCompact bool

	saveWaiters       []*SaveBatch // Ждут следующего сохранения
	activeSaveWaiters []*SaveBatch // Ждут текущего сохранения
	saveEdits         *storage.Edits
}

func newChunk(pos vec.Vec3, env volume.Env) *Chunk {
	return &Chunk{
		Pos:     pos,
		blocks:  volume.NewBlocks(env),
		pending: StateLoadData,
	}
}

// Blocks хранилище блоков. Только для такта менеджера.
func (c *Chunk) Blocks() *volume.Blocks { return c.blocks }

// State ожидающие стадии
func (c *Chunk) State() ChunkState { return c.pending }

// InFlight стадия выполняемой фоновой задачи
func (c *Chunk) InFlight() ChunkState { return c.inFlight }

// Ready сообщает, что данные чанка загружены или сгенерированы
func (c *Chunk) Ready() bool { return c.ready }

// Removing сообщает, что чанк ожидает удаления
func (c *Chunk) Removing() bool { return c.removing }

// Idle нет ни фоновой задачи, ни ожидающих стадий
func (c *Chunk) Idle() bool { return c.inFlight == 0 && c.pending.Without(StateRemove) == 0 }

// request добавляет стадии; удаляемый чанк новых стадий не принимает
func (c *Chunk) request(bits ChunkState) {
	if c.removing || bits == 0 {
		return
	}
	c.pending |= bits
	c.idleTicks = 0
}

// apply добавляет биты, выставленные стадией. Удаляемый чанк принимает только сохранение.
func (c *Chunk) apply(next ChunkState) {
	if c.removing {
		c.pending |= next & StateSave
		return
	}
	c.pending |= next
}

// ChunkInfo снимок состояния чанка для API и инструментов
type ChunkInfo struct {
	Pos         vec.Vec3 `json:"pos"`
	State       string   `json:"state"`
	InFlight    string   `json:"in_flight"`
	Ready       bool     `json:"ready"`
	Removing    bool     `json:"removing"`
	Compacted   bool     `json:"compacted"`
	Boxes       int      `json:"boxes"`
	NonEmpty    int      `json:"non_empty"`
	Modified    int      `json:"modified"`
	MemoryBytes int      `json:"memory_bytes"`
}

// Info возвращает снимок состояния чанка
func (c *Chunk) Info() ChunkInfo {
	info := ChunkInfo{
		Pos:      c.Pos,
		State:    c.pending.String(),
		InFlight: c.inFlight.String(),
		Ready:    c.ready,
		Removing: c.removing,
	}
	if c.blocks != nil && c.ready {
		info.Compacted = c.blocks.IsCompacted()
		info.Boxes = len(c.blocks.Boxes())
		info.NonEmpty = c.blocks.NonEmpty()
		info.Modified = len(c.blocks.Modified())
		info.MemoryBytes = c.blocks.MemoryUsage()
	}
	return info
}
