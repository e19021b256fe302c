package world

import (
	"github.com/annel0/voxel-core/internal/vec"
)

// ChunkEventType тип события жизненного цикла чанка
type ChunkEventType uint8

const (
	ChunkLoaded       ChunkEventType = iota + 1 // Прочитан из сохранения
	ChunkGenerated                              // Сгенерирован
	ChunkDecodeFailed                           // Сохранение отброшено
	ChunkSaved                                  // Запись сохранена
	ChunkSaveFailed                             // Ошибка сохранения
	ChunkRemoved                                // Освобождён
)

var chunkEventNames = map[ChunkEventType]string{
	ChunkLoaded:       "ChunkLoaded",
	ChunkGenerated:    "ChunkGenerated",
	ChunkDecodeFailed: "ChunkDecodeFailed",
	ChunkSaved:        "ChunkSaved",
	ChunkSaveFailed:   "ChunkSaveFailed",
	ChunkRemoved:      "ChunkRemoved",
}

func (t ChunkEventType) String() string {
	if name, ok := chunkEventNames[t]; ok {
		return name
	}
	return "Unknown"
}

// ChunkEvent событие чанка
type ChunkEvent struct {
	Type  ChunkEventType
	Pos   vec.Vec3
	Tick  uint64
	Error string
}

// EventSink получает события в горутине такта. Блокироваться нельзя.
type EventSink interface {
	ChunkEvent(ev ChunkEvent)
}

// EventSinkFunc адаптер функции к EventSink
type EventSinkFunc func(ev ChunkEvent)

// ChunkEvent вызывает f
func (f EventSinkFunc) ChunkEvent(ev ChunkEvent) { f(ev) }

func (m *ChunkManager) emit(t ChunkEventType, pos vec.Vec3, err error) {
	if m.deps.Events == nil {
		return
	}
	ev := ChunkEvent{Type: t, Pos: pos, Tick: m.tick}
	if err != nil {
		ev.Error = err.Error()
	}
	m.deps.Events.ChunkEvent(ev)
}
