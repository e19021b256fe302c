package world

import (
	"fmt"
	"strings"
)

// ChunkState набор стадий, ожидающих выполнения для чанка
type ChunkState uint16

// Стадии конвейера чанка
const (
	StateLoadData         ChunkState = 0x01
	StatePrepareGenerate  ChunkState = 0x02
	StateGenerate         ChunkState = 0x04
	StatePrepareSaveData  ChunkState = 0x08
	StateSaveData         ChunkState = 0x10
	StateSyncEdges        ChunkState = 0x20
	StateBuildCollider    ChunkState = 0x40
	StateBuildColliderNow ChunkState = 0x80
	StateBuildVertices    ChunkState = 0x100
	StateBuildVerticesNow ChunkState = 0x200
	StateRemove           ChunkState = 0x400

	// stateCompact внутренняя стадия сжатия простаивающего чанка
	stateCompact ChunkState = 0x8000
)

// StateNone пустой набор
const StateNone ChunkState = 0

// Составные маски
const (
	StateBuildVertexAny   = StateBuildVertices | StateBuildVerticesNow
	StateBuildColliderAny = StateBuildCollider | StateBuildColliderNow
	StateBuildNow         = StateBuildVerticesNow | StateBuildColliderNow
	StateSave             = StatePrepareSaveData | StateSaveData
)

var stateNames = []struct {
	state ChunkState
	name  string
}{
	{StateLoadData, "LoadData"},
	{StatePrepareGenerate, "PrepareGenerate"},
	{StateGenerate, "Generate"},
	{StatePrepareSaveData, "PrepareSaveData"},
	{StateSaveData, "SaveData"},
	{StateSyncEdges, "SyncEdges"},
	{StateBuildCollider, "BuildCollider"},
	{StateBuildColliderNow, "BuildColliderNow"},
	{StateBuildVertices, "BuildVertices"},
	{StateBuildVerticesNow, "BuildVerticesNow"},
	{StateRemove, "Remove"},
	{stateCompact, "Compact"},
}

// Has сообщает, что установлены все биты other
func (s ChunkState) Has(other ChunkState) bool { return s&other == other && other != 0 }

// Any сообщает, что установлен хотя бы один бит other
func (s ChunkState) Any(other ChunkState) bool { return s&other != 0 }

// With возвращает набор с добавленными битами
func (s ChunkState) With(other ChunkState) ChunkState { return s | other }

// Without возвращает набор без указанных битов
func (s ChunkState) Without(other ChunkState) ChunkState { return s &^ other }

func (s ChunkState) String() string {
	if s == StateNone {
		return "None"
	}
	var parts []string
	rest := s
	for _, n := range stateNames {
		if s&n.state != 0 {
			parts = append(parts, n.name)
			rest &^= n.state
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint16(rest)))
	}
	return strings.Join(parts, "|")
}

// stageTransitions какие биты может выставить завершившаяся стадия.
// Результат с битами вне таблицы — ошибка программы.
var stageTransitions = map[ChunkState]ChunkState{
	StateLoadData:         StatePrepareGenerate | StateSyncEdges | StateBuildVertexAny | StateBuildColliderAny,
	StatePrepareGenerate:  StateGenerate,
	StateGenerate:         StateSyncEdges | StateBuildVertexAny | StateBuildColliderAny,
	StatePrepareSaveData:  StateSaveData,
	StateSaveData:         StateNone,
	StateSyncEdges:        StateBuildVertexAny | StateBuildColliderAny,
	StateBuildCollider:    StateNone,
	StateBuildColliderNow: StateNone,
	StateBuildVertices:    StateNone,
	StateBuildVerticesNow: StateNone,
	StateRemove:           StateNone,
	stateCompact:          StateNone,
}

// checkTransition паникует, если стадия выставила недопустимые биты
func checkTransition(stage, next ChunkState) {
	allowed, ok := stageTransitions[stage]
	if !ok {
		panic(fmt.Sprintf("world: неизвестная стадия %v", stage))
	}
	if next&^allowed != 0 {
		panic(fmt.Sprintf("world: стадия %v не может выставить %v", stage, next&^allowed))
	}
}

// dispatchOrder порядок выбора стадий: срочные сборки раньше остальных
var dispatchOrder = []ChunkState{
	StateLoadData,
	StatePrepareGenerate,
	StateGenerate,
	StateBuildVerticesNow,
	StateBuildColliderNow,
	StateSyncEdges,
	StatePrepareSaveData,
	StateSaveData,
	StateBuildVertices,
	StateBuildCollider,
}

// isForeground стадии, выполняемые прямо в такте без пула
func isForeground(stage ChunkState) bool {
	switch stage {
	case StatePrepareGenerate, StatePrepareSaveData, StateSyncEdges:
		return true
	}
	return false
}

// stageName имя стадии для метрик и трассировки
func stageName(stage ChunkState) string {
	for _, n := range stateNames {
		if n.state == stage {
			return n.name
		}
	}
	return stage.String()
}
