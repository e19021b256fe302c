package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkStateString(t *testing.T) {
	assert.Equal(t, "None", StateNone.String())
	assert.Equal(t, "LoadData", StateLoadData.String())
	assert.Equal(t, "SaveData|BuildVertices|Remove", (StateRemove | StateSaveData | StateBuildVertices).String())
	assert.Equal(t, "Compact", stateCompact.String())
	assert.Equal(t, "LoadData|0x1000", (StateLoadData | 0x1000).String())
}

func TestChunkStateOps(t *testing.T) {
	s := StateLoadData.With(StateSyncEdges)
	assert.True(t, s.Has(StateLoadData))
	assert.True(t, s.Has(StateLoadData|StateSyncEdges))
	assert.False(t, s.Has(StateLoadData|StateGenerate))
	assert.True(t, s.Any(StateGenerate|StateSyncEdges))
	assert.False(t, s.Has(StateNone), "пустой набор не считается установленным")
	assert.Equal(t, StateSyncEdges, s.Without(StateLoadData))
}

func TestStageTransitions(t *testing.T) {
	// Допустимые переходы
	assert.NotPanics(t, func() { checkTransition(StateLoadData, StatePrepareGenerate) })
	assert.NotPanics(t, func() { checkTransition(StateLoadData, StateSyncEdges|StateBuildVertices|StateBuildCollider) })
	assert.NotPanics(t, func() { checkTransition(StatePrepareGenerate, StateGenerate) })
	assert.NotPanics(t, func() { checkTransition(StatePrepareSaveData, StateSaveData) })
	assert.NotPanics(t, func() { checkTransition(StateSaveData, StateNone) })

	// Недопустимые
	assert.Panics(t, func() { checkTransition(StateSaveData, StateLoadData) })
	assert.Panics(t, func() { checkTransition(StateGenerate, StateGenerate) })
	assert.Panics(t, func() { checkTransition(StateBuildVertices, StateSyncEdges) })
	assert.Panics(t, func() { checkTransition(StateLoadData|StateGenerate, StateNone) }, "составная стадия")
}

func TestPickStageOrder(t *testing.T) {
	all := ^StateNone

	assert.Equal(t, StateLoadData, pickStage(StateLoadData|StateBuildVerticesNow, all))
	assert.Equal(t, StateBuildVerticesNow, pickStage(StateBuildVertices|StateBuildVerticesNow|StateSyncEdges, all))
	assert.Equal(t, StateSyncEdges, pickStage(StateSyncEdges|StatePrepareSaveData|StateBuildCollider, all))
	assert.Equal(t, StatePrepareSaveData, pickStage(StatePrepareSaveData|StateBuildVertices, all))
	assert.Equal(t, StateNone, pickStage(StateRemove, all), "Remove не запускается как стадия")

	assert.Equal(t, StatePrepareSaveData, pickStage(StateSyncEdges|StatePrepareSaveData, StateSave))
	assert.Equal(t, StateNone, pickStage(StateBuildVertices, StateSave))
}

func TestClearMask(t *testing.T) {
	assert.Equal(t, StateBuildVertexAny, clearMask(StateBuildVerticesNow))
	assert.Equal(t, StateBuildColliderAny, clearMask(StateBuildColliderNow))
	assert.Equal(t, StateBuildVertices, clearMask(StateBuildVertices))
	assert.Equal(t, StateSaveData, clearMask(StateSaveData))
}

func TestForegroundStages(t *testing.T) {
	for _, s := range dispatchOrder {
		switch s {
		case StatePrepareGenerate, StatePrepareSaveData, StateSyncEdges:
			assert.True(t, isForeground(s), s.String())
		default:
			assert.False(t, isForeground(s), s.String())
		}
	}
}
