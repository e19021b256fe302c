package world

import (
	"context"
	"errors"
	"fmt"

	"github.com/annel0/voxel-core/internal/storage"
	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world/volume"
)

// Функции стадий работают только со своим хранилищем и коллабораторами
// и возвращают результат и биты следующих стадий. Состояние чанка меняет менеджер.

// stageResult результат фоновой стадии, разбирается в такте менеджера
type stageResult struct {
	chunk *Chunk
	stage ChunkState
	next  ChunkState
	err   error

	// LoadData: дифференциальная запись, ждущая генерации
	record *storage.Record
	// LoadData: причина отказа от сохранения
	decodeReason string

	// SaveData
	saved bool

	// Сжатие
	compaction volume.Compaction
	compactOK  bool
}

// loadStage разбирает прочитанные байты. Полная запись сразу применяется
// к хранилищу и генерация пропускается; дифференциальная ждёт генерации.
// Ошибка формата означает «сохранения нет».
func loadStage(codec *storage.Codec, blocks *volume.Blocks, data []byte, built ChunkState) (*storage.Record, ChunkState, error) {
	rec, err := codec.Decode(data)
	if err != nil {
		return nil, StatePrepareGenerate, err
	}
	if rec.Complete() {
		storage.Commit(rec, blocks)
		return nil, StateSyncEdges | built, nil
	}
	return rec, StatePrepareGenerate, nil
}

// generateStage заполняет хранилище генератором и накладывает сохранённые правки.
// Правки применяются и при ошибке генератора, чтобы изменения игрока не терялись.
func generateStage(ctx context.Context, gen Generator, pos vec.Vec3, blocks *volume.Blocks, rec *storage.Record, built ChunkState) (ChunkState, error) {
	var genErr error
	if gen != nil {
		genErr = gen.Generate(ctx, pos, blocks)
	}
	if rec != nil {
		storage.Commit(rec, blocks)
	}
	blocks.ClearModified()
	return StateSyncEdges | built, genErr
}

// encodeSaveStage кодирует сохранение. existing — байты прежней записи (nil, если её нет).
// Поверх полной записи дифференциальное сохранение пишет полный снимок,
// иначе прежние правки объединяются с новыми.
func encodeSaveStage(codec *storage.Codec, blocks *volume.Blocks, edits *storage.Edits, existing []byte) ([]byte, error) {
	if !codec.Options().Differential {
		return codec.EncodeFull(blocks)
	}
	var prev *storage.Record
	if existing != nil {
		rec, err := codec.Decode(existing)
		switch {
		case err != nil:
			// Повреждённая запись перезаписывается новыми правками
		case rec.Complete():
			return codec.EncodeFull(blocks)
		default:
			prev = rec
		}
	}
	return codec.EncodeDifferential(blocks.NonEmpty(), storage.MergeEdits(prev, edits))
}

// buildStage вызывает сборщик геометрии или столкновений
func buildStage(ctx context.Context, geometry GeometryBuilder, collider ColliderBuilder, stage ChunkState, pos vec.Vec3, blocks *volume.Blocks) error {
	switch {
	case StateBuildVertexAny.Any(stage):
		if geometry == nil {
			return nil
		}
		return geometry.BuildVertices(ctx, pos, blocks)
	case StateBuildColliderAny.Any(stage):
		if collider == nil {
			return nil
		}
		return collider.BuildCollider(ctx, pos, blocks)
	}
	return fmt.Errorf("стадия %v не является сборкой", stage)
}

// syncEdgesStage копирует границы готовых соседей в отступ хранилища.
// Сборки нужны, если отступ изменился или синхронизация первая.
func syncEdgesStage(blocks *volume.Blocks, neighbors map[vec.Vec3]*volume.Blocks, first bool, built ChunkState) (int, ChunkState) {
	changed := 0
	for _, offset := range volume.NeighborOffsets {
		nb, ok := neighbors[offset]
		if !ok {
			continue
		}
		changed += blocks.SyncPadding(offset, nb)
	}
	if changed > 0 || first {
		return changed, built
	}
	return 0, StateNone
}

// decodeReason метка метрики для ошибки разбора
func decodeReason(err error) string {
	for _, e := range []struct {
		err    error
		reason string
	}{
		{storage.ErrVersionMismatch, "version"},
		{storage.ErrBadMode, "mode"},
		{storage.ErrCellCount, "cell_count"},
		{storage.ErrNonEmptyRange, "non_empty"},
		{storage.ErrTruncated, "truncated"},
		{storage.ErrSizeMismatch, "size"},
		{storage.ErrBadPosition, "position"},
		{storage.ErrCorrupt, "corrupt"},
	} {
		if errors.Is(err, e.err) {
			return e.reason
		}
	}
	return "io"
}
