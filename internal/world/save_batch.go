package world

import (
	"context"
	"sync"

	"github.com/annel0/voxel-core/internal/vec"
	"github.com/google/uuid"
)

// SaveReport итог пакетного сохранения
type SaveReport struct {
	ID      string        `json:"id"`
	Saved   []vec.Vec3    `json:"saved"`
	Skipped []vec.Vec3    `json:"skipped"`
	Failed  []SaveFailure `json:"failed,omitempty"`
}

// SaveFailure чанк, который не удалось записать
type SaveFailure struct {
	Pos   vec.Vec3 `json:"pos"`
	Error string   `json:"error"`
}

// SaveBatch ожидание сохранения набора чанков.
// Завершается, когда каждый чанк сохранён, пропущен (нечего сохранять) или упал с ошибкой.
type SaveBatch struct {
	ID string

	mu      sync.Mutex
	pending map[vec.Vec3]struct{}
	saved   []vec.Vec3
	skipped []vec.Vec3
	failed  map[vec.Vec3]error
	done    chan struct{}
}

func newSaveBatch(positions []vec.Vec3) *SaveBatch {
	b := &SaveBatch{
		ID:      uuid.New().String(),
		pending: make(map[vec.Vec3]struct{}, len(positions)),
		failed:  make(map[vec.Vec3]error),
		done:    make(chan struct{}),
	}
	for _, pos := range positions {
		b.pending[pos] = struct{}{}
	}
	if len(b.pending) == 0 {
		close(b.done)
	}
	return b
}

// resolve фиксирует итог для одного чанка. Повторный итог игнорируется.
func (b *SaveBatch) resolve(pos vec.Vec3, saved bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pending[pos]; !ok {
		return
	}
	delete(b.pending, pos)
	switch {
	case err != nil:
		b.failed[pos] = err
	case saved:
		b.saved = append(b.saved, pos)
	default:
		b.skipped = append(b.skipped, pos)
	}
	if len(b.pending) == 0 {
		close(b.done)
	}
}

// Done закрывается после завершения пакета
func (b *SaveBatch) Done() <-chan struct{} { return b.done }

// Wait ждёт завершения пакета или отмены ctx
func (b *SaveBatch) Wait(ctx context.Context) (SaveReport, error) {
	select {
	case <-b.done:
		return b.Report(), nil
	case <-ctx.Done():
		return b.Report(), ctx.Err()
	}
}

// Pending число чанков, ещё не получивших итог
func (b *SaveBatch) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Report возвращает текущий отчёт
func (b *SaveBatch) Report() SaveReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := SaveReport{
		ID:      b.ID,
		Saved:   append([]vec.Vec3(nil), b.saved...),
		Skipped: append([]vec.Vec3(nil), b.skipped...),
	}
	for pos, err := range b.failed {
		r.Failed = append(r.Failed, SaveFailure{Pos: pos, Error: err.Error()})
	}
	return r
}

// Errors возвращает ошибки записи по чанкам
func (b *SaveBatch) Errors() map[vec.Vec3]error {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[vec.Vec3]error, len(b.failed))
	for pos, err := range b.failed {
		out[pos] = err
	}
	return out
}
