package volume

import (
	"fmt"

	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world/block"
)

// Blocks хранилище блоков чанка. В каждый момент либо плотное (dense != nil),
// либо сжатое в боксы (boxes != nil).
//
// Хранилище не синхронизировано: писать может только один владелец,
// конвейер чанков гарантирует это, допуская не более одной задачи на чанк.
type Blocks struct {
	env Env

	dense  []block.BlockData
	boxes  []Box
	layers [][]int32

	nonEmpty int

	modified    []vec.Vec3
	modifiedSet map[vec.Vec3]struct{}

	// version растёт при каждом изменении, по нему отбрасываются устаревшие сжатия
	version uint64
}

// NewBlocks создаёт плотное хранилище, заполненное воздухом
func NewBlocks(env Env) *Blocks {
	return &Blocks{
		env:         env,
		dense:       make([]block.BlockData, env.PaddedVolume),
		modifiedSet: make(map[vec.Vec3]struct{}),
	}
}

// Env возвращает геометрию хранилища
func (b *Blocks) Env() Env { return b.env }

// IsCompacted сообщает, сжато ли хранилище
func (b *Blocks) IsCompacted() bool { return b.dense == nil }

// Boxes возвращает список боксов сжатого хранилища (nil для плотного)
func (b *Blocks) Boxes() []Box { return b.boxes }

// NonEmpty число непустых ячеек логического объёма
func (b *Blocks) NonEmpty() int { return b.nonEmpty }

// Version номер изменения хранилища
func (b *Blocks) Version() uint64 { return b.version }

// MemoryUsage оценка занимаемой памяти в байтах
func (b *Blocks) MemoryUsage() int {
	if b.IsCompacted() {
		return len(b.boxes) * boxBytes
	}
	return len(b.dense) * cellBytes
}

// Get возвращает значение ячейки по локальным координатам из [-1,E].
// Для координат вне объёма возвращается Void.
func (b *Blocks) Get(x, y, z int) block.BlockData {
	if !b.env.InBounds(x, y, z) {
		return block.Void
	}
	if b.dense != nil {
		return b.dense[b.env.Index(x, y, z)]
	}
	return b.lookup(x+1, y+1, z+1)
}

// GetPos как Get, но принимает Vec3
func (b *Blocks) GetPos(pos vec.Vec3) block.BlockData {
	return b.Get(int(pos.X), int(pos.Y), int(pos.Z))
}

// GetIndex возвращает значение по индексу плотного массива
func (b *Blocks) GetIndex(index int) block.BlockData {
	if b.dense != nil {
		return b.dense[index]
	}
	x, y, z := b.env.Coords(index)
	return b.lookup(x+1, y+1, z+1)
}

// lookup ищет бокс в слое y (координаты с отступом)
func (b *Blocks) lookup(px, py, pz int) block.BlockData {
	for _, i := range b.layers[py] {
		box := b.boxes[i]
		if box.Contains(px, py, pz) {
			return box.Value
		}
	}
	panic(fmt.Sprintf("volume: ячейка (%d,%d,%d) не покрыта боксами", px-1, py-1, pz-1))
}

// Set записывает значение по локальной позиции. Сжатое хранилище сначала разжимается.
// С markModified позиция попадает в список изменений (одна запись на позицию).
// Возвращает false для позиции вне объёма.
func (b *Blocks) Set(pos vec.Vec3, value block.BlockData, markModified bool) bool {
	x, y, z := int(pos.X), int(pos.Y), int(pos.Z)
	if !b.env.InBounds(x, y, z) {
		return false
	}
	b.SetRaw(b.env.Index(x, y, z), value)

	if markModified && b.env.IsLogical(x, y, z) {
		if _, seen := b.modifiedSet[pos]; !seen {
			b.modifiedSet[pos] = struct{}{}
			b.modified = append(b.modified, pos)
		}
	}
	return true
}

// SetRaw записывает значение по индексу без учёта изменений
func (b *Blocks) SetRaw(index int, value block.BlockData) {
	b.Decompact()

	old := b.dense[index]
	if old == value {
		return
	}
	b.dense[index] = value
	b.version++

	x, y, z := b.env.Coords(index)
	if !b.env.IsLogical(x, y, z) {
		return
	}
	switch {
	case old.IsAir() && !value.IsAir():
		b.nonEmpty++
	case !old.IsAir() && value.IsAir():
		b.nonEmpty--
	}
}

// Fill заполняет весь объём (включая отступ) одним значением
func (b *Blocks) Fill(value block.BlockData) {
	b.boxes, b.layers = nil, nil
	if b.dense == nil {
		b.dense = make([]block.BlockData, b.env.PaddedVolume)
	}
	for i := range b.dense {
		b.dense[i] = value
	}
	if value.IsAir() {
		b.nonEmpty = 0
	} else {
		b.nonEmpty = b.env.Volume
	}
	b.version++
}

// Reset возвращает хранилище в исходное состояние: воздух, без изменений
func (b *Blocks) Reset() {
	b.Fill(block.Air)
	b.ClearModified()
}

// Range обходит логический объём в порядке y, z, x. fn возвращает false для остановки.
func (b *Blocks) Range(fn func(x, y, z int, v block.BlockData) bool) {
	size := b.env.Size
	for y := 0; y < size; y++ {
		for z := 0; z < size; z++ {
			for x := 0; x < size; x++ {
				if !fn(x, y, z, b.Get(x, y, z)) {
					return
				}
			}
		}
	}
}

// RecountNonEmpty пересчитывает счётчик непустых ячеек
func (b *Blocks) RecountNonEmpty() int {
	n := 0
	b.Range(func(_, _, _ int, v block.BlockData) bool {
		if !v.IsAir() {
			n++
		}
		return true
	})
	b.nonEmpty = n
	return n
}

// MarkModified отмечает логическую позицию изменённой без записи значения
func (b *Blocks) MarkModified(pos vec.Vec3) bool {
	if !b.env.IsLogical(int(pos.X), int(pos.Y), int(pos.Z)) {
		return false
	}
	if _, seen := b.modifiedSet[pos]; !seen {
		b.modifiedSet[pos] = struct{}{}
		b.modified = append(b.modified, pos)
	}
	return true
}

// Modified возвращает копию списка изменённых позиций в порядке первой правки
func (b *Blocks) Modified() []vec.Vec3 {
	out := make([]vec.Vec3, len(b.modified))
	copy(out, b.modified)
	return out
}

// HasModified сообщает о наличии несохранённых правок
func (b *Blocks) HasModified() bool { return len(b.modified) > 0 }

// TakeModified возвращает список изменённых позиций и очищает его
func (b *Blocks) TakeModified() []vec.Vec3 {
	out := b.modified
	b.ClearModified()
	return out
}

// ClearModified очищает список изменённых позиций
func (b *Blocks) ClearModified() {
	b.modified = nil
	b.modifiedSet = make(map[vec.Vec3]struct{})
}

// BuildBoxes строит боксы по плотному массиву, не меняя хранилище.
// Безопасно вызывать из рабочего потока, пока владелец не пишет в хранилище.
// Второе значение false, если сжатие не уменьшит представление.
func (b *Blocks) BuildBoxes() (Compaction, bool) {
	if b.dense == nil {
		return Compaction{Boxes: b.boxes, version: b.version}, true
	}
	boxes := greedyBoxes(b.dense, b.env.Padded)
	if len(boxes)*boxBytes >= len(b.dense)*cellBytes {
		return Compaction{}, false
	}
	return Compaction{Boxes: boxes, version: b.version}, true
}

// AdoptBoxes переводит хранилище в сжатое представление. Отказывает, если
// хранилище изменилось после BuildBoxes.
func (b *Blocks) AdoptBoxes(c Compaction) bool {
	if c.version != b.version || len(c.Boxes) == 0 {
		return false
	}
	if b.dense == nil {
		return true
	}
	b.boxes = c.Boxes
	b.layers = layerIndex(c.Boxes, b.env.Padded)
	b.dense = nil
	return true
}

// Compact сжимает хранилище в боксы. Возвращает false, если сжатие не выгодно
// (хранилище остаётся плотным).
func (b *Blocks) Compact() bool {
	c, ok := b.BuildBoxes()
	if !ok {
		return false
	}
	return b.AdoptBoxes(c)
}

// Decompact восстанавливает плотный массив из боксов
func (b *Blocks) Decompact() {
	if b.dense != nil {
		return
	}
	b.dense = fillBoxes(b.boxes, b.env.Padded)
	b.boxes, b.layers = nil, nil
}

// ToBytes сериализует логический объём: E^3 значений по 4 байта LE в порядке y, z, x
func (b *Blocks) ToBytes() []byte {
	out := make([]byte, 0, b.env.DenseBytes())
	b.Range(func(_, _, _ int, v block.BlockData) bool {
		out = block.AppendBlockData(out, v)
		return true
	})
	return out
}

// FromBytes заполняет логический объём из ToBytes-представления. Отступ не меняется.
func (b *Blocks) FromBytes(data []byte) error {
	if len(data) != b.env.DenseBytes() {
		return fmt.Errorf("ожидалось %d байт, получено %d", b.env.DenseBytes(), len(data))
	}
	size := b.env.Size
	off := 0
	for y := 0; y < size; y++ {
		for z := 0; z < size; z++ {
			for x := 0; x < size; x++ {
				b.SetRaw(b.env.Index(x, y, z), block.ReadBlockData(data[off:]))
				off += block.DataSize
			}
		}
	}
	return nil
}
