package volume

import (
	"fmt"

	"github.com/annel0/voxel-core/internal/vec"
)

// NeighborOffsets 26 смещений соседних чанков (в единицах чанка)
var NeighborOffsets = func() []vec.Vec3 {
	out := make([]vec.Vec3, 0, 26)
	for y := int32(-1); y <= 1; y++ {
		for z := int32(-1); z <= 1; z++ {
			for x := int32(-1); x <= 1; x++ {
				if x == 0 && y == 0 && z == 0 {
					continue
				}
				out = append(out, vec.Vec3{X: x, Y: y, Z: z})
			}
		}
	}
	return out
}()

// paddingRange диапазон локальных координат отступа по одной оси для смещения d
func paddingRange(d int32, size int) (from, to int) {
	switch d {
	case -1:
		return -1, -1
	case 1:
		return size, size
	default:
		return 0, size - 1
	}
}

// SyncPadding копирует граничные ячейки соседа, лежащего по смещению offset,
// в соответствующую область отступа этого хранилища. Ячейки с совпадающим
// значением не трогаются, так что сжатое хранилище разжимается только при реальных
// изменениях. Возвращает число изменённых ячеек.
func (b *Blocks) SyncPadding(offset vec.Vec3, neighbor *Blocks) int {
	if offset.X < -1 || offset.X > 1 || offset.Y < -1 || offset.Y > 1 || offset.Z < -1 || offset.Z > 1 ||
		(offset == vec.Vec3{}) {
		panic(fmt.Sprintf("volume: недопустимое смещение соседа %v", offset))
	}
	if neighbor.env.Size != b.env.Size {
		panic("volume: соседние хранилища разного размера")
	}

	size := b.env.Size
	shift := offset.Mul(int32(size))
	x0, x1 := paddingRange(offset.X, size)
	y0, y1 := paddingRange(offset.Y, size)
	z0, z1 := paddingRange(offset.Z, size)

	changed := 0
	for y := y0; y <= y1; y++ {
		for z := z0; z <= z1; z++ {
			for x := x0; x <= x1; x++ {
				v := neighbor.Get(x-int(shift.X), y-int(shift.Y), z-int(shift.Z))
				if b.Get(x, y, z) == v {
					continue
				}
				b.SetRaw(b.env.Index(x, y, z), v)
				changed++
			}
		}
	}
	return changed
}

// IsBorder сообщает, лежит ли локальная позиция на грани логического объёма,
// то есть отражается в отступе какого-либо соседа
func (e Env) IsBorder(pos vec.Vec3) bool {
	last := int32(e.Size - 1)
	return pos.X == 0 || pos.Y == 0 || pos.Z == 0 || pos.X == last || pos.Y == last || pos.Z == last
}

// BorderNeighbors возвращает смещения соседей, в отступ которых попадает локальная позиция
func (e Env) BorderNeighbors(pos vec.Vec3) []vec.Vec3 {
	last := int32(e.Size - 1)
	axis := func(c int32) []int32 {
		switch {
		case c == 0 && c == last:
			return []int32{-1, 0, 1}
		case c == 0:
			return []int32{-1, 0}
		case c == last:
			return []int32{0, 1}
		default:
			return []int32{0}
		}
	}
	var out []vec.Vec3
	for _, dy := range axis(pos.Y) {
		for _, dz := range axis(pos.Z) {
			for _, dx := range axis(pos.X) {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				out = append(out, vec.Vec3{X: dx, Y: dy, Z: dz})
			}
		}
	}
	return out
}
