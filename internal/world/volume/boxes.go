package volume

import (
	"fmt"

	"github.com/annel0/voxel-core/internal/world/block"
)

// boxBytes и cellBytes — оценка памяти одного бокса и одной ячейки плотного массива
const (
	boxBytes  = 16
	cellBytes = 4
)

// Box прямоугольный бокс однородных ячеек в координатах массива с отступом: [Min, Max)
type Box struct {
	MinX, MinY, MinZ int16
	MaxX, MaxY, MaxZ int16
	Value            block.BlockData
}

// Contains проверяет, что ячейка (в координатах с отступом) лежит в боксе
func (b Box) Contains(x, y, z int) bool {
	return x >= int(b.MinX) && x < int(b.MaxX) &&
		y >= int(b.MinY) && y < int(b.MaxY) &&
		z >= int(b.MinZ) && z < int(b.MaxZ)
}

// Cells возвращает число ячеек бокса
func (b Box) Cells() int {
	return int(b.MaxX-b.MinX) * int(b.MaxY-b.MinY) * int(b.MaxZ-b.MinZ)
}

func (b Box) String() string {
	return fmt.Sprintf("box[%d..%d,%d..%d,%d..%d]=%v", b.MinX, b.MaxX, b.MinY, b.MaxY, b.MinZ, b.MaxZ, b.Value)
}

// Compaction результат построения боксов. Применяется через AdoptBoxes,
// только если хранилище не менялось с момента построения.
type Compaction struct {
	Boxes   []Box
	version uint64
}

// greedyBoxes жадно разбивает плотный массив на боксы: обход y,z,x,
// рост сначала по x, затем по z, затем по y через непосещённые равные ячейки.
func greedyBoxes(dense []block.BlockData, p int) []Box {
	visited := make([]bool, len(dense))
	boxes := make([]Box, 0, 16)

	idx := func(x, y, z int) int { return x + p*(z+y*p) }

	for y := 0; y < p; y++ {
		for z := 0; z < p; z++ {
			for x := 0; x < p; x++ {
				start := idx(x, y, z)
				if visited[start] {
					continue
				}
				v := dense[start]

				x1 := x + 1
				for x1 < p {
					i := idx(x1, y, z)
					if visited[i] || dense[i] != v {
						break
					}
					x1++
				}

				z1 := z + 1
				for z1 < p && rowMatches(dense, visited, idx(x, y, z1), x1-x, v) {
					z1++
				}

				y1 := y + 1
			growY:
				for y1 < p {
					for zz := z; zz < z1; zz++ {
						if !rowMatches(dense, visited, idx(x, y1, zz), x1-x, v) {
							break growY
						}
					}
					y1++
				}

				for yy := y; yy < y1; yy++ {
					for zz := z; zz < z1; zz++ {
						row := idx(x, yy, zz)
						for i := row; i < row+x1-x; i++ {
							visited[i] = true
						}
					}
				}

				boxes = append(boxes, Box{
					MinX: int16(x), MinY: int16(y), MinZ: int16(z),
					MaxX: int16(x1), MaxY: int16(y1), MaxZ: int16(z1),
					Value: v,
				})
			}
		}
	}
	return boxes
}

func rowMatches(dense []block.BlockData, visited []bool, start, n int, v block.BlockData) bool {
	for i := start; i < start+n; i++ {
		if visited[i] || dense[i] != v {
			return false
		}
	}
	return true
}

// layerIndex строит индекс боксов по слоям y
func layerIndex(boxes []Box, p int) [][]int32 {
	layers := make([][]int32, p)
	for i, b := range boxes {
		for y := int(b.MinY); y < int(b.MaxY); y++ {
			layers[y] = append(layers[y], int32(i))
		}
	}
	return layers
}

// fillBoxes восстанавливает плотный массив. Нарушение разбиения (дыра, пересечение,
// выход за границы) — ошибка программы, поэтому паника.
func fillBoxes(boxes []Box, p int) []block.BlockData {
	total := p * p * p
	dense := make([]block.BlockData, total)
	filled := make([]bool, total)
	count := 0

	for _, b := range boxes {
		if b.MinX < 0 || b.MinY < 0 || b.MinZ < 0 ||
			int(b.MaxX) > p || int(b.MaxY) > p || int(b.MaxZ) > p ||
			b.MinX >= b.MaxX || b.MinY >= b.MaxY || b.MinZ >= b.MaxZ {
			panic(fmt.Sprintf("volume: некорректный бокс %v", b))
		}
		for y := int(b.MinY); y < int(b.MaxY); y++ {
			for z := int(b.MinZ); z < int(b.MaxZ); z++ {
				row := int(b.MinX) + p*(z+y*p)
				for i := row; i < row+int(b.MaxX-b.MinX); i++ {
					if filled[i] {
						panic(fmt.Sprintf("volume: боксы пересекаются в ячейке %d (%v)", i, b))
					}
					filled[i] = true
					dense[i] = b.Value
					count++
				}
			}
		}
	}
	if count != total {
		panic(fmt.Sprintf("volume: боксы покрывают %d ячеек из %d", count, total))
	}
	return dense
}
