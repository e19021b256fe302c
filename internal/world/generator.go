package world

import (
	"context"
	"fmt"
	"math"

	"github.com/annel0/voxel-core/internal/util"
	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/annel0/voxel-core/internal/world/volume"
)

// Имена блоков рельефа по умолчанию
const (
	BlockStone = "stone"
	BlockDirt  = "dirt"
	BlockGrass = "grass"
)

// TerrainConfig параметры генератора рельефа
type TerrainConfig struct {
	Seed       int64   // Сид для генерации шума
	NoiseScale float64 // Масштаб шума (сглаженность ландшафта)
	BaseHeight int     // Средняя высота поверхности
	Amplitude  int     // Размах высот вокруг BaseHeight
	DirtDepth  int     // Толщина слоя земли под травой
}

// DefaultTerrainConfig возвращает параметры по умолчанию
func DefaultTerrainConfig(seed int64) TerrainConfig {
	return TerrainConfig{
		Seed:       seed,
		NoiseScale: 0.02,
		BaseHeight: 32,
		Amplitude:  24,
		DirtDepth:  3,
	}
}

// TerrainGenerator генератор рельефа по карте высот из шума Перлина.
// Ниже поверхности камень, затем земля и трава сверху.
type TerrainGenerator struct {
	cfg   TerrainConfig
	noise *util.Noise

	stone block.BlockData
	dirt  block.BlockData
	grass block.BlockData
}

// NewTerrainGenerator создаёт генератор; блоки ищутся по имени в провайдере
func NewTerrainGenerator(cfg TerrainConfig, provider *block.Provider) (*TerrainGenerator, error) {
	lookup := func(name string) (block.BlockData, error) {
		b, ok := provider.BlockByName(name)
		if !ok {
			return block.Air, fmt.Errorf("блок %q не зарегистрирован", name)
		}
		return b, nil
	}

	tg := &TerrainGenerator{cfg: cfg, noise: util.NewNoise(cfg.Seed)}
	var err error
	if tg.stone, err = lookup(BlockStone); err != nil {
		return nil, err
	}
	if tg.dirt, err = lookup(BlockDirt); err != nil {
		return nil, err
	}
	if tg.grass, err = lookup(BlockGrass); err != nil {
		return nil, err
	}
	return tg, nil
}

// Height возвращает высоту поверхности: первая ячейка воздуха над колонкой
func (tg *TerrainGenerator) Height(col vec.Vec2) int {
	n := tg.noise.Noise2D(float64(col.X)*tg.cfg.NoiseScale, float64(col.Z)*tg.cfg.NoiseScale)
	return tg.cfg.BaseHeight + int(math.Round((n*2-1)*float64(tg.cfg.Amplitude)))
}

// blockAt значение ячейки на высоте y колонки с поверхностью height
func (tg *TerrainGenerator) blockAt(y, height int) block.BlockData {
	switch {
	case y >= height:
		return block.Air
	case y == height-1:
		return tg.grass
	case y >= height-1-tg.cfg.DirtDepth:
		return tg.dirt
	default:
		return tg.stone
	}
}

// Generate заполняет логический объём чанка
func (tg *TerrainGenerator) Generate(ctx context.Context, pos vec.Vec3, blocks *volume.Blocks) error {
	size := blocks.Env().Size
	for z := 0; z < size; z++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for x := 0; x < size; x++ {
			height := tg.Height(vec.Vec2{X: int(pos.X) + x, Z: int(pos.Z) + z})
			for y := 0; y < size; y++ {
				v := tg.blockAt(int(pos.Y)+y, height)
				if v.IsAir() {
					// Выше поверхности колонки только воздух
					break
				}
				blocks.Set(vec.NewVec3(x, y, z), v, false)
			}
		}
	}
	return nil
}

// ValueAt значение, которое генератор поставит в мировую позицию
func (tg *TerrainGenerator) ValueAt(world vec.Vec3) block.BlockData {
	return tg.blockAt(int(world.Y), tg.Height(world.Column()))
}
