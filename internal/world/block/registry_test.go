package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockDataPacking(t *testing.T) {
	d := NewBlockData(42, true)
	assert.Equal(t, uint16(42), d.Type())
	assert.True(t, d.Solid())
	assert.False(t, d.IsAir())

	// Воздух никогда не бывает сплошным
	air := NewBlockData(AirType, true)
	assert.Equal(t, Air, air)
	assert.False(t, air.Solid())

	assert.True(t, Void.IsVoid())
	assert.False(t, Void.Solid())

	buf := make([]byte, DataSize)
	PutBlockData(buf, d)
	assert.Equal(t, []byte{42, 0, 1, 0}, buf)
	assert.Equal(t, d, ReadBlockData(buf))
}

func TestProviderAssignsRuntimeTypesInOrder(t *testing.T) {
	p := NewProvider()

	stone, err := p.Register(Config{Name: "stone", Type: 7, Solid: true})
	require.NoError(t, err)
	dirt, err := p.Register(Config{Name: "dirt", Type: 3, Solid: true})
	require.NoError(t, err)

	assert.Equal(t, uint16(1), stone)
	assert.Equal(t, uint16(2), dirt)
	assert.Equal(t, 3, p.Len())

	assert.Equal(t, uint16(7), p.ToDisk(stone))
	assert.Equal(t, stone, p.FromDisk(7))
	assert.Equal(t, AirType, p.FromDisk(999), "неизвестный тип должен читаться как воздух")

	b, ok := p.BlockByName("stone")
	require.True(t, ok)
	assert.Equal(t, NewBlockData(stone, true), b)
}

func TestProviderRejectsInvalidConfigs(t *testing.T) {
	p := NewProvider()
	_, err := p.Register(Config{Name: "stone", Type: 1})
	require.NoError(t, err)

	_, err = p.Register(Config{Name: "stone", Type: 2})
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = p.Register(Config{Name: "granite", Type: 1})
	assert.ErrorIs(t, err, ErrDuplicateType)

	_, err = p.Register(Config{Name: "void", Type: VoidType})
	assert.ErrorIs(t, err, ErrReservedType)

	_, err = p.Register(Config{Name: "", Type: 5})
	assert.Error(t, err)
}

func TestProviderRemapAcrossRegistrationOrders(t *testing.T) {
	// Два провайдера с разным порядком регистрации: дисковые типы должны совпадать
	a := NewProvider()
	b := NewProvider()
	_, _ = a.Register(Config{Name: "stone", Type: 10, Solid: true})
	_, _ = a.Register(Config{Name: "sand", Type: 11, Solid: true})
	_, _ = b.Register(Config{Name: "sand", Type: 11, Solid: true})
	_, _ = b.Register(Config{Name: "stone", Type: 10, Solid: true})

	stoneA, _ := a.BlockByName("stone")
	stoneB, _ := b.BlockByName("stone")
	require.NotEqual(t, stoneA, stoneB, "рантайм-типы должны различаться")

	onDisk := a.DataToDisk(stoneA)
	assert.Equal(t, stoneB, b.DataFromDisk(onDisk))
}

func TestProviderCheck(t *testing.T) {
	p := NewProvider()
	stone, err := p.Register(Config{Name: "stone", Type: 40, Solid: true})
	require.NoError(t, err)

	assert.NoError(t, p.Check(Air))
	assert.NoError(t, p.Check(NewBlockData(stone, true)))
	assert.ErrorIs(t, p.Check(NewBlockData(999, true)), ErrUnknownType)
	assert.ErrorIs(t, p.Check(Void), ErrUnknownType)
	// Незарегистрированный тип уходит на диск воздухом
	assert.Equal(t, AirType, p.ToDisk(999))
}

func TestProviderLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_ores.yaml"), []byte(`
blocks:
  - name: coal
    type: 20
    solid: true
  - name: stone
    type: 21
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_basic.yml"), []byte(`
blocks:
  - name: stone
    type: 1
    solid: true
  - name: water
    type: 2
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("не конфиг"), 0o644))

	p := NewProvider()
	require.NoError(t, p.LoadDir(dir))

	// a_basic.yml обрабатывается первым, дубликат stone из b_ores.yaml пропускается
	assert.Equal(t, 4, p.Len())
	stone, ok := p.TypeByName("stone")
	require.True(t, ok)
	assert.Equal(t, uint16(1), stone)
	assert.Equal(t, uint16(1), p.ToDisk(stone))

	coal, ok := p.TypeByName("coal")
	require.True(t, ok)
	assert.Equal(t, uint16(3), coal)

	cfg, ok := p.Config(coal)
	require.True(t, ok)
	assert.True(t, cfg.Solid)
}

func TestProviderLoadDirMissing(t *testing.T) {
	p := NewProvider()
	assert.Error(t, p.LoadDir(filepath.Join(t.TempDir(), "нет")))
}
