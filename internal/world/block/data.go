package block

import (
	"encoding/binary"
	"fmt"
)

// DataSize размер BlockData на диске и в сети
const DataSize = 4

// Зарезервированные типы блоков
const (
	AirType  uint16 = 0      // Воздух, всегда несплошной
	VoidType uint16 = 0xFFFF // Маркер "вне загруженного мира", никогда не сохраняется
)

const (
	typeMask  = 0xFFFF
	solidFlag = 1 << 16
)

// BlockData упакованное значение ячейки: биты 0-15 тип, бит 16 признак сплошного блока
type BlockData uint32

// Air пустая ячейка
const Air BlockData = 0

// Void значение, возвращаемое для позиций вне готовых чанков
const Void BlockData = BlockData(VoidType)

// NewBlockData упаковывает тип и признак сплошности. Воздух никогда не бывает сплошным.
func NewBlockData(typ uint16, solid bool) BlockData {
	d := BlockData(typ)
	if solid && typ != AirType {
		d |= solidFlag
	}
	return d
}

// Type возвращает тип блока
func (d BlockData) Type() uint16 { return uint16(d & typeMask) }

// Solid сообщает, сплошной ли блок
func (d BlockData) Solid() bool { return d&solidFlag != 0 }

// IsAir проверяет, пустая ли ячейка
func (d BlockData) IsAir() bool { return d.Type() == AirType }

// IsVoid проверяет маркер отсутствующего мира
func (d BlockData) IsVoid() bool { return d.Type() == VoidType }

// WithType возвращает копию с заменённым типом, признак сплошности сохраняется
func (d BlockData) WithType(typ uint16) BlockData {
	return NewBlockData(typ, d.Solid())
}

func (d BlockData) String() string {
	if d.Solid() {
		return fmt.Sprintf("block(%d,solid)", d.Type())
	}
	return fmt.Sprintf("block(%d)", d.Type())
}

// PutBlockData пишет значение в 4 байта little-endian
func PutBlockData(b []byte, d BlockData) {
	binary.LittleEndian.PutUint32(b, uint32(d))
}

// AppendBlockData дописывает значение в dst
func AppendBlockData(dst []byte, d BlockData) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(d))
}

// ReadBlockData читает значение из первых 4 байт
func ReadBlockData(b []byte) BlockData {
	return BlockData(binary.LittleEndian.Uint32(b))
}
