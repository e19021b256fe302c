package vec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Vec3Size размер сериализованного Vec3 в байтах (три int32 little-endian)
const Vec3Size = 12

// ErrShortBuffer возвращается, если буфера не хватает для чтения Vec3
var ErrShortBuffer = errors.New("vec: буфер меньше 12 байт")

// Vec3 представляет трехмерный вектор с целочисленными координатами.
// Координаты 32-битные: именно в таком виде они пишутся на диск,
// поэтому ToBytes/FromBytes точно обратны друг другу.
type Vec3 struct {
	X int32
	Y int32
	Z int32
}

// NewVec3 создаёт Vec3 из int-координат
func NewVec3(x, y, z int) Vec3 {
	return Vec3{X: int32(x), Y: int32(y), Z: int32(z)}
}

// Equals проверяет равенство векторов
func (v Vec3) Equals(other Vec3) bool {
	return v.X == other.X && v.Y == other.Y && v.Z == other.Z
}

// Add складывает два вектора
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{
		X: v.X + other.X,
		Y: v.Y + other.Y,
		Z: v.Z + other.Z,
	}
}

// Sub вычитает вектор
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{
		X: v.X - other.X,
		Y: v.Y - other.Y,
		Z: v.Z - other.Z,
	}
}

// Mul умножает вектор на скаляр
func (v Vec3) Mul(k int32) Vec3 {
	return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// Column возвращает колонку (x,z), в которой лежит позиция
func (v Vec3) Column() Vec2 {
	return Vec2{X: int(v.X), Z: int(v.Z)}
}

// ChunkOrigin возвращает начало чанка, содержащего позицию.
// size должен быть степенью двойки: округление вниз делается маской,
// что корректно для отрицательных значений (-1 -> -size) и для всего диапазона int32.
func (v Vec3) ChunkOrigin(size int) Vec3 {
	mask := ^int32(size - 1)
	return Vec3{X: v.X & mask, Y: v.Y & mask, Z: v.Z & mask}
}

// LocalInChunk возвращает локальные координаты внутри чанка, всегда в [0, size)
func (v Vec3) LocalInChunk(size int) Vec3 {
	mask := int32(size - 1)
	return Vec3{X: v.X & mask, Y: v.Y & mask, Z: v.Z & mask}
}

// String реализует fmt.Stringer
func (v Vec3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z)
}

// ToBytes сериализует вектор в 12 байт little-endian
func (v Vec3) ToBytes() []byte {
	return v.AppendBytes(make([]byte, 0, Vec3Size))
}

// AppendBytes дописывает сериализованный вектор в dst
func (v Vec3) AppendBytes(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(v.X))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(v.Y))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(v.Z))
	return dst
}

// FromBytes читает вектор из первых 12 байт буфера
func FromBytes(b []byte) (Vec3, error) {
	if len(b) < Vec3Size {
		return Vec3{}, ErrShortBuffer
	}
	return Vec3{
		X: int32(binary.LittleEndian.Uint32(b[0:4])),
		Y: int32(binary.LittleEndian.Uint32(b[4:8])),
		Z: int32(binary.LittleEndian.Uint32(b[8:12])),
	}, nil
}

// FloorDiv целочисленное деление с округлением к минус бесконечности
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ChunkCoordinate округляет координату вниз до кратного size (size > 0, не обязательно степень двойки)
func ChunkCoordinate(x, size int) int {
	return FloorDiv(x, size) * size
}
