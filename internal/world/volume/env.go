package volume

import "fmt"

// Допустимые степени двойки для ребра чанка
const (
	MinPow = 1
	MaxPow = 8
)

// Env геометрия хранилища чанка: логическое ребро E и ребро с отступом E+2.
// Локальные координаты логического объёма лежат в [0,E), отступ — это слои -1 и E.
type Env struct {
	Pow          int
	Size         int // E
	Padded       int // E+2
	Volume       int // E^3
	PaddedVolume int // (E+2)^3
}

// NewEnv создаёт геометрию для чанка с ребром 1<<pow
func NewEnv(pow int) (Env, error) {
	if pow < MinPow || pow > MaxPow {
		return Env{}, fmt.Errorf("степень размера чанка %d вне диапазона [%d,%d]", pow, MinPow, MaxPow)
	}
	size := 1 << pow
	padded := size + 2
	return Env{
		Pow:          pow,
		Size:         size,
		Padded:       padded,
		Volume:       size * size * size,
		PaddedVolume: padded * padded * padded,
	}, nil
}

// MustEnv как NewEnv, но паникует при ошибке
func MustEnv(pow int) Env {
	env, err := NewEnv(pow)
	if err != nil {
		panic(err)
	}
	return env
}

// Index переводит локальные координаты из [-1,E] в индекс плотного массива.
// Порядок: x меняется быстрее всего, затем z, затем y.
func (e Env) Index(x, y, z int) int {
	return (x + 1) + e.Padded*((z+1)+(y+1)*e.Padded)
}

// Coords обратная к Index
func (e Env) Coords(index int) (x, y, z int) {
	x = index%e.Padded - 1
	index /= e.Padded
	z = index%e.Padded - 1
	y = index/e.Padded - 1
	return x, y, z
}

// InBounds проверяет, что координаты лежат в объёме с отступом
func (e Env) InBounds(x, y, z int) bool {
	return x >= -1 && x <= e.Size && y >= -1 && y <= e.Size && z >= -1 && z <= e.Size
}

// IsLogical проверяет, что координаты лежат в логическом объёме
func (e Env) IsLogical(x, y, z int) bool {
	return x >= 0 && x < e.Size && y >= 0 && y < e.Size && z >= 0 && z < e.Size
}

// IsPadding проверяет, что координаты относятся к отступу
func (e Env) IsPadding(x, y, z int) bool {
	return e.InBounds(x, y, z) && !e.IsLogical(x, y, z)
}

// DenseBytes размер логического объёма в байтах при 4 байтах на ячейку
func (e Env) DenseBytes() int {
	return e.Volume * 4
}
