package vec

// Vec2 представляет колонку мира (x,z) — используется для запросов высоты рельефа
type Vec2 struct {
	X, Z int
}
