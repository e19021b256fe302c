package world

import (
	"context"

	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world/volume"
)

// Generator процедурно заполняет хранилище чанка.
// Generate вызывается в рабочем потоке и владеет хранилищем до возврата.
type Generator interface {
	Generate(ctx context.Context, pos vec.Vec3, blocks *volume.Blocks) error
	// Height высота рельефа колонки без полной генерации
	Height(col vec.Vec2) int
}

// GeometryBuilder строит отображаемую геометрию по плотному хранилищу с актуальным отступом.
// Хранилище менять нельзя.
type GeometryBuilder interface {
	BuildVertices(ctx context.Context, pos vec.Vec3, blocks *volume.Blocks) error
}

// ColliderBuilder строит геометрию столкновений. Хранилище менять нельзя.
type ColliderBuilder interface {
	BuildCollider(ctx context.Context, pos vec.Vec3, blocks *volume.Blocks) error
}

// GeometryFunc адаптер функции к GeometryBuilder
type GeometryFunc func(ctx context.Context, pos vec.Vec3, blocks *volume.Blocks) error

// BuildVertices вызывает f
func (f GeometryFunc) BuildVertices(ctx context.Context, pos vec.Vec3, blocks *volume.Blocks) error {
	return f(ctx, pos, blocks)
}

// ColliderFunc адаптер функции к ColliderBuilder
type ColliderFunc func(ctx context.Context, pos vec.Vec3, blocks *volume.Blocks) error

// BuildCollider вызывает f
func (f ColliderFunc) BuildCollider(ctx context.Context, pos vec.Vec3, blocks *volume.Blocks) error {
	return f(ctx, pos, blocks)
}
