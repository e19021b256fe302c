package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/world"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// ChunkEventVersion версия схемы ChunkPayload
const ChunkEventVersion = 1

// publishTimeout сколько такт ждёт место в буфере для важных событий
const publishTimeout = 5 * time.Millisecond

// ChunkPayload полезная нагрузка событий чанков
type ChunkPayload struct {
	World string `json:"world"`
	X     int32  `json:"x"`
	Y     int32  `json:"y"`
	Z     int32  `json:"z"`
	Tick  uint64 `json:"tick"`
	Error string `json:"error,omitempty"`
}

// ChunkPublisher переводит события менеджера чанков в Envelope и публикует в шину.
// Реализует world.EventSink.
type ChunkPublisher struct {
	bus    EventBus
	source string
	world  string
	failed atomic.Uint64
	logger *logging.Logger
}

// NewChunkPublisher создаёт публикатор событий мира worldName
func NewChunkPublisher(bus EventBus, worldName string) *ChunkPublisher {
	return &ChunkPublisher{
		bus:    bus,
		source: "voxel-core",
		world:  worldName,
		logger: logging.GetComponentLogger("eventbus"),
	}
}

func chunkPriority(t world.ChunkEventType) int {
	switch t {
	case world.ChunkSaveFailed:
		return 8
	case world.ChunkDecodeFailed:
		return 6
	case world.ChunkSaved, world.ChunkRemoved:
		return 3
	default:
		return 1
	}
}

// ChunkEvent публикует событие; вызывается в такте менеджера
func (p *ChunkPublisher) ChunkEvent(ev world.ChunkEvent) {
	payload, err := json.Marshal(ChunkPayload{
		World: p.world,
		X:     ev.Pos.X,
		Y:     ev.Pos.Y,
		Z:     ev.Pos.Z,
		Tick:  ev.Tick,
		Error: ev.Error,
	})
	if err != nil {
		p.failed.Inc()
		return
	}

	env := &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    p.source,
		EventType: ev.Type.String(),
		Version:   ChunkEventVersion,
		Priority:  chunkPriority(ev.Type),
		Payload:   payload,
		Metadata:  map[string]string{"world": p.world},
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.bus.Publish(ctx, env); err != nil {
		p.failed.Inc()
		p.logger.Warn("Событие %s для чанка %v не опубликовано: %v", env.EventType, ev.Pos, err)
	}
}

// Failed число событий, которые не удалось опубликовать
func (p *ChunkPublisher) Failed() uint64 { return p.failed.Load() }

// DecodeChunkPayload разбирает полезную нагрузку события чанка
func DecodeChunkPayload(ev *Envelope) (ChunkPayload, error) {
	var p ChunkPayload
	err := json.Unmarshal(ev.Payload, &p)
	return p, err
}

// Forward пересылает события из локальной шины во внешнюю (например, JetStream).
// Ошибки пересылки логируются и не останавливают подписку.
func Forward(ctx context.Context, from, to EventBus, f Filter) (Subscription, error) {
	logger := logging.GetComponentLogger("eventbus")
	sub, err := from.Subscribe(ctx, f, func(ctx context.Context, ev *Envelope) {
		if err := to.Publish(ctx, ev); err != nil {
			logger.Warn("Событие %s %s не переслано: %v", ev.EventType, ev.ID, err)
		}
	})
	if err != nil {
		return nil, err
	}
	logger.Info("📨 Пересылка событий во внешнюю шину включена")
	return sub, nil
}
