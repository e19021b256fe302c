package eventbus

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector собирает события подписки
type collector struct {
	mu     sync.Mutex
	events []*Envelope
}

func (c *collector) handle(_ context.Context, ev *Envelope) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMemoryBusFilterAndOrder(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()

	var all, saved collector
	_, err := bus.Subscribe(context.Background(), Filter{}, all.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(context.Background(), Filter{Types: []string{"ChunkSaved"}}, saved.handle)
	require.NoError(t, err)

	ctx := context.Background()
	for _, typ := range []string{"ChunkLoaded", "ChunkSaved", "ChunkRemoved"} {
		require.NoError(t, bus.Publish(ctx, &Envelope{EventType: typ, Source: "test"}))
	}

	require.Eventually(t, func() bool { return all.len() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"ChunkLoaded", "ChunkSaved", "ChunkRemoved"}, all.types())
	require.Eventually(t, func() bool { return saved.len() == 1 }, time.Second, time.Millisecond)

	stats := bus.Metrics()
	assert.Equal(t, uint64(3), stats.Published)
	assert.Equal(t, uint64(4), stats.Consumed)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	var c collector
	sub, err := bus.Subscribe(context.Background(), Filter{}, c.handle)
	require.NoError(t, err)
	sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: "ChunkSaved"}))
	require.Eventually(t, func() bool { return bus.Metrics().InFlight == 0 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, c.len())
}

func TestMemoryBusBackpressure(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	// Подписчик держит рассылку, буфер переполняется
	gate := make(chan struct{})
	_, err := bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) { <-gate })
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, &Envelope{EventType: "first"}))
	require.Eventually(t, func() bool { return bus.Metrics().InFlight == 0 }, time.Second, time.Millisecond)
	require.NoError(t, bus.Publish(ctx, &Envelope{EventType: "queued"}))

	// Низкий приоритет отбрасывается без ошибки
	require.NoError(t, bus.Publish(ctx, &Envelope{EventType: "low", Priority: 1}))
	assert.Equal(t, uint64(1), bus.Metrics().Dropped)

	// Высокий ждёт до отмены контекста
	tctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err = bus.Publish(tctx, &Envelope{EventType: "high", Priority: 9})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(2), bus.Metrics().Dropped)

	close(gate)
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryBus(4)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), &Envelope{}), ErrBusClosed)
}

func TestChunkPublisher(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()

	var c collector
	_, err := bus.Subscribe(context.Background(), Filter{}, c.handle)
	require.NoError(t, err)

	var sink world.EventSink = NewChunkPublisher(bus, "overworld")
	sink.ChunkEvent(world.ChunkEvent{Type: world.ChunkSaved, Pos: vec.NewVec3(16, -16, 0), Tick: 42})
	sink.ChunkEvent(world.ChunkEvent{Type: world.ChunkSaveFailed, Pos: vec.NewVec3(0, 0, 0), Error: "диск заполнен"})

	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, time.Millisecond)

	ev := c.events[0]
	assert.Equal(t, "ChunkSaved", ev.EventType)
	assert.Equal(t, "voxel-core", ev.Source)
	assert.Equal(t, ChunkEventVersion, ev.Version)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "overworld", ev.Metadata["world"])

	p, err := DecodeChunkPayload(ev)
	require.NoError(t, err)
	assert.Equal(t, ChunkPayload{World: "overworld", X: 16, Y: -16, Z: 0, Tick: 42}, p)

	failed := c.events[1]
	assert.Greater(t, failed.Priority, ev.Priority)
	p, err = DecodeChunkPayload(failed)
	require.NoError(t, err)
	assert.Equal(t, "диск заполнен", p.Error)
}

func TestForward(t *testing.T) {
	local := NewMemoryBus(8)
	defer local.Close()
	remote := NewMemoryBus(8)
	defer remote.Close()

	var c collector
	_, err := remote.Subscribe(context.Background(), Filter{}, c.handle)
	require.NoError(t, err)
	_, err = Forward(context.Background(), local, remote, Filter{Types: []string{"ChunkSaved"}})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, local.Publish(ctx, &Envelope{EventType: "ChunkLoaded"}))
	require.NoError(t, local.Publish(ctx, &Envelope{EventType: "ChunkSaved"}))

	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"ChunkSaved"}, c.types())
}

func TestMetricsExporter(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()
	reg := prometheus.NewRegistry()
	me := NewMetricsExporter(bus, reg)

	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: "a"}))
	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: "b"}))
	me.Collect()
	me.Collect()

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()] = metricValue(m)
		}
	}
	assert.Equal(t, 2.0, values["voxel_eventbus_messages_published_total"], "дельта не задваивается")
	assert.Contains(t, values, "voxel_eventbus_messages_inflight")
}

func metricValue(m *dto.Metric) float64 {
	if c := m.GetCounter(); c != nil {
		return c.GetValue()
	}
	return m.GetGauge().GetValue()
}

// TestJetStreamBus требует NATS с JetStream: VOXEL_TEST_NATS=nats://localhost:4222
func TestJetStreamBus(t *testing.T) {
	url := os.Getenv("VOXEL_TEST_NATS")
	if url == "" {
		t.Skip("VOXEL_TEST_NATS не задан")
	}
	js, err := NewJetStreamBus(JetStreamConfig{
		URL:       url,
		Stream:    "VOXEL_TEST",
		Subject:   "voxel.test",
		Retention: time.Minute,
	})
	require.NoError(t, err)
	defer js.Close()

	var c collector
	sub, err := js.Subscribe(context.Background(), Filter{Types: []string{"ChunkSaved"}}, c.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, js.Publish(context.Background(), &Envelope{ID: "1", EventType: "ChunkSaved"}))
	require.Eventually(t, func() bool { return c.len() >= 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), js.Metrics().Published)
}
