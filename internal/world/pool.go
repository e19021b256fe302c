package world

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/annel0/voxel-core/internal/logging"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed пул уже остановлен
var ErrPoolClosed = errors.New("пул остановлен")

// Task задача пула. ctx отменяется при аварийной остановке пула.
type Task func(ctx context.Context)

// PoolStats снимок счётчиков пула
type PoolStats struct {
	Name    string `json:"name"`
	Workers int    `json:"workers"`
	Queued  int64  `json:"queued"`
	Busy    int64  `json:"busy"`
	Done    uint64 `json:"done"`
	Panics  uint64 `json:"panics"`
}

// WorkPool пул рабочих горутин с неограниченной FIFO-очередью.
// Пулы создаются и закрываются владельцем, менеджер чанков их только использует.
type WorkPool struct {
	name    string
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	closed bool

	group  *errgroup.Group
	cancel context.CancelFunc

	queued atomic.Int64
	busy   atomic.Int64
	done   atomic.Uint64
	panics atomic.Uint64

	logger *logging.Logger
}

// NewWorkPool запускает пул из workers горутин (минимум одна)
func NewWorkPool(name string, workers int) *WorkPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	p := &WorkPool{
		name:    name,
		workers: workers,
		group:   group,
		cancel:  cancel,
		logger:  logging.GetComponentLogger("pool-" + name),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < workers; i++ {
		p.group.Go(func() error {
			p.worker(gctx)
			return nil
		})
	}
	p.logger.Debug("Пул %s запущен: %d рабочих", name, workers)
	return p
}

// Name имя пула
func (p *WorkPool) Name() string { return p.name }

// Submit ставит задачу в очередь. Возвращает false, если пул закрыт.
func (p *WorkPool) Submit(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	p.queue = append(p.queue, task)
	p.queued.Inc()
	p.cond.Signal()
	return true
}

func (p *WorkPool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.queued.Dec()
	return task, true
}

func (p *WorkPool) worker(ctx context.Context) {
	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.run(ctx, task)
	}
}

func (p *WorkPool) run(ctx context.Context, task Task) {
	p.busy.Inc()
	defer func() {
		p.busy.Dec()
		p.done.Inc()
		if r := recover(); r != nil {
			p.panics.Inc()
			p.logger.Error("Паника в задаче пула %s: %v\n%s", p.name, r, debug.Stack())
		}
	}()
	task(ctx)
}

// Close перестаёт принимать задачи, дожидается выполнения очереди и останавливает рабочих
func (p *WorkPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	err := p.group.Wait()
	p.cancel()
	if err != nil {
		return fmt.Errorf("не удалось остановить пул %s: %w", p.name, err)
	}
	p.logger.Debug("Пул %s остановлен, выполнено задач: %d", p.name, p.done.Load())
	return nil
}

// Stats возвращает текущие счётчики пула
func (p *WorkPool) Stats() PoolStats {
	return PoolStats{
		Name:    p.name,
		Workers: p.workers,
		Queued:  p.queued.Load(),
		Busy:    p.busy.Load(),
		Done:    p.done.Load(),
		Panics:  p.panics.Load(),
	}
}
