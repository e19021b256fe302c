package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/vec"
	"go.uber.org/atomic"
)

// ErrChunkMissing сервер ответил, что чанк не загружен
var ErrChunkMissing = errors.New("чанк недоступен на сервере")

// Таймауты соединения
const (
	idleTimeout   = 2 * time.Minute
	sourceTimeout = 5 * time.Second
)

// ChunkSourceFunc возвращает ToBytes-данные готового чанка
type ChunkSourceFunc func(ctx context.Context, pos vec.Vec3) ([]byte, error)

// ChunkServer отдаёт чанки по TCP: на каждый MsgChunkRequest отвечает
// серией MsgTransmitChunkData или MsgChunkMissing
type ChunkServer struct {
	listener    net.Listener
	source      ChunkSourceFunc
	transmitter *ChunkTransmitter
	maxData     int

	mu          sync.Mutex
	connections map[uint64]net.Conn
	nextConnID  uint64
	wg          sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	served  atomic.Uint64
	missing atomic.Uint64
	logger  *logging.Logger
}

// NewChunkServer создаёт сервер на address; maxData — предел данных в сообщении
func NewChunkServer(address string, source ChunkSourceFunc, maxData int) (*ChunkServer, error) {
	if source == nil {
		return nil, errors.New("источник чанков не задан")
	}
	transmitter, err := NewChunkTransmitter(maxData)
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		transmitter.Close()
		return nil, fmt.Errorf("не удалось открыть порт %s: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ChunkServer{
		listener:    listener,
		source:      source,
		transmitter: transmitter,
		maxData:     transmitter.maxData,
		connections: make(map[uint64]net.Conn),
		nextConnID:  1,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logging.GetComponentLogger("chunk-server"),
	}, nil
}

// Addr адрес, на котором принимаются соединения
func (s *ChunkServer) Addr() net.Addr { return s.listener.Addr() }

// Served число отданных чанков
func (s *ChunkServer) Served() uint64 { return s.served.Load() }

// Start запускает приём соединений
func (s *ChunkServer) Start() {
	s.logger.Info("🌐 Сервер чанков слушает %s", s.listener.Addr())
	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop закрывает порт и все соединения, дожидаясь их обработчиков
func (s *ChunkServer) Stop() {
	s.cancel()
	s.listener.Close()

	s.mu.Lock()
	for _, conn := range s.connections {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.transmitter.Close()
	s.logger.Info("Сервер чанков остановлен: отдано %d, отказов %d", s.served.Load(), s.missing.Load())
}

// acceptLoop принимает новые соединения
func (s *ChunkServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("Ошибка принятия соединения: %v", err)
			continue
		}

		s.mu.Lock()
		id := s.nextConnID
		s.nextConnID++
		s.connections[id] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(id, conn)
	}
}

// handleConnection обслуживает запросы одного клиента до закрытия или простоя
func (s *ChunkServer) handleConnection(id uint64, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.connections, id)
		s.mu.Unlock()
	}()

	s.logger.Debug("Соединение %d от %s", id, conn.RemoteAddr())
	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msg, err := ReadMessage(conn, s.maxData)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Debug("Соединение %d закрыто: %v", id, err)
			}
			return
		}
		if msg[0] != MsgChunkRequest {
			s.logger.Warn("Соединение %d: неожиданное сообщение 0x%02x", id, msg[0])
			return
		}
		pos, err := parsePosMessage(msg)
		if err != nil {
			s.logger.Warn("Соединение %d: %v", id, err)
			return
		}
		if err := s.serve(conn, pos); err != nil {
			s.logger.Debug("Соединение %d: не удалось отправить чанк %v: %v", id, pos, err)
			return
		}
	}
}

func (s *ChunkServer) serve(conn net.Conn, pos vec.Vec3) error {
	ctx, cancel := context.WithTimeout(s.ctx, sourceTimeout)
	raw, err := s.source(ctx, pos)
	cancel()
	if err != nil {
		s.missing.Inc()
		_, werr := conn.Write(posMessage(MsgChunkMissing, pos))
		return werr
	}

	messages, err := s.transmitter.SplitRaw(pos, raw)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if _, err := conn.Write(msg); err != nil {
			return err
		}
	}
	s.served.Inc()
	return nil
}

// FetchChunk запрашивает чанк pos по соединению conn и собирает ответ через receiver
func FetchChunk(ctx context.Context, conn net.Conn, pos vec.Vec3, receiver *ChunkReceiver, maxData int) ([]byte, error) {
	if maxData <= 0 {
		maxData = DefaultMaxData
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	if _, err := conn.Write(posMessage(MsgChunkRequest, pos)); err != nil {
		return nil, fmt.Errorf("не удалось отправить запрос чанка: %w", err)
	}

	for {
		msg, err := ReadMessage(conn, maxData)
		if err != nil {
			return nil, fmt.Errorf("не удалось прочитать ответ: %w", err)
		}
		if msg[0] == MsgChunkMissing {
			got, err := parsePosMessage(msg)
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%v: %w", got, ErrChunkMissing)
		}
		got, raw, complete, err := receiver.Accept(msg)
		if err != nil {
			return nil, err
		}
		if complete && got == pos {
			return raw, nil
		}
	}
}
