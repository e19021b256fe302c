package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/annel0/voxel-core/internal/logging"
	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/annel0/voxel-core/internal/world/volume"
	"github.com/klauspost/compress/zstd"
)

// Идентификаторы сообщений
const (
	MsgTransmitChunkData byte = 0x10 // Часть данных чанка
	MsgChunkRequest      byte = 0x11 // Запрос чанка
	MsgChunkMissing      byte = 0x12 // Чанк не загружен
)

// Размеры полей сообщения
const (
	prefixSize     = 1 + 4                   // id, size
	headerSize     = vec.Vec3Size + 4 + 4    // pos, offset, total
	MinMessage     = prefixSize + headerSize // сообщение без данных
	DefaultMaxData = 16 * 1024               // данных в одном сообщении по умолчанию
)

// Ошибки приёма
var (
	ErrBadMessage = errors.New("некорректное сообщение чанка")
	ErrOutOfOrder = errors.New("часть чанка пришла не по порядку")
)

// ChunkTransmitter режет сырые данные хранилища на сообщения для передачи по сети.
// Это не формат сохранения: передаются рантайм-значения всего логического объёма, сжатые zstd.
type ChunkTransmitter struct {
	maxData int
	encoder *zstd.Encoder
}

// NewChunkTransmitter создаёт передатчик; maxData — предел данных в сообщении (0 — по умолчанию)
func NewChunkTransmitter(maxData int) (*ChunkTransmitter, error) {
	if maxData <= 0 {
		maxData = DefaultMaxData
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("не удалось создать zstd encoder: %w", err)
	}
	return &ChunkTransmitter{maxData: maxData, encoder: encoder}, nil
}

// Close освобождает кодировщик
func (t *ChunkTransmitter) Close() { t.encoder.Close() }

// Split кодирует хранилище чанка pos и режет его на сообщения
// [id][size][pos][offset][total][data], size — число байт после поля size.
func (t *ChunkTransmitter) Split(pos vec.Vec3, blocks *volume.Blocks) ([][]byte, error) {
	return t.SplitRaw(pos, blocks.ToBytes())
}

// SplitRaw то же для уже снятых ToBytes-данных
func (t *ChunkTransmitter) SplitRaw(pos vec.Vec3, raw []byte) ([][]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: пустой чанк %v", ErrBadMessage, pos)
	}
	payload := t.encoder.EncodeAll(raw, nil)
	total := len(payload)

	messages := make([][]byte, 0, total/t.maxData+1)
	for offset := 0; offset < total; offset += t.maxData {
		end := offset + t.maxData
		if end > total {
			end = total
		}
		part := payload[offset:end]

		msg := make([]byte, 0, MinMessage+len(part))
		msg = append(msg, MsgTransmitChunkData)
		msg = binary.LittleEndian.AppendUint32(msg, uint32(headerSize+len(part)))
		msg = pos.AppendBytes(msg)
		msg = binary.LittleEndian.AppendUint32(msg, uint32(offset))
		msg = binary.LittleEndian.AppendUint32(msg, uint32(total))
		msg = append(msg, part...)
		messages = append(messages, msg)
	}
	return messages, nil
}

// ReadMessage читает одно сообщение из потока
func ReadMessage(r io.Reader, maxData int) ([]byte, error) {
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := int(binary.LittleEndian.Uint32(prefix[1:]))
	minSize := headerSize
	if prefix[0] != MsgTransmitChunkData {
		minSize = vec.Vec3Size
	}
	if size < minSize || size > headerSize+maxData {
		return nil, fmt.Errorf("%w: размер %d", ErrBadMessage, size)
	}
	msg := make([]byte, prefixSize+size)
	copy(msg, prefix[:])
	if _, err := io.ReadFull(r, msg[prefixSize:]); err != nil {
		return nil, err
	}
	return msg, nil
}

// posMessage сообщение id с одной позицией: запрос или отказ
func posMessage(id byte, pos vec.Vec3) []byte {
	msg := make([]byte, 0, prefixSize+vec.Vec3Size)
	msg = append(msg, id)
	msg = binary.LittleEndian.AppendUint32(msg, vec.Vec3Size)
	return pos.AppendBytes(msg)
}

// parsePosMessage разбирает сообщение, созданное posMessage
func parsePosMessage(msg []byte) (vec.Vec3, error) {
	if len(msg) != prefixSize+vec.Vec3Size {
		return vec.Vec3{}, fmt.Errorf("%w: длина %d", ErrBadMessage, len(msg))
	}
	return vec.FromBytes(msg[prefixSize:])
}

// assembly собираемый чанк
type assembly struct {
	total int
	buf   []byte
}

// ChunkReceiver собирает чанки из сообщений. Безопасен для нескольких горутин.
type ChunkReceiver struct {
	env volume.Env

	mu       sync.Mutex
	partial  map[vec.Vec3]*assembly
	decoder  *zstd.Decoder
	maxTotal int

	logger *logging.Logger
}

// NewChunkReceiver создаёт приёмник для чанков геометрии env
func NewChunkReceiver(env volume.Env) (*ChunkReceiver, error) {
	maxMemory := uint64(env.DenseBytes()) * 2
	if maxMemory < 1<<20 {
		maxMemory = 1 << 20
	}
	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxMemory),
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать zstd decoder: %w", err)
	}
	return &ChunkReceiver{
		env:     env,
		partial: make(map[vec.Vec3]*assembly),
		decoder: decoder,
		// Сжатые данные не бывают заметно больше исходных
		maxTotal: env.DenseBytes() + env.DenseBytes()/8 + 1024,
		logger:   logging.GetComponentLogger("chunk-transfer"),
	}, nil
}

// Close освобождает декодер
func (r *ChunkReceiver) Close() { r.decoder.Close() }

// Pending число чанков, собранных не полностью
func (r *ChunkReceiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partial)
}

// Accept принимает сообщение. Когда чанк собран целиком, возвращает его позицию
// и сырые данные логического объёма (complete == true).
// При ошибке незавершённая сборка этого чанка отбрасывается.
func (r *ChunkReceiver) Accept(msg []byte) (pos vec.Vec3, raw []byte, complete bool, err error) {
	if len(msg) < MinMessage || msg[0] != MsgTransmitChunkData {
		return pos, nil, false, fmt.Errorf("%w: длина %d", ErrBadMessage, len(msg))
	}
	size := int(binary.LittleEndian.Uint32(msg[1:5]))
	if size != len(msg)-prefixSize {
		return pos, nil, false, fmt.Errorf("%w: заявлено %d байт, получено %d", ErrBadMessage, size, len(msg)-prefixSize)
	}
	body := msg[prefixSize:]
	pos, _ = vec.FromBytes(body)
	offset := int(binary.LittleEndian.Uint32(body[vec.Vec3Size:]))
	total := int(binary.LittleEndian.Uint32(body[vec.Vec3Size+4:]))
	data := body[headerSize:]

	r.mu.Lock()
	defer r.mu.Unlock()

	fail := func(err error) (vec.Vec3, []byte, bool, error) {
		delete(r.partial, pos)
		return pos, nil, false, err
	}

	if total <= 0 || total > r.maxTotal || offset+len(data) > total {
		return fail(fmt.Errorf("%w: смещение %d, данных %d, всего %d", ErrBadMessage, offset, len(data), total))
	}

	a, ok := r.partial[pos]
	if !ok {
		if offset != 0 {
			return fail(fmt.Errorf("%w: первая часть со смещением %d", ErrOutOfOrder, offset))
		}
		a = &assembly{total: total, buf: make([]byte, 0, total)}
		r.partial[pos] = a
	}
	if a.total != total || offset != len(a.buf) {
		return fail(fmt.Errorf("%w: ожидалось смещение %d из %d", ErrOutOfOrder, len(a.buf), a.total))
	}
	a.buf = append(a.buf, data...)
	if len(a.buf) < a.total {
		return pos, nil, false, nil
	}

	delete(r.partial, pos)
	raw, err = r.decoder.DecodeAll(a.buf, make([]byte, 0, r.env.DenseBytes()))
	if err != nil {
		return pos, nil, false, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if len(raw) != r.env.DenseBytes() {
		return pos, nil, false, fmt.Errorf("%w: %d байт вместо %d", ErrBadMessage, len(raw), r.env.DenseBytes())
	}
	r.logger.Debug("Чанк %v принят: %d байт сжатых данных", pos, a.total)
	return pos, raw, true, nil
}

// ApplyChunk заполняет хранилище сырыми данными, минуя кодек сохранения.
// Данные с незарегистрированными типами отклоняются целиком, хранилище не меняется.
func ApplyChunk(blocks *volume.Blocks, provider *block.Provider, raw []byte) error {
	if len(raw)%block.DataSize == 0 {
		for off := 0; off < len(raw); off += block.DataSize {
			if err := provider.Check(block.ReadBlockData(raw[off:])); err != nil {
				return fmt.Errorf("%w: ячейка %d: %w", ErrBadMessage, off/block.DataSize, err)
			}
		}
	}
	if err := blocks.FromBytes(raw); err != nil {
		return fmt.Errorf("не удалось применить данные чанка: %w", err)
	}
	return nil
}
