package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/annel0/voxel-core/internal/world/volume"
	"github.com/klauspost/compress/zstd"
)

// SaveVersion текущая версия формата сохранения
const SaveVersion int16 = 1

// Режимы записи
const (
	ModeFull         byte = 0
	ModeDifferential byte = 1
)

// zstdWindow окно кодировщика; ограничение памяти декодера не может быть меньше окна
const zstdWindow = 1 << 20

// HeaderSize размер общего заголовка: версия, режим, число ячеек, число непустых
const HeaderSize = 2 + 1 + 4 + 4

// Options настройки кодека
type Options struct {
	Differential     bool // Писать только изменённые ячейки
	ForceSaveHeaders bool // В дифференциальном режиме писать заголовок даже без правок
	CompressionLevel int  // 1..4, см. zstd.EncoderLevel; 0 — по умолчанию
}

// Edits набор правок: позиция -> значение, порядок — первое появление позиции
type Edits struct {
	Positions []vec.Vec3
	Values    []block.BlockData
}

// Len число правок
func (e *Edits) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Positions)
}

// Header заголовок записи
type Header struct {
	Version      int16
	Differential bool
	CellCount    int
	NonEmpty     int
}

// Record разобранная запись сохранения. Значения уже в рантайм-типах.
type Record struct {
	Header
	Edits *Edits            // дифференциальная запись
	Cells []block.BlockData // полная запись, E^3 значений в порядке y, z, x
}

// Complete сообщает, что запись описывает весь объём и генерация не нужна
func (r *Record) Complete() bool {
	return r != nil && !r.Differential
}

// Codec кодирует и разбирает записи сохранения чанков.
// Безопасен для одновременного использования из нескольких рабочих потоков.
type Codec struct {
	env      volume.Env
	provider *block.Provider
	opts     Options

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec создаёт кодек для чанков заданной геометрии
func NewCodec(env volume.Env, provider *block.Provider, opts Options) (*Codec, error) {
	level := zstd.SpeedDefault
	if opts.CompressionLevel > 0 {
		level = zstd.EncoderLevelFromZstd(opts.CompressionLevel)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithWindowSize(zstdWindow))
	if err != nil {
		return nil, fmt.Errorf("не удалось создать zstd encoder: %w", err)
	}

	maxMemory := uint64(env.DenseBytes())
	if maxMemory < zstdWindow {
		maxMemory = zstdWindow
	}
	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(maxMemory),
		zstd.WithDecoderConcurrency(0),
	)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("не удалось создать zstd decoder: %w", err)
	}

	return &Codec{
		env:      env,
		provider: provider,
		opts:     opts,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// Close освобождает ресурсы zstd
func (c *Codec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

// Options возвращает настройки кодека
func (c *Codec) Options() Options { return c.opts }

// Provider возвращает реестр блоков кодека
func (c *Codec) Provider() *block.Provider { return c.provider }

// Env возвращает геометрию чанков кодека
func (c *Codec) Env() volume.Env { return c.env }

// ConsumeEdits снимает список изменённых позиций хранилища в набор правок
// (последняя запись побеждает) и очищает список. В дифференциальном режиме без правок
// и без принудительных заголовков возвращает (nil, false): сохранять нечего.
// В полном режиме правки не нужны, возвращается (nil, true).
func (c *Codec) ConsumeEdits(b *volume.Blocks) (*Edits, bool) {
	positions := b.TakeModified()
	if !c.opts.Differential {
		return nil, true
	}
	if len(positions) == 0 {
		return nil, c.opts.ForceSaveHeaders
	}

	// Список изменений уже без повторов, значение берётся текущее
	edits := &Edits{
		Positions: positions,
		Values:    make([]block.BlockData, len(positions)),
	}
	for i, pos := range positions {
		edits.Values[i] = b.GetPos(pos)
	}
	return edits, true
}

// MergeEdits объединяет правки из прежнего дифференциального сохранения с новыми.
// Новые значения побеждают, порядок позиций — как в прежней записи, затем новые.
func MergeEdits(existing *Record, edits *Edits) *Edits {
	if existing == nil || existing.Edits.Len() == 0 {
		return edits
	}
	if edits.Len() == 0 {
		return existing.Edits
	}

	merged := &Edits{
		Positions: make([]vec.Vec3, 0, existing.Edits.Len()+edits.Len()),
		Values:    make([]block.BlockData, 0, existing.Edits.Len()+edits.Len()),
	}
	slot := make(map[vec.Vec3]int, existing.Edits.Len()+edits.Len())
	add := func(src *Edits) {
		for i, pos := range src.Positions {
			if j, ok := slot[pos]; ok {
				merged.Values[j] = src.Values[i]
				continue
			}
			slot[pos] = len(merged.Positions)
			merged.Positions = append(merged.Positions, pos)
			merged.Values = append(merged.Values, src.Values[i])
		}
	}
	add(existing.Edits)
	add(edits)
	return merged
}

// Encode кодирует хранилище в режиме кодека: полный снимок или набор правок
func (c *Codec) Encode(b *volume.Blocks, edits *Edits) ([]byte, error) {
	if c.opts.Differential {
		return c.EncodeDifferential(b.NonEmpty(), edits)
	}
	return c.EncodeFull(b)
}

func (c *Codec) appendHeader(dst []byte, mode byte, nonEmpty int) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(SaveVersion))
	dst = append(dst, mode)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(c.env.Volume)))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(nonEmpty)))
	return dst
}

// EncodeFull кодирует весь логический объём: дисковые типы, сжатие zstd
func (c *Codec) EncodeFull(b *volume.Blocks) ([]byte, error) {
	if b.Env() != c.env {
		return nil, fmt.Errorf("размер хранилища %d не совпадает с кодеком %d", b.Env().Size, c.env.Size)
	}

	// Счётчик берётся по записанным значениям: незарегистрированный тип уходит на диск воздухом
	raw := make([]byte, 0, c.env.DenseBytes())
	nonEmpty := 0
	b.Range(func(_, _, _ int, v block.BlockData) bool {
		onDisk := c.provider.DataToDisk(v)
		if !onDisk.IsAir() {
			nonEmpty++
		}
		raw = block.AppendBlockData(raw, onDisk)
		return true
	})

	out := c.appendHeader(make([]byte, 0, HeaderSize+4+len(raw)/4), ModeFull, nonEmpty)
	lenAt := len(out)
	out = append(out, 0, 0, 0, 0)
	out = c.encoder.EncodeAll(raw, out)
	binary.LittleEndian.PutUint32(out[lenAt:], uint32(len(out)-lenAt-4))
	return out, nil
}

// EncodeDifferential кодирует набор правок без сжатия. Пустой набор — только заголовок.
func (c *Codec) EncodeDifferential(nonEmpty int, edits *Edits) ([]byte, error) {
	n := edits.Len()
	out := c.appendHeader(make([]byte, 0, HeaderSize+4+n*(vec.Vec3Size+block.DataSize)), ModeDifferential, nonEmpty)
	out = binary.LittleEndian.AppendUint32(out, uint32(n))
	if n == 0 {
		return out, nil
	}
	if len(edits.Values) != n {
		return nil, fmt.Errorf("позиций %d, значений %d", n, len(edits.Values))
	}
	for _, pos := range edits.Positions {
		if !c.env.IsLogical(int(pos.X), int(pos.Y), int(pos.Z)) {
			return nil, fmt.Errorf("позиция %v вне чанка", pos)
		}
		out = pos.AppendBytes(out)
	}
	for _, v := range edits.Values {
		out = block.AppendBlockData(out, c.provider.DataToDisk(v))
	}
	return out, nil
}

// DecodeHeader читает и проверяет заголовок записи
func (c *Codec) DecodeHeader(data []byte) (Header, error) {
	return decodeHeader(data, c.env.Volume)
}

func decodeHeader(data []byte, volumeCells int) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, formatErr(ErrTruncated, "заголовок: %d байт", len(data))
	}

	h := Header{Version: int16(binary.LittleEndian.Uint16(data[0:2]))}
	if h.Version != SaveVersion {
		return h, formatErr(ErrVersionMismatch, "версия %d, ожидалась %d", h.Version, SaveVersion)
	}

	switch data[2] {
	case ModeFull:
	case ModeDifferential:
		h.Differential = true
	default:
		return h, formatErr(ErrBadMode, "режим %d", data[2])
	}

	h.CellCount = int(int32(binary.LittleEndian.Uint32(data[3:7])))
	if h.CellCount != volumeCells {
		return h, formatErr(ErrCellCount, "%d вместо %d", h.CellCount, volumeCells)
	}

	h.NonEmpty = int(int32(binary.LittleEndian.Uint32(data[7:11])))
	if h.NonEmpty < 0 || h.NonEmpty > h.CellCount {
		return h, formatErr(ErrNonEmptyRange, "%d при %d ячейках", h.NonEmpty, h.CellCount)
	}
	return h, nil
}

// Decode разбирает запись и переводит дисковые типы в рантайм-типы.
// Любая ошибка — *FormatError, чанк в этом случае считается несохранённым.
func (c *Codec) Decode(data []byte) (*Record, error) {
	h, err := c.DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	body := data[HeaderSize:]
	if len(body) < 4 {
		return nil, formatErr(ErrTruncated, "нет длины данных")
	}
	n := int(int32(binary.LittleEndian.Uint32(body)))
	body = body[4:]

	rec := &Record{Header: h}
	if h.Differential {
		rec.Edits, err = c.decodePairs(body, n)
	} else {
		rec.Cells, err = c.decodeCells(body, n, h.NonEmpty)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Codec) decodePairs(body []byte, n int) (*Edits, error) {
	if n < 0 || n > c.env.Volume {
		return nil, formatErr(ErrSizeMismatch, "число пар %d", n)
	}
	need := n * (vec.Vec3Size + block.DataSize)
	if len(body) < need {
		return nil, formatErr(ErrTruncated, "пар %d, байт %d из %d", n, len(body), need)
	}

	edits := &Edits{
		Positions: make([]vec.Vec3, n),
		Values:    make([]block.BlockData, n),
	}
	for i := 0; i < n; i++ {
		pos, _ := vec.FromBytes(body[i*vec.Vec3Size:])
		if !c.env.IsLogical(int(pos.X), int(pos.Y), int(pos.Z)) {
			return nil, formatErr(ErrBadPosition, "%v", pos)
		}
		edits.Positions[i] = pos
	}
	values := body[n*vec.Vec3Size:]
	for i := 0; i < n; i++ {
		edits.Values[i] = c.provider.DataFromDisk(block.ReadBlockData(values[i*block.DataSize:]))
	}
	return edits, nil
}

func (c *Codec) decodeCells(body []byte, n, nonEmpty int) ([]block.BlockData, error) {
	if n < 0 || len(body) < n {
		return nil, formatErr(ErrTruncated, "сжатых байт %d из %d", len(body), n)
	}

	raw, err := c.decoder.DecodeAll(body[:n], make([]byte, 0, c.env.DenseBytes()))
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, formatErr(ErrSizeMismatch, "больше %d байт", c.env.DenseBytes())
		}
		return nil, &FormatError{Err: ErrCorrupt, Detail: err.Error()}
	}
	if len(raw) != c.env.DenseBytes() {
		return nil, formatErr(ErrSizeMismatch, "%d байт вместо %d", len(raw), c.env.DenseBytes())
	}

	cells := make([]block.BlockData, c.env.Volume)
	count := 0
	for i := range cells {
		onDisk := block.ReadBlockData(raw[i*block.DataSize:])
		if !onDisk.IsAir() {
			count++
		}
		cells[i] = c.provider.DataFromDisk(onDisk)
	}
	if count != nonEmpty {
		return nil, formatErr(ErrNonEmptyRange, "заявлено %d, в данных %d", nonEmpty, count)
	}
	return cells, nil
}

// Commit применяет запись к хранилищу в обход учёта изменений.
// Счётчик непустых ячеек ведёт само хранилище: типы, исчезнувшие из конфигурации,
// читаются как воздух и в него не попадают.
// Дифференциальная запись перезаписывает только свои позиции,
// полная заполняет логический объём в том же порядке, в котором кодировалась.
func Commit(rec *Record, b *volume.Blocks) {
	env := b.Env()
	if rec.Differential {
		for i := 0; i < rec.Edits.Len(); i++ {
			pos := rec.Edits.Positions[i]
			b.SetRaw(env.Index(int(pos.X), int(pos.Y), int(pos.Z)), rec.Edits.Values[i])
		}
		return
	}

	i := 0
	for y := 0; y < env.Size; y++ {
		for z := 0; z < env.Size; z++ {
			for x := 0; x < env.Size; x++ {
				b.SetRaw(env.Index(x, y, z), rec.Cells[i])
				i++
			}
		}
	}
}
