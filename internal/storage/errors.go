package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound сохранения для чанка нет
var ErrNotFound = errors.New("сохранение чанка не найдено")

// ErrClosed хранилище закрыто
var ErrClosed = errors.New("хранилище закрыто")

// Ошибки формата сохранения. Все они восстановимые: чанк считается несохранённым.
var (
	ErrVersionMismatch = errors.New("несовпадение версии формата")
	ErrBadMode         = errors.New("неизвестный режим сохранения")
	ErrCellCount       = errors.New("число ячеек не совпадает с объёмом чанка")
	ErrNonEmptyRange   = errors.New("некорректное число непустых ячеек")
	ErrTruncated       = errors.New("запись обрезана")
	ErrSizeMismatch    = errors.New("размер распакованных данных не совпадает")
	ErrBadPosition     = errors.New("позиция вне чанка")
	ErrCorrupt         = errors.New("повреждённые сжатые данные")
)

// FormatError ошибка разбора записи сохранения
type FormatError struct {
	Err    error
	Detail string
}

func (e *FormatError) Error() string {
	if e.Detail == "" {
		return "формат сохранения: " + e.Err.Error()
	}
	return fmt.Sprintf("формат сохранения: %v (%s)", e.Err, e.Detail)
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErr(err error, format string, args ...interface{}) error {
	return &FormatError{Err: err, Detail: fmt.Sprintf(format, args...)}
}

// IsRecoverable сообщает, что при загрузке чанк можно считать несохранённым и сгенерировать заново
func IsRecoverable(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe) || errors.Is(err, ErrNotFound)
}
