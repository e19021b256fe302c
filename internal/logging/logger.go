package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel определяет уровни логирования
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String возвращает строковое представление уровня логирования
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel разбирает уровень из конфигурации ("debug", "info", ...). Неизвестное значение — INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Config настройки корневого логгера
type Config struct {
	Level  string // debug | info | warn | error
	Format string // console | json
}

// Logger логгер компонента. Поверх zap, но с printf-подобным API.
type Logger struct {
	component string
	level     zap.AtomicLevel
	base      *zap.Logger
	sugar     *zap.SugaredLogger
}

var (
	rootMu    sync.RWMutex
	rootZap   = zap.NewNop()
	rootLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	defaultLogger = &Logger{component: "default", level: rootLevel, base: rootZap, sugar: rootZap.Sugar()}
)

// InitDefaultLogger создаёт корневой zap-логгер и логгер по умолчанию для компонента.
// До вызова все логгеры молчат (zap.NewNop) — это удобно в тестах.
func InitDefaultLogger(component string, cfg Config) error {
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level).zapLevel())

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = level

	base, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("ошибка инициализации zap: %w", err)
	}

	rootMu.Lock()
	rootZap = base
	rootLevel = level
	defaultLogger = newLogger(component, base, level)
	rootMu.Unlock()

	// Логгеры компонентов, созданные до инициализации, пересоздаются
	GetLoggerManager().reset()
	return nil
}

// CloseDefaultLogger сбрасывает буферы корневого логгера
func CloseDefaultLogger() {
	rootMu.RLock()
	base := rootZap
	rootMu.RUnlock()
	_ = base.Sync()
}

// NewLogger создаёт логгер компонента поверх корневого zap-логгера
func NewLogger(component string) (*Logger, error) {
	if component == "" {
		return nil, fmt.Errorf("пустое имя компонента")
	}
	rootMu.RLock()
	defer rootMu.RUnlock()
	return newLogger(component, rootZap.Named(component), rootLevel), nil
}

func newLogger(component string, base *zap.Logger, level zap.AtomicLevel) *Logger {
	return &Logger{
		component: component,
		level:     level,
		base:      base,
		sugar:     base.Sugar(),
	}
}

// Component возвращает имя компонента
func (l *Logger) Component() string { return l.component }

// Zap возвращает нижележащий zap.Logger для структурного логирования
func (l *Logger) Zap() *zap.Logger { return l.base }

// With возвращает дочерний логгер с постоянными полями
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	child := l.sugar.With(keysAndValues...)
	return &Logger{component: l.component, level: l.level, base: child.Desugar(), sugar: child}
}

// Debug логирует сообщение уровня DEBUG
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info логирует сообщение уровня INFO
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn логирует сообщение уровня WARN
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error логирует сообщение уровня ERROR
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Close сбрасывает буферы логгера
func (l *Logger) Close() error {
	// Sync на stdout/stderr возвращает EINVAL на части платформ — не считаем это ошибкой
	_ = l.base.Sync()
	return nil
}

func current() *Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return defaultLogger
}

// Debug логирует сообщение уровня DEBUG в логгер по умолчанию
func Debug(format string, args ...interface{}) { current().Debug(format, args...) }

// Info логирует сообщение уровня INFO в логгер по умолчанию
func Info(format string, args ...interface{}) { current().Info(format, args...) }

// Warn логирует сообщение уровня WARN в логгер по умолчанию
func Warn(format string, args ...interface{}) { current().Warn(format, args...) }

// Error логирует сообщение уровня ERROR в логгер по умолчанию
func Error(format string, args ...interface{}) { current().Error(format, args...) }
