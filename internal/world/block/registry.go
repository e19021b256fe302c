package block

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/annel0/voxel-core/internal/logging"
	"gopkg.in/yaml.v3"
)

// Ошибки регистрации блоков
var (
	ErrDuplicateName = errors.New("блок с таким именем уже зарегистрирован")
	ErrDuplicateType = errors.New("блок с таким типом на диске уже зарегистрирован")
	ErrReservedType  = errors.New("тип зарезервирован")
	ErrTooManyBlocks = errors.New("достигнуто максимальное число типов блоков")
	ErrUnknownType   = errors.New("неизвестный тип блока")
)

// Config описание типа блока. Type — идентификатор, под которым блок пишется на диск;
// рантайм-тип назначается провайдером в порядке регистрации.
type Config struct {
	Name  string `yaml:"name"`
	Type  uint16 `yaml:"type"`
	Solid bool   `yaml:"solid"`
}

// configFile формат YAML-файла с описаниями блоков
type configFile struct {
	Blocks []Config `yaml:"blocks"`
}

// Provider реестр типов блоков с отображением рантайм-типов на дисковые и обратно.
// Воздух всегда зарегистрирован под рантайм-типом 0 и дисковым типом 0.
type Provider struct {
	mu      sync.RWMutex
	configs []Config          // индекс — рантайм-тип
	names   map[string]uint16 // имя -> рантайм-тип
	types   map[uint16]uint16 // дисковый тип -> рантайм-тип
	logger  *logging.Logger
}

// NewProvider создаёт провайдер с зарегистрированным воздухом
func NewProvider() *Provider {
	p := &Provider{
		names:  make(map[string]uint16),
		types:  make(map[uint16]uint16),
		logger: logging.GetBlocksLogger(),
	}
	p.add(Config{Name: "air", Type: AirType})
	return p
}

// Register добавляет тип блока и возвращает назначенный рантайм-тип
func (p *Provider) Register(cfg Config) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cfg.Name == "" {
		return 0, fmt.Errorf("пустое имя блока")
	}
	if _, exists := p.names[cfg.Name]; exists {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}
	if cfg.Type == VoidType {
		return 0, fmt.Errorf("%w: %d (%s)", ErrReservedType, cfg.Type, cfg.Name)
	}
	if _, exists := p.types[cfg.Type]; exists {
		return 0, fmt.Errorf("%w: %d (%s)", ErrDuplicateType, cfg.Type, cfg.Name)
	}
	if len(p.configs) >= int(VoidType) {
		return 0, fmt.Errorf("%w: %s", ErrTooManyBlocks, cfg.Name)
	}

	return p.add(cfg), nil
}

func (p *Provider) add(cfg Config) uint16 {
	rt := uint16(len(p.configs))
	if rt == AirType {
		cfg.Solid = false
	}
	p.configs = append(p.configs, cfg)
	p.names[cfg.Name] = rt
	p.types[cfg.Type] = rt
	return rt
}

// LoadDir регистрирует блоки из всех *.yaml/*.yml файлов каталога в лексическом порядке файлов.
// Некорректные записи пропускаются с ошибкой в логе, как и при ручной регистрации.
func (p *Provider) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("не удалось прочитать каталог блоков %s: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("не удалось прочитать %s: %w", path, err)
		}
		var cf configFile
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return fmt.Errorf("ошибка разбора %s: %w", path, err)
		}
		for _, cfg := range cf.Blocks {
			if _, err := p.Register(cfg); err != nil {
				p.logger.Error("Блок из %s пропущен: %v", path, err)
			}
		}
	}

	p.logger.Info("Загружено типов блоков: %d (файлов: %d)", p.Len(), len(files))
	return nil
}

// Len возвращает число зарегистрированных типов, включая воздух
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.configs)
}

// Config возвращает описание рантайм-типа
func (p *Provider) Config(rt uint16) (Config, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if int(rt) >= len(p.configs) {
		return Config{}, false
	}
	return p.configs[rt], true
}

// Check проверяет, что рантайм-тип значения зарегистрирован.
// Незарегистрированный тип нельзя записать на диск, он превратится в воздух.
func (p *Provider) Check(d BlockData) error {
	if _, ok := p.Config(d.Type()); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownType, d.Type())
	}
	return nil
}

// TypeByName возвращает рантайм-тип по имени
func (p *Provider) TypeByName(name string) (uint16, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rt, ok := p.names[name]
	return rt, ok
}

// BlockByName возвращает готовое значение ячейки для блока с именем name.
// Неизвестное имя даёт воздух.
func (p *Provider) BlockByName(name string) (BlockData, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rt, ok := p.names[name]
	if !ok {
		return Air, false
	}
	return NewBlockData(rt, p.configs[rt].Solid), true
}

// ToDisk переводит рантайм-тип в дисковый. Неизвестный тип пишется как воздух.
func (p *Provider) ToDisk(rt uint16) uint16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if int(rt) >= len(p.configs) {
		return AirType
	}
	return p.configs[rt].Type
}

// FromDisk переводит дисковый тип в рантайм-тип. Неизвестный тип читается как воздух.
func (p *Provider) FromDisk(disk uint16) uint16 {
	p.mu.RLock()
	rt, ok := p.types[disk]
	p.mu.RUnlock()
	if !ok {
		p.logger.Warn("Неизвестный дисковый тип блока %d, заменён воздухом", disk)
		return AirType
	}
	return rt
}

// DataToDisk заменяет тип в значении ячейки на дисковый
func (p *Provider) DataToDisk(d BlockData) BlockData {
	return d.WithType(p.ToDisk(d.Type()))
}

// DataFromDisk заменяет дисковый тип в значении ячейки на рантайм-тип
func (p *Provider) DataFromDisk(d BlockData) BlockData {
	return d.WithType(p.FromDisk(d.Type()))
}
