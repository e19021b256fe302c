package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/annel0/voxel-core/internal/storage"
	"github.com/annel0/voxel-core/internal/vec"
	"github.com/annel0/voxel-core/internal/world/block"
	"github.com/annel0/voxel-core/internal/world/volume"
)

func main() {
	var (
		command   = flag.String("cmd", "inspect", "Команда: inspect, list, verify")
		backend   = flag.String("backend", storage.BackendFile, "Бэкенд хранения: file, badger, redis")
		redisAddr = flag.String("redis", "localhost:6379", "Адрес Redis для бэкенда redis")
		saveDir   = flag.String("dir", "saves", "Каталог сохранений")
		worldName = flag.String("world", "world", "Имя мира")
		chunkPow  = flag.Int("pow", 4, "Степень ребра чанка")
		blocksDir = flag.String("blocks", "config/blocks", "Каталог описаний блоков")
		posFlag   = flag.String("pos", "", "Начало чанка x,y,z для inspect")
		file      = flag.String("file", "", "Файл записи для inspect вместо хранилища")
	)
	flag.Parse()

	codec, err := newCodec(*chunkPow, *blocksDir)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	defer codec.Close()

	storeCfg := storage.OpenConfig{
		Backend: *backend,
		SaveDir: *saveDir,
		World:   *worldName,
		Redis:   storage.RedisConfig{Addr: *redisAddr, Password: os.Getenv("VOXEL_REDIS_PASSWORD")},
	}

	ctx := context.Background()
	switch *command {
	case "inspect":
		var data []byte
		if *file != "" {
			data, err = os.ReadFile(*file)
		} else {
			data, err = readFromStorage(ctx, storeCfg, *posFlag)
		}
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		if err := inspect(os.Stdout, codec, data); err != nil {
			os.Exit(1)
		}

	case "list", "verify":
		store, err := openLister(storeCfg)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		defer store.Close()

		bad, err := scan(ctx, os.Stdout, codec, store, *command == "verify")
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		if bad > 0 {
			store.Close()
			os.Exit(1)
		}

	default:
		fmt.Printf("❌ Неизвестная команда: %s\n", *command)
		fmt.Println("Доступные команды: inspect, list, verify")
		os.Exit(1)
	}
}

func newCodec(pow int, blocksDir string) (*storage.Codec, error) {
	env, err := volume.NewEnv(pow)
	if err != nil {
		return nil, err
	}
	provider := block.NewProvider()
	if blocksDir != "" {
		if err := provider.LoadDir(blocksDir); err != nil {
			return nil, err
		}
	}
	return storage.NewCodec(env, provider, storage.Options{})
}

// parsePos разбирает "x,y,z"
func parsePos(s string) (vec.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return vec.Vec3{}, fmt.Errorf("позиция %q: ожидается x,y,z", s)
	}
	var coords [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return vec.Vec3{}, fmt.Errorf("позиция %q: %w", s, err)
		}
		coords[i] = v
	}
	return vec.NewVec3(coords[0], coords[1], coords[2]), nil
}

type listerStorage interface {
	storage.ChunkStorage
	storage.Lister
}

func openLister(cfg storage.OpenConfig) (listerStorage, error) {
	if cfg.Backend == storage.BackendMemory {
		return nil, errors.New("хранилище в памяти нечего просматривать")
	}
	s, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}
	ls, ok := s.(listerStorage)
	if !ok {
		s.Close()
		return nil, fmt.Errorf("бэкенд %s не умеет перечислять чанки", cfg.Backend)
	}
	return ls, nil
}

func readFromStorage(ctx context.Context, cfg storage.OpenConfig, pos string) ([]byte, error) {
	p, err := parsePos(pos)
	if err != nil {
		return nil, err
	}
	store, err := openLister(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Read(ctx, p)
}

// inspect печатает заголовок и содержимое записи. Ошибка разбора тоже печатается.
func inspect(w io.Writer, codec *storage.Codec, data []byte) error {
	fmt.Fprintf(w, "📄 Размер записи: %d байт\n", len(data))

	header, err := codec.DecodeHeader(data)
	if err != nil {
		fmt.Fprintf(w, "❌ Заголовок: %v\n", err)
		return err
	}
	mode := "полная"
	if header.Differential {
		mode = "дифференциальная"
	}
	fmt.Fprintf(w, "   Версия: %d\n   Режим: %s\n   Ячеек: %d\n   Непустых: %d\n",
		header.Version, mode, header.CellCount, header.NonEmpty)

	rec, err := codec.Decode(data)
	if err != nil {
		fmt.Fprintf(w, "❌ Данные: %v\n", err)
		return err
	}

	counts := map[uint16]int{}
	if rec.Complete() {
		for _, v := range rec.Cells {
			counts[v.Type()]++
		}
	} else {
		fmt.Fprintf(w, "   Правок: %d\n", rec.Edits.Len())
		for _, v := range rec.Edits.Values {
			counts[v.Type()]++
		}
	}
	printCounts(w, codec, counts)
	fmt.Fprintln(w, "✅ Запись корректна")
	return nil
}

func printCounts(w io.Writer, codec *storage.Codec, counts map[uint16]int) {
	types := make([]int, 0, len(counts))
	for t := range counts {
		types = append(types, int(t))
	}
	sort.Ints(types)
	for _, t := range types {
		name := "?"
		if cfg, ok := codec.Provider().Config(uint16(t)); ok {
			name = cfg.Name
		}
		fmt.Fprintf(w, "   %-12s %6d\n", name, counts[uint16(t)])
	}
}

// scan перечисляет сохранённые чанки; с verify разбирает каждую запись.
// Возвращает число повреждённых записей.
func scan(ctx context.Context, w io.Writer, codec *storage.Codec, store listerStorage, verify bool) (int, error) {
	positions, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	sort.Slice(positions, func(i, j int) bool {
		a, b := positions[i], positions[j]
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.X < b.X
	})

	bad := 0
	for _, pos := range positions {
		if !verify {
			fmt.Fprintf(w, "%v\n", pos)
			continue
		}
		data, err := store.Read(ctx, pos)
		if err == nil {
			_, err = codec.Decode(data)
		}
		if err != nil {
			bad++
			fmt.Fprintf(w, "❌ %v: %v\n", pos, err)
			continue
		}
		fmt.Fprintf(w, "✅ %v\n", pos)
	}
	fmt.Fprintf(w, "📊 Всего чанков: %d, повреждённых: %d\n", len(positions), bad)
	return bad, nil
}
