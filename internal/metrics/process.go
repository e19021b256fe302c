package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/annel0/voxel-core/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// ServerMetrics метрики процесса сервера
type ServerMetrics struct {
	StartTime time.Time

	rss prometheus.Gauge
	cpu prometheus.Gauge
}

// NewServerMetrics создает метрики процесса и регистрирует их в reg (nil — без регистрации)
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	sm := &ServerMetrics{
		StartTime: time.Now(),
		rss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "resident_memory_bytes",
			Help:      "Резидентная память процесса (RSS) по данным gopsutil.",
		}),
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "Загрузка CPU процессом в процентах.",
		}),
	}
	if reg != nil {
		reg.MustRegister(sm.rss, sm.cpu)
	}
	return sm
}

// GetUptime возвращает время работы сервера
func (sm *ServerMetrics) GetUptime() string {
	uptime := time.Since(sm.StartTime)

	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60
	seconds := int(uptime.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dд %dч %dм %dс", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dч %dм %dс", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dм %dс", minutes, seconds)
	}
	return fmt.Sprintf("%dс", seconds)
}

func currentProcess() (*process.Process, error) {
	return process.NewProcess(int32(os.Getpid()))
}

// GetRSS возвращает резидентную память процесса в байтах
func (sm *ServerMetrics) GetRSS() (uint64, error) {
	proc, err := currentProcess()
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// GetCPUUsage возвращает использование CPU процессом в процентах
func (sm *ServerMetrics) GetCPUUsage() (float64, error) {
	proc, err := currentProcess()
	if err != nil {
		return 0, err
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		// Если не удалось получить метрику процесса, попробуем системную
		cpuPercents, err := cpu.Percent(100*time.Millisecond, false)
		if err != nil || len(cpuPercents) == 0 {
			return 0, err
		}
		return cpuPercents[0], nil
	}
	return cpuPercent, nil
}

// GetDetailedMemoryStats возвращает детальную статистику памяти Go
func (sm *ServerMetrics) GetDetailedMemoryStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"alloc_mb":      float64(m.Alloc) / 1024 / 1024,
		"sys_mb":        float64(m.Sys) / 1024 / 1024,
		"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
		"num_gc":        m.NumGC,
		"goroutines":    runtime.NumGoroutine(),
	}
}

// Run периодически обновляет gauge RSS и CPU до отмены ctx
func (sm *ServerMetrics) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if rss, err := sm.GetRSS(); err == nil {
				sm.rss.Set(float64(rss))
			} else {
				logging.Debug("Не удалось получить RSS: %v", err)
			}
			if pct, err := sm.GetCPUUsage(); err == nil {
				sm.cpu.Set(pct)
			}
		case <-ctx.Done():
			return
		}
	}
}
