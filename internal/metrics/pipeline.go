package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voxel"

// Pipeline Prometheus-метрики конвейера чанков.
// Метрики создаются всегда; регистрируются только если передан Registerer,
// поэтому в тестах можно создавать сколько угодно экземпляров.
type Pipeline struct {
	StageTasks     *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	DecodeFailures *prometheus.CounterVec
	SaveOutcomes   *prometheus.CounterVec
	Compactions    *prometheus.CounterVec

	Chunks    prometheus.Gauge
	Ready     prometheus.Gauge
	InFlight  prometheus.Gauge
	Compacted prometheus.Gauge

	PoolQueued *prometheus.GaugeVec
	PoolBusy   *prometheus.GaugeVec
}

// NewPipeline создаёт метрики конвейера и регистрирует их в reg (nil — без регистрации)
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		StageTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_tasks_total",
			Help:      "Число выполненных стадий конвейера по стадии и результату.",
		}, []string{"stage", "result"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Длительность фоновых стадий от постановки до результата.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"stage"}),
		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "decode_failures_total",
			Help:      "Сохранения, отброшенные при загрузке (чанк сгенерирован заново).",
		}, []string{"reason"}),
		SaveOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "saves_total",
			Help:      "Итоги сохранения чанков: saved, skipped, failed.",
		}, []string{"outcome"}),
		Compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blocks",
			Name:      "compactions_total",
			Help:      "Попытки сжатия хранилищ в боксы: adopted, not_worth, stale.",
		}, []string{"result"}),
		Chunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "chunks",
			Help:      "Число чанков под управлением менеджера.",
		}),
		Ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "chunks_ready",
			Help:      "Число загруженных или сгенерированных чанков.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "tasks_inflight",
			Help:      "Число чанков с фоновой задачей в работе.",
		}),
		Compacted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "blocks",
			Name:      "chunks_compacted",
			Help:      "Число чанков в сжатом представлении.",
		}),
		PoolQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "queued_tasks",
			Help:      "Задачи в очереди пула.",
		}, []string{"pool"}),
		PoolBusy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "busy_workers",
			Help:      "Занятые рабочие потоки пула.",
		}, []string{"pool"}),
	}

	if reg != nil {
		reg.MustRegister(
			p.StageTasks, p.StageDuration, p.DecodeFailures, p.SaveOutcomes, p.Compactions,
			p.Chunks, p.Ready, p.InFlight, p.Compacted, p.PoolQueued, p.PoolBusy,
		)
	}
	return p
}
