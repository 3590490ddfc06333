package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kobold",
		Subsystem: "manager",
		Name:      "loads_total",
		Help:      "Total number of completed model loads",
	})

	loadErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kobold",
		Subsystem: "manager",
		Name:      "load_errors_total",
		Help:      "Total number of failed model loads",
	})

	modelLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kobold",
		Subsystem: "manager",
		Name:      "model_loaded",
		Help:      "Whether a model is currently loaded (0 or 1)",
	})

	generationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kobold",
		Subsystem: "manager",
		Name:      "generations_total",
		Help:      "Total number of generation calls",
	}, []string{"strategy", "outcome"})

	generatedTokensTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kobold",
		Subsystem: "manager",
		Name:      "generated_tokens_total",
		Help:      "Total number of tokens produced across all batches",
	})
)

func init() {
	prometheus.MustRegister(loadsTotal, loadErrorsTotal, modelLoaded, generationsTotal, generatedTokensTotal)
}
