package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "poly_sniper"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		EventsProcessed:    promCounter{newCounter("events_processed_total", "Total number of events drained from the merged stream.")},
		SignalsGenerated:   promCounter{newCounter("signals_generated_total", "Total number of orders proposed by strategies.")},
		OrdersExecuted:     promCounter{newCounter("orders_executed_total", "Total number of orders submitted to the executor.")},
		OrdersRejected:     promCounter{newCounter("orders_rejected_total", "Total number of orders rejected by risk validation.")},
		OrdersFailed:       promCounter{newCounter("orders_failed_total", "Total number of executor submissions that failed.")},
		IngesterReconnects: promCounter{newCounter("ingester_reconnects_total", "Total number of ingester reconnect attempts.")},
		Errors:             promCounter{newCounter("errors_total", "Total number of per-event errors contained by the engine.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
