// Package metrics 持有进程级 Prometheus 注册表与 shell-cache 的全部指标。
// 所有方法允许在 nil *Metrics 上调用，便于测试中省略指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	requests      *prometheus.CounterVec
	storeWrites   *prometheus.CounterVec
	revalidations *prometheus.CounterVec
	primeEntries  *prometheus.CounterVec
	messages      *prometheus.CounterVec
	generation    *prometheus.GaugeVec
	clients       prometheus.Gauge
}

// New 创建注册表（含进程与 Go 运行时采集器）并注册全部指标，指标名统一带 shell_cache_ 前缀。
func New() *Metrics {
	reg := newMetricsReg()
	r := prometheus.WrapRegistererWithPrefix("shell_cache_", reg)

	m := &Metrics{
		reg: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Intercepted requests by response source.",
		}, []string{"source"}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "store_writes_total",
			Help: "Store write attempts by result.",
		}, []string{"result"}),
		revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "revalidations_total",
			Help: "Background revalidations by result.",
		}, []string{"result"}),
		primeEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prime_entries_total",
			Help: "Manifest entries primed during install by result.",
		}, []string{"result"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Broadcast channel messages by direction and type.",
		}, []string{"direction", "type"}),
		generation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_generation",
			Help: "Set to 1 for the generation currently serving requests.",
		}, []string{"generation"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "connected_clients",
			Help: "Clients connected to the broadcast channel.",
		}),
	}
	r.MustRegister(m.requests, m.storeWrites, m.revalidations, m.primeEntries, m.messages, m.generation, m.clients)
	return m
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Request(source string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(source).Inc()
}

func (m *Metrics) StoreWrite(result string) {
	if m == nil {
		return
	}
	m.storeWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) Revalidation(result string) {
	if m == nil {
		return
	}
	m.revalidations.WithLabelValues(result).Inc()
}

func (m *Metrics) PrimeEntry(result string) {
	if m == nil {
		return
	}
	m.primeEntries.WithLabelValues(result).Inc()
}

func (m *Metrics) Message(direction, typ string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, typ).Inc()
}

// ActiveGeneration 把 generation 标记为 1，其余已知代际清零。
func (m *Metrics) ActiveGeneration(generation string) {
	if m == nil {
		return
	}
	m.generation.Reset()
	m.generation.WithLabelValues(generation).Set(1)
}

func (m *Metrics) ConnectedClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}
