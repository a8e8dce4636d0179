package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sockpool"

// Exporter adapts a Collector to prometheus.Collector.  Values are read
// from a fresh Snapshot on every scrape.
type Exporter struct {
	c *Collector

	socketsActive *prometheus.Desc
	socketsTotal  *prometheus.Desc
	bytesIn       *prometheus.Desc
	bytesOut      *prometheus.Desc
	noBuffers     *prometheus.Desc
	aborts        *prometheus.Desc
	leaks         *prometheus.Desc
	errors        *prometheus.Desc

	poolCapacity  *prometheus.Desc
	poolInUse     *prometheus.Desc
	poolAllocs    *prometheus.Desc
	poolFrees     *prometheus.Desc
	poolExhausted *prometheus.Desc
}

var _ prometheus.Collector = (*Exporter)(nil)

// NewExporter returns an exporter for c.
func NewExporter(c *Collector) *Exporter {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Exporter{
		c:             c,
		socketsActive: desc("sockets_active", "Open sockets."),
		socketsTotal:  desc("sockets_total", "Sockets opened since start."),
		bytesIn:       desc("bytes_received_total", "Bytes read from the network."),
		bytesOut:      desc("bytes_sent_total", "Bytes written to the network."),
		noBuffers:     desc("no_buffers_total", "Socket allocations that found their pool exhausted."),
		aborts:        desc("aborts_total", "Stream sockets reset."),
		leaks:         desc("leaked_sockets_total", "Sockets reclaimed without an explicit Close."),
		errors:        desc("errors_total", "Errors recorded."),
		poolCapacity:  desc("pool_capacity", "Slots in a buffer pool.", "pool"),
		poolInUse:     desc("pool_in_use", "Allocated slots in a buffer pool.", "pool"),
		poolAllocs:    desc("pool_allocs_total", "Successful slot allocations.", "pool"),
		poolFrees:     desc("pool_frees_total", "Slots returned to a pool.", "pool"),
		poolExhausted: desc("pool_exhausted_total", "Allocations that found no free slot.", "pool"),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.socketsActive, e.socketsTotal, e.bytesIn, e.bytesOut, e.noBuffers,
		e.aborts, e.leaks, e.errors,
		e.poolCapacity, e.poolInUse, e.poolAllocs, e.poolFrees, e.poolExhausted,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.c.Snapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(e.socketsActive, float64(s.SocketsActive))
	counter(e.socketsTotal, float64(s.SocketsTotal))
	counter(e.bytesIn, float64(s.BytesIn))
	counter(e.bytesOut, float64(s.BytesOut))
	counter(e.noBuffers, float64(s.NoBuffers))
	counter(e.aborts, float64(s.Aborts))
	counter(e.leaks, float64(s.Leaks))
	counter(e.errors, float64(s.ErrorsTotal))

	for _, p := range s.Pools {
		gauge(e.poolCapacity, float64(p.Capacity), p.Name)
		gauge(e.poolInUse, float64(p.InUse), p.Name)
		counter(e.poolAllocs, float64(p.Allocs), p.Name)
		counter(e.poolFrees, float64(p.Frees), p.Name)
		counter(e.poolExhausted, float64(p.Exhausted), p.Name)
	}
}

// Handler serves c in the Prometheus text format on a private registry.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewExporter(c))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
