package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketstream/config"
	"marketstream/logger"
	"marketstream/models"
)

// StreamSource exposes connection counters.
type StreamSource interface {
	Status() models.ConnectionStatus
	Metrics() models.StreamMetrics
}

// BookGauge is the per-symbol view exported for each book.
type BookGauge struct {
	Symbol  string
	Bids    int
	Asks    int
	Updates uint64
	Gaps    uint64
	Stale   bool
}

// BookSource exposes per-book statistics.
type BookSource interface {
	BookGauges() []BookGauge
}

// StreamCollector exports stream and book state as Prometheus metrics. It reads
// snapshots at scrape time and holds no state of its own.
type StreamCollector struct {
	stream StreamSource
	books  BookSource

	received    *prometheus.Desc
	parsed      *prometheus.Desc
	parseErrors *prometheus.Desc
	connErrors  *prometheus.Desc
	reconnects  *prometheus.Desc
	dataGaps    *prometheus.Desc
	latency     *prometheus.Desc
	status      *prometheus.Desc

	levels  *prometheus.Desc
	updates *prometheus.Desc
	gaps    *prometheus.Desc
	stale   *prometheus.Desc
}

// NewStreamCollector builds a collector; either source may be nil.
func NewStreamCollector(namespace string, stream StreamSource, books BookSource) *StreamCollector {
	if namespace == "" {
		namespace = "marketstream"
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &StreamCollector{
		stream:      stream,
		books:       books,
		received:    desc("messages_received_total", "Frames received from the exchange"),
		parsed:      desc("messages_parsed_total", "Frames normalized and published"),
		parseErrors: desc("parse_errors_total", "Frames rejected by the normalizer"),
		connErrors:  desc("connection_errors_total", "Transport failures"),
		reconnects:  desc("reconnections_total", "Reconnections after a dropped connection"),
		dataGaps:    desc("data_gaps_total", "Depth sequence breaks seen on the stream"),
		latency:     desc("average_latency_ms", "Average exchange to receive latency"),
		status:      desc("connection_status", "Connection state (0 disconnected .. 4 failed)"),
		levels:      desc("book_levels", "Price levels per book side", "symbol", "side"),
		updates:     desc("book_updates_total", "Depth updates applied per book", "symbol"),
		gaps:        desc("book_sequence_gaps_total", "Sequence gaps per book", "symbol"),
		stale:       desc("book_stale", "1 when the book awaits a fresh snapshot", "symbol"),
	}
}

func (c *StreamCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.received, c.parsed, c.parseErrors, c.connErrors, c.reconnects, c.dataGaps, c.latency, c.status,
		c.levels, c.updates, c.gaps, c.stale,
	} {
		ch <- d
	}
}

func (c *StreamCollector) Collect(ch chan<- prometheus.Metric) {
	if c.stream != nil {
		m := c.stream.Metrics()
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
		}
		counter(c.received, m.MessagesReceived)
		counter(c.parsed, m.MessagesParsed)
		counter(c.parseErrors, m.ParseErrors)
		counter(c.connErrors, m.ConnectionErrors)
		counter(c.reconnects, m.ReconnectionCount)
		counter(c.dataGaps, m.DataGaps)
		ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, m.AverageLatencyMs)
		ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, float64(c.stream.Status()))
	}
	if c.books != nil {
		for _, b := range c.books.BookGauges() {
			ch <- prometheus.MustNewConstMetric(c.levels, prometheus.GaugeValue, float64(b.Bids), b.Symbol, "bid")
			ch <- prometheus.MustNewConstMetric(c.levels, prometheus.GaugeValue, float64(b.Asks), b.Symbol, "ask")
			ch <- prometheus.MustNewConstMetric(c.updates, prometheus.CounterValue, float64(b.Updates), b.Symbol)
			ch <- prometheus.MustNewConstMetric(c.gaps, prometheus.CounterValue, float64(b.Gaps), b.Symbol)
			stale := 0.0
			if b.Stale {
				stale = 1
			}
			ch <- prometheus.MustNewConstMetric(c.stale, prometheus.GaugeValue, stale, b.Symbol)
		}
	}
}

// PrometheusHandler registers the collectors together with the Go and process
// collectors on a private registry and returns its scrape handler.
func PrometheusHandler(cs ...prometheus.Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// ServePrometheus serves the collectors on cfg.Listen until ctx is cancelled.
func ServePrometheus(ctx context.Context, cfg config.PrometheusConfig, cs ...prometheus.Collector) error {
	handler, err := PrometheusHandler(cs...)
	if err != nil {
		return err
	}

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.GetLogger().WithComponent("prometheus").WithFields(logger.Fields{
		"listen": cfg.Listen,
		"path":   path,
	}).Info("serving prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
