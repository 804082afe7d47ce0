package graphtable

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Metrics is an injectable, per-instance sink for engine counters. A
// nil *Metrics is a valid no-op sink.
type Metrics struct {
	cacheHits  prometheus.Counter
	cacheMiss  prometheus.Counter
	pagesRead  prometheus.Counter
	bytesRead  prometheus.Counter
	spills     prometheus.Counter
	expansions prometheus.Counter
}

// NewMetrics creates a metrics sink and registers its collectors with
// reg. Pass prometheus.DefaultRegisterer for process-wide exposure, or
// a private registry per reader.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graphtable", Name: "node_cache_hits_total",
			Help: "Node cache hits.",
		}),
		cacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graphtable", Name: "node_cache_misses_total",
			Help: "Node cache misses.",
		}),
		pagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graphtable", Name: "pages_read_total",
			Help: "Pages fetched and decompressed.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graphtable", Name: "bytes_read_total",
			Help: "Bytes fetched from the backing store.",
		}),
		spills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graphtable", Name: "builder_spills_total",
			Help: "Builder spills to temporary backing indices.",
		}),
		expansions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "graphtable", Name: "read_expansions_total",
			Help: "Page requests widened to the recommended batch size.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cacheHits, m.cacheMiss, m.pagesRead, m.bytesRead, m.spills, m.expansions)
	}
	return m
}

func (m *Metrics) addCacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) addCacheMiss() {
	if m != nil {
		m.cacheMiss.Inc()
	}
}

func (m *Metrics) addPagesRead(n int) {
	if m != nil {
		m.pagesRead.Add(float64(n))
	}
}

func (m *Metrics) addBytesRead(n int) {
	if m != nil {
		m.bytesRead.Add(float64(n))
	}
}

func (m *Metrics) addSpill() {
	if m != nil {
		m.spills.Inc()
	}
}

func (m *Metrics) addExpansion() {
	if m != nil {
		m.expansions.Inc()
	}
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
