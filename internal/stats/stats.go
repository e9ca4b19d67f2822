// Package stats tracks process-wide connection counters: totals plus
// per-SNI and per-source maps, snapshotted as a deep copy for the
// observability sidecar and mirrored into Prometheus collectors.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniproxy_connections_total",
		Help: "Total accepted connections that reached admission.",
	})
	metricConnActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sniproxy_connections_active",
		Help: "Currently splicing or in-flight connections.",
	})
	metricConnSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniproxy_connections_successful_total",
		Help: "Connections that completed with reason ok.",
	})
	metricConnFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_connections_failed_total",
		Help: "Connections that closed with a non-ok reason, by reason.",
	}, []string{"reason"})
	metricDomainTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_domain_admissions_total",
		Help: "Admissions observed per requested SNI hostname.",
	}, []string{"sni"})
	metricConnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sniproxy_connection_duration_seconds",
		Help:    "Connection lifetime from admission to close.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})
	metricBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_bytes_transferred_total",
		Help: "Bytes relayed per SNI hostname and direction.",
	}, []string{"sni", "direction"})
)

// SourceCount pairs a source address with its observed admission count, for
// the top-N source report.
type SourceCount struct {
	IP    string `json:"ip"`
	Count int64  `json:"count"`
}

// Snapshot is a deep, point-in-time copy of every counter, safe to marshal
// or read without further synchronization.
type Snapshot struct {
	Uptime     time.Duration
	Total      int64
	Active     int64
	Successful int64
	Failed     int64
	Domains    map[string]int64
	TopIPs     []SourceCount
}

// Tracker holds every connection counter the sidecar reports. The zero
// value is not usable; construct with New.
type Tracker struct {
	start time.Time

	total      int64
	active     int64
	successful int64
	failed     int64

	mu      sync.Mutex
	domains map[string]int64
	sources map[string]int64
}

// New constructs a Tracker with its start time fixed to now.
func New() *Tracker {
	return &Tracker{
		start:   time.Now(),
		domains: make(map[string]int64),
		sources: make(map[string]int64),
	}
}

// RecordAdmission records a connection that passed IP and rate-limit checks
// and presented sni. It increments total, active, and both per-key maps,
// regardless of whether sni later resolves in the route table.
func (t *Tracker) RecordAdmission(sni, sourceIP string) {
	t.mu.Lock()
	t.total++
	t.active++
	if sni != "" {
		t.domains[sni]++
	}
	if sourceIP != "" {
		t.sources[sourceIP]++
	}
	t.mu.Unlock()

	metricConnTotal.Inc()
	metricConnActive.Inc()
	if sni != "" {
		metricDomainTotal.WithLabelValues(sni).Inc()
	}
}

// RecordClosed records a terminal close for an admitted connection: active
// always decrements, and exactly one of successful or failed increments
// depending on reason.
func (t *Tracker) RecordClosed(ok bool, reason string, duration time.Duration) {
	t.mu.Lock()
	t.active--
	if ok {
		t.successful++
	} else {
		t.failed++
	}
	t.mu.Unlock()

	metricConnActive.Dec()
	if ok {
		metricConnSuccess.Inc()
	} else {
		metricConnFailed.WithLabelValues(reason).Inc()
	}
	metricConnDuration.Observe(duration.Seconds())
}

// RecordBytes records the bytes a spliced connection moved in each
// direction, including the replayed ClientHello on the upstream side.
// Bytes moved before a transport error still count.
func (t *Tracker) RecordBytes(sni string, up, down int64) {
	if sni == "" {
		return
	}
	metricBytesTotal.WithLabelValues(sni, "upstream").Add(float64(up))
	metricBytesTotal.WithLabelValues(sni, "downstream").Add(float64(down))
}

// RecordRejection records a connection that never reached admission (IP
// denied, rate limited, or closed before a usable SNI was read): failed
// increments, but no domains or topIPs entry is produced.
func (t *Tracker) RecordRejection(reason string) {
	t.mu.Lock()
	t.failed++
	t.mu.Unlock()

	metricConnFailed.WithLabelValues(reason).Inc()
}

// Snapshot returns a deep copy of every counter, including a sorted top-5
// source address list computed at snapshot time.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	domains := make(map[string]int64, len(t.domains))
	for k, v := range t.domains {
		domains[k] = v
	}

	topIPs := topN(t.sources, 5)

	return Snapshot{
		Uptime:     time.Since(t.start),
		Total:      t.total,
		Active:     t.active,
		Successful: t.successful,
		Failed:     t.failed,
		Domains:    domains,
		TopIPs:     topIPs,
	}
}

// topN returns the n source addresses with the highest counts, sorted
// descending. Ties break on address text for determinism.
func topN(sources map[string]int64, n int) []SourceCount {
	all := make([]SourceCount, 0, len(sources))
	for ip, count := range sources {
		all = append(all, SourceCount{IP: ip, Count: count})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].IP < all[j].IP
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}
