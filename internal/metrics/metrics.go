// Package metrics holds the prometheus collectors of the
// ledger daemon. Every method is safe on a nil *Metrics so
// components can run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric family names.
const (
	MetricSubmissionsTotal  = "ledger_submissions_total"  // {result}
	MetricBatchesTotal      = "ledger_batches_total"      // {result}
	MetricUsers             = "ledger_users"              // current TotalUsers
	MetricGrantsTotal       = "ledger_grants_total"       // new grants only
	MetricDerivationsTotal  = "trend_derivations_total"   // {op,result}
	MetricDisclosuresTotal  = "disclosure_requests_total" // {result}
	MetricSignaturesTotal   = "disclosure_signatures_total"
	MetricDecryptionsTotal  = "relayer_decryptions_total" // {result}
	MetricStoreOpsTotal     = "store_ops_total"           // {op}
	MetricHTTPRequestsTotal = "http_requests_total"       // {route,code}
)

// Result label values shared by the counters.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics bundles the collectors.
type Metrics struct { // A
	submissions  *prometheus.CounterVec
	batches      *prometheus.CounterVec
	users        prometheus.Gauge
	grants       prometheus.Counter
	derivations  *prometheus.CounterVec
	disclosures  *prometheus.CounterVec
	signatures   prometheus.Counter
	decryptions  *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
}

// StoreCounters reports cumulative store operations.
type StoreCounters interface { // A
	Counters() (reads, writes, conflicts uint64)
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics { // A
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSubmissionsTotal,
			Help: "Record submissions by result.",
		}, []string{"result"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBatchesTotal,
			Help: "Batch submissions by result.",
		}, []string{"result"}),
		users: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricUsers,
			Help: "Distinct principals that have submitted.",
		}),
		grants: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricGrantsTotal,
			Help: "Access grants created.",
		}),
		derivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricDerivationsTotal,
			Help: "Derived handles by operation and result.",
		}, []string{"op", "result"}),
		disclosures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricDisclosuresTotal,
			Help: "Client disclosure attempts by result.",
		}, []string{"result"}),
		signatures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSignaturesTotal,
			Help: "Authorization statements signed.",
		}),
		decryptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricDecryptionsTotal,
			Help: "Relayer decrypt requests by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.submissions, m.batches, m.users, m.grants,
			m.derivations, m.disclosures, m.signatures,
			m.decryptions, m.httpRequests,
		)
	}
	return m
}

// RegisterStore exposes the store counters as a counter
// family read at scrape time.
func RegisterStore( // A
	reg prometheus.Registerer,
	store StoreCounters,
) {
	ops := []string{"read", "write", "conflict"}
	for i, op := range ops {
		idx := i
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name:        MetricStoreOpsTotal,
				Help:        "Key-value store operations.",
				ConstLabels: prometheus.Labels{"op": op},
			},
			func() float64 {
				r, w, c := store.Counters()
				return float64([]uint64{r, w, c}[idx])
			},
		))
	}
}

func (m *Metrics) Submission(result string) { // A
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) Batch(result string) { // A
	if m == nil {
		return
	}
	m.batches.WithLabelValues(result).Inc()
}

func (m *Metrics) Users(n uint64) { // A
	if m == nil {
		return
	}
	m.users.Set(float64(n))
}

func (m *Metrics) Grant() { // A
	if m == nil {
		return
	}
	m.grants.Inc()
}

func (m *Metrics) Derivation(op, result string) { // A
	if m == nil {
		return
	}
	m.derivations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Disclosure(result string) { // A
	if m == nil {
		return
	}
	m.disclosures.WithLabelValues(result).Inc()
}

func (m *Metrics) Signature() { // A
	if m == nil {
		return
	}
	m.signatures.Inc()
}

func (m *Metrics) Decryption(result string) { // A
	if m == nil {
		return
	}
	m.decryptions.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(route, code string) { // A
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}
