// Package metrics exposes Prometheus collectors for the trail. HTTP
// metrics are recorded by the server middleware; domain counters are
// bumped by the service as appends, seals, scans and jobs happen.
package metrics

import (
	"regexp"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestDuration tracks HTTP request duration in seconds by method, path, status.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RequestTotal counts HTTP requests by method, path, status.
	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// AppendsTotal counts committed audit entries per tenant.
	AppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_appends_total",
			Help: "Total number of committed audit entries",
		},
		[]string{"tenant"},
	)

	// AppendFailuresTotal counts rejected appends by reason
	// (invalid, clock_regression, aborted, frozen, denied).
	AppendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_append_failures_total",
			Help: "Total number of rejected appends by reason",
		},
		[]string{"reason"},
	)

	// VerifyRunsTotal counts chain verification runs by outcome.
	VerifyRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_verify_runs_total",
			Help: "Total number of chain verification runs by outcome",
		},
		[]string{"outcome"},
	)

	// ChainBreaksTotal counts integrity breaks found by verification.
	ChainBreaksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_chain_breaks_total",
			Help: "Total number of chain integrity breaks detected",
		},
	)

	// SealedBatchesTotal counts signed batches written by the sealer.
	SealedBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_sealed_batches_total",
			Help: "Total number of sealed batches",
		},
	)

	// ScanFindingsTotal counts anomaly findings by severity.
	ScanFindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_scan_findings_total",
			Help: "Total number of anomaly scan findings by severity",
		},
		[]string{"severity"},
	)

	// RiskScore is the latest anomaly risk score per tenant.
	RiskScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "audit_scan_risk_score",
			Help: "Latest anomaly scan risk score per tenant (0-100)",
		},
		[]string{"tenant"},
	)

	// ArchiveJobsTotal counts finished archive jobs by kind and status.
	ArchiveJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_archive_jobs_total",
			Help: "Total number of finished archive jobs by kind and status",
		},
		[]string{"kind", "status"},
	)

	// FeedClients is the number of connected websocket feed clients.
	FeedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_feed_clients",
			Help: "Number of connected live feed clients",
		},
	)
)

var (
	uuidPathSegment    = regexp.MustCompile(`/[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}(/|$)`)
	numericPathSegment = regexp.MustCompile(`/[0-9]+(/|$)`)
	tenantPathSegment  = regexp.MustCompile(`(/api/tenants/)[^/]+`)
)

func init() {
	prometheus.MustRegister(
		RequestDuration, RequestTotal,
		AppendsTotal, AppendFailuresTotal,
		VerifyRunsTotal, ChainBreaksTotal, SealedBatchesTotal,
		ScanFindingsTotal, RiskScore,
		ArchiveJobsTotal, FeedClients,
	)
}

// NormalizePath reduces label cardinality by collapsing tenant IDs, job
// UUIDs and sequence numbers into placeholders.
// E.g. /api/tenants/acme/proof/42 -> /api/tenants/{tenant}/proof/{id}.
func NormalizePath(path string) string {
	path = tenantPathSegment.ReplaceAllString(path, "${1}{tenant}")
	path = uuidPathSegment.ReplaceAllString(path, "/{id}$1")
	return numericPathSegment.ReplaceAllString(path, "/{id}$1")
}

// RecordRequest records duration and count for one HTTP request.
// Called from the server middleware.
func RecordRequest(method, path string, statusCode int, durationSeconds float64) {
	path = NormalizePath(path)
	status := strconv.Itoa(statusCode)
	RequestDuration.WithLabelValues(method, path, status).Observe(durationSeconds)
	RequestTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAppend counts one committed entry.
func RecordAppend(tenant string) {
	AppendsTotal.WithLabelValues(tenant).Inc()
}

// RecordAppendFailure counts one rejected append.
func RecordAppendFailure(reason string) {
	AppendFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordVerify counts one verification run and any breaks it found.
func RecordVerify(valid bool, breaks int) {
	outcome := "valid"
	if !valid {
		outcome = "broken"
	}
	VerifyRunsTotal.WithLabelValues(outcome).Inc()
	if breaks > 0 {
		ChainBreaksTotal.Add(float64(breaks))
	}
}

// RecordSealed counts freshly sealed batches.
func RecordSealed(batches int) {
	if batches > 0 {
		SealedBatchesTotal.Add(float64(batches))
	}
}

// RecordScan records a finished anomaly scan.
func RecordScan(tenant string, severityCounts map[string]int, riskScore int) {
	for severity, n := range severityCounts {
		ScanFindingsTotal.WithLabelValues(severity).Add(float64(n))
	}
	RiskScore.WithLabelValues(tenant).Set(float64(riskScore))
}

// RecordJob counts one finished archive job.
func RecordJob(kind, status string) {
	ArchiveJobsTotal.WithLabelValues(kind, status).Inc()
}
