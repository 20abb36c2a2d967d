package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the live metrics endpoint.
type Summary struct {
	Mode     string       `json:"mode"`
	Metering httpSummary  `json:"metering"`
	Policy   httpSummary  `json:"policy"`
	Ledger   ledgerInfo   `json:"ledger"`
	Recorder recorderInfo `json:"recorder"`
	Auth     authInfo     `json:"auth"`
	DB       dbInfo       `json:"db"`
	Server   serverInfo   `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type ledgerInfo struct {
	Decisions    float64            `json:"decisions"`
	Declines     float64            `json:"declines"`
	Reservations map[string]float64 `json:"reservations"`
}

type recorderInfo struct {
	BufferSize         float64 `json:"bufferSize"`
	TotalFlushes       float64 `json:"totalFlushes"`
	FlushErrors        float64 `json:"flushErrors"`
	Events             float64 `json:"events"`
	AuditWriteFailures float64 `json:"auditWriteFailures"`
}

type authInfo struct {
	Failures    float64 `json:"failures"`
	Successes   float64 `json:"successes"`
	RateLimited float64 `json:"rateLimited"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	PolicyChanges float64 `json:"policyChanges"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	MaxConns      float64 `json:"maxConns"`
	EmptyAcquires float64 `json:"emptyAcquires"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func httpFor(fam map[string]*dto.MetricFamily, kind string) httpSummary {
	reqs := fam["tally_http_requests_total"]
	dur := fam["tally_http_request_duration_seconds"]
	return httpSummary{
		TotalRequests: sumCounterWithLabel(reqs, "kind", kind),
		ErrorRate:     computeErrorRateWithLabel(reqs, "kind", kind),
		P50Latency:    histogramPercentileWithLabel(dur, 0.50, "kind", kind),
		P95Latency:    histogramPercentileWithLabel(dur, 0.95, "kind", kind),
		P99Latency:    histogramPercentileWithLabel(dur, 0.99, "kind", kind),
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	reservations := make(map[string]float64)
	if f := fam["tally_ledger_reservations_total"]; f != nil {
		for _, mt := range f.GetMetric() {
			for _, lp := range mt.GetLabel() {
				if lp.GetName() == "state" {
					reservations[lp.GetValue()] += mt.GetCounter().GetValue()
				}
			}
		}
	}

	summary := Summary{
		Mode:     "live",
		Metering: httpFor(fam, "metering"),
		Policy:   httpFor(fam, "policy"),
		Ledger: ledgerInfo{
			Decisions:    sumCounter(fam["tally_ledger_decisions_total"]),
			Declines:     sumCounterWithLabel(fam["tally_ledger_decisions_total"], "outcome", "declined"),
			Reservations: reservations,
		},
		Recorder: recorderInfo{
			BufferSize:         gaugeValue(fam["tally_recorder_buffer_size"]),
			TotalFlushes:       sumCounter(fam["tally_recorder_flushes_total"]),
			FlushErrors:        counterWithLabel(fam["tally_recorder_flushes_total"], "status", "error"),
			Events:             counterValue(fam["tally_recorder_events_total"]),
			AuditWriteFailures: counterValue(fam["tally_ledger_audit_write_failures_total"]),
		},
		Auth: authInfo{
			Failures:    sumCounter(fam["tally_auth_failures_total"]),
			Successes:   sumCounter(fam["tally_auth_successes_total"]),
			RateLimited: counterValue(fam["tally_rate_limited_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["tally_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["tally_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["tally_db_pool_acquired_conns"]),
			MaxConns:      gaugeValue(fam["tally_db_pool_max_conns"]),
			EmptyAcquires: counterValue(fam["tally_db_pool_empty_acquire_total"]),
		},
		Server: serverInfo{
			StartTime:     gaugeValue(fam["tally_server_start_time_seconds"]),
			UptimeSeconds: float64(time.Now().Unix()) - gaugeValue(fam["tally_server_start_time_seconds"]),
			PolicyChanges: sumCounter(fam["tally_policy_changes_total"]),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

func counterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName && lp.GetValue() == labelValue {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func computeErrorRateWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

func histogramPercentileWithLabel(f *dto.MetricFamily, q float64, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		if !hasLabel(m, labelName, labelValue) {
			continue
		}
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	if len(buckets) > 0 {
		for i := len(buckets) - 1; i >= 0; i-- {
			if !math.IsInf(buckets[i].upperBound, 1) {
				return buckets[i].upperBound
			}
		}
	}
	return 0
}
