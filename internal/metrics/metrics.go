package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"request-firewall/internal/domain"
)

const namespace = "firewall"

// Metrics agrupa os coletores do firewall em um registry próprio,
// permitindo várias instâncias no mesmo processo (testes).
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	ruleMatches      *prometheus.CounterVec
	storeErrors      *prometheus.CounterVec
	cacheLoads       *prometheus.CounterVec
	maintenanceRuns  *prometheus.CounterVec
}

// New cria e registra os coletores
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total firewall decisions by outcome and reason",
		}, []string{"outcome", "reason"}),
		decisionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_duration_seconds",
			Help:      "Time spent deciding a request",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		ruleMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_matches_total",
			Help:      "Total rule matches by rule type and action",
		}, []string{"type", "action"}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Rate limit store failures that were failed open",
		}, []string{"operation"}),
		cacheLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_loads_total",
			Help:      "Settings and rule cache reloads by result",
		}, []string{"cache", "result"}),
		maintenanceRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_affected_records_total",
			Help:      "Rate limit records removed or reset by maintenance tasks",
		}, []string{"task"}),
	}
}

// ObserveDecision conta a decisão e registra a latência
func (m *Metrics) ObserveDecision(outcome domain.Outcome, reason string, elapsed time.Duration) {
	m.decisions.WithLabelValues(string(outcome), reason).Inc()
	m.decisionDuration.Observe(elapsed.Seconds())
}

// ObserveRuleMatch conta uma regra que casou
func (m *Metrics) ObserveRuleMatch(ruleType domain.RuleType, action domain.RuleAction) {
	m.ruleMatches.WithLabelValues(string(ruleType), string(action)).Inc()
}

// ObserveStoreError conta uma falha do store de rate limit
func (m *Metrics) ObserveStoreError(operation string) {
	m.storeErrors.WithLabelValues(operation).Inc()
}

// ObserveCacheLoad implementa cache.LoadObserver
func (m *Metrics) ObserveCacheLoad(cache string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.cacheLoads.WithLabelValues(cache, result).Inc()
}

// ObserveMaintenance soma os registros afetados por uma tarefa de manutenção
func (m *Metrics) ObserveMaintenance(task string, affected int) {
	if affected > 0 {
		m.maintenanceRuns.WithLabelValues(task).Add(float64(affected))
	}
}

// Handler expõe o registry no formato de exposição do Prometheus
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
