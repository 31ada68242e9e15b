// Package kmetrics exposes Prometheus metrics for rule engine and VM
// execution, the way the teacher's graph package exposes execution
// metrics for its own scheduler.
package kmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for one or more engine runs, all
// namespaced "kern".
type Metrics struct {
	rulesFired           *prometheus.CounterVec
	ruleLatency          *prometheus.HistogramVec
	constraintViolations *prometheus.CounterVec
	vmSteps              *prometheus.CounterVec
	vmLimitReached       *prometheus.CounterVec
	sandboxViolations    *prometheus.CounterVec
	capabilityLatency    *prometheus.HistogramVec
	activeContexts       prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// New registers every kern metric with registry. Pass nil to use
// prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.rulesFired = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kern",
		Name:      "rules_fired_total",
		Help:      "Cumulative count of rules whose condition evaluated true and whose actions ran",
	}, []string{"run_id", "rule_name"})

	m.ruleLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kern",
		Name:      "rule_latency_ms",
		Help:      "Duration of one rule's condition+action evaluation, in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
	}, []string{"run_id", "rule_name", "status"})

	m.constraintViolations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kern",
		Name:      "constraint_violations_total",
		Help:      "Cumulative count of constraint evaluations that failed",
	}, []string{"run_id", "constraint_name", "severity"})

	m.vmSteps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kern",
		Name:      "vm_steps_total",
		Help:      "Cumulative count of VM bytecode instructions executed",
	}, []string{"run_id"})

	m.vmLimitReached = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kern",
		Name:      "vm_limit_reached_total",
		Help:      "Cumulative count of VM runs halted by a resource limit",
	}, []string{"run_id", "limit_kind"})

	m.sandboxViolations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kern",
		Name:      "sandbox_violations_total",
		Help:      "Cumulative count of capability calls rejected by the sandbox policy",
	}, []string{"run_id", "capability_name"})

	m.capabilityLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kern",
		Name:      "capability_latency_ms",
		Help:      "Duration of a CALL_EXTERN capability invocation, in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"run_id", "capability_name", "status"})

	m.activeContexts = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "kern",
		Name:      "vm_active_contexts",
		Help:      "Current number of VM execution contexts in use (rule recursion depth)",
	})

	return m
}

// RecordRuleFired increments rules_fired_total and observes rule_latency_ms.
func (m *Metrics) RecordRuleFired(runID, ruleName string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.rulesFired.WithLabelValues(runID, ruleName).Inc()
	m.ruleLatency.WithLabelValues(runID, ruleName, status).Observe(float64(latency.Milliseconds()))
}

// RecordConstraintViolation increments constraint_violations_total.
func (m *Metrics) RecordConstraintViolation(runID, constraintName, severity string) {
	if !m.isEnabled() {
		return
	}
	m.constraintViolations.WithLabelValues(runID, constraintName, severity).Inc()
}

// AddVMSteps increments vm_steps_total by n.
func (m *Metrics) AddVMSteps(runID string, n uint64) {
	if !m.isEnabled() {
		return
	}
	m.vmSteps.WithLabelValues(runID).Add(float64(n))
}

// RecordLimitReached increments vm_limit_reached_total for the named
// limit kind ("step", "rule_depth", "loop", "memory", "sandbox").
func (m *Metrics) RecordLimitReached(runID, limitKind string) {
	if !m.isEnabled() {
		return
	}
	m.vmLimitReached.WithLabelValues(runID, limitKind).Inc()
}

// RecordSandboxViolation increments sandbox_violations_total for a
// rejected capability call.
func (m *Metrics) RecordSandboxViolation(runID, capabilityName string) {
	if !m.isEnabled() {
		return
	}
	m.sandboxViolations.WithLabelValues(runID, capabilityName).Inc()
}

// RecordCapabilityLatency observes capability_latency_ms.
func (m *Metrics) RecordCapabilityLatency(runID, capabilityName string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.capabilityLatency.WithLabelValues(runID, capabilityName, status).Observe(float64(latency.Milliseconds()))
}

// SetActiveContexts sets vm_active_contexts.
func (m *Metrics) SetActiveContexts(count int) {
	if !m.isEnabled() {
		return
	}
	m.activeContexts.Set(float64(count))
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable stops metric recording (useful for tests).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable resumes metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
