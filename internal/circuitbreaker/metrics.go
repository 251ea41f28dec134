package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raredx_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raredx_circuit_breaker_requests_total",
			Help: "Requests through circuit breakers by state and result",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raredx_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raredx_circuit_breaker_open_since_seconds",
			Help: "Unix time the breaker opened, 0 when not open",
		},
		[]string{"name", "service"},
	)
)

type breakerKey struct {
	service string
	name    string
}

func (k breakerKey) String() string { return k.service + ":" + k.name }

// BreakerStatus is a Snapshot tagged with the service the breaker guards.
type BreakerStatus struct {
	Service string `json:"service"`
	Snapshot
}

// MetricsCollector tracks breakers and exports their state to Prometheus.
type MetricsCollector struct {
	mu       sync.RWMutex
	breakers map[breakerKey]*CircuitBreaker
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{breakers: make(map[breakerKey]*CircuitBreaker)}
}

// GlobalMetricsCollector tracks every breaker created by the wrappers.
var GlobalMetricsCollector = NewMetricsCollector()

// RegisterCircuitBreaker tracks cb and chains a state change hook that
// updates the gauges. Registering the same service and name again replaces
// the earlier breaker.
func (mc *MetricsCollector) RegisterCircuitBreaker(name, service string, cb *CircuitBreaker) {
	mc.mu.Lock()
	mc.breakers[breakerKey{service: service, name: name}] = cb
	mc.mu.Unlock()

	cb.mu.Lock()
	prev := cb.config.OnStateChange
	cb.config.OnStateChange = func(cbName string, from, to State) {
		if prev != nil {
			prev(cbName, from, to)
		}
		breakerTransitions.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
		switch {
		case to == StateOpen:
			breakerOpenSince.WithLabelValues(name, service).SetToCurrentTime()
		case from == StateOpen:
			breakerOpenSince.WithLabelValues(name, service).Set(0)
		}
	}
	cb.mu.Unlock()
	breakerState.WithLabelValues(name, service).Set(float64(cb.State()))
}

// RecordRequest counts one call through a breaker.
func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// UpdateMetrics refreshes the state gauges, catching time based transitions
// that happen without traffic.
func (mc *MetricsCollector) UpdateMetrics() {
	for _, st := range mc.Statuses() {
		breakerState.WithLabelValues(st.Name, st.Service).Set(float64(parseState(st.State)))
	}
}

// Statuses returns a snapshot of every tracked breaker ordered by service and name.
func (mc *MetricsCollector) Statuses() []BreakerStatus {
	mc.mu.RLock()
	keys := make([]breakerKey, 0, len(mc.breakers))
	cbs := make(map[breakerKey]*CircuitBreaker, len(mc.breakers))
	for k, cb := range mc.breakers {
		keys = append(keys, k)
		cbs[k] = cb
	}
	mc.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	out := make([]BreakerStatus, 0, len(keys))
	for _, k := range keys {
		snap := cbs[k].Snapshot()
		snap.Name = k.name
		out = append(out, BreakerStatus{Service: k.service, Snapshot: snap})
	}
	return out
}

// OpenBreakers lists "service:name" keys of breakers that are currently open.
func (mc *MetricsCollector) OpenBreakers() []string {
	var open []string
	for _, st := range mc.Statuses() {
		if st.State == StateOpen.String() {
			open = append(open, breakerKey{service: st.Service, name: st.Name}.String())
		}
	}
	return open
}

// StartMetricsCollection refreshes breaker state gauges until ctx is done.
func StartMetricsCollection(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				GlobalMetricsCollector.UpdateMetrics()
			}
		}
	}()
}

func parseState(s string) State {
	switch s {
	case "half-open":
		return StateHalfOpen
	case "open":
		return StateOpen
	default:
		return StateClosed
	}
}
