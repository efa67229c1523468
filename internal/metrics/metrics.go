package metrics

import (
	"strings"
	"time"

	"garagecover/internal/configentry"
	"garagecover/internal/platform"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// coverStates are the values exported for each cover as a one-hot gauge.
var coverStates = []string{
	platform.StateOpen,
	platform.StateOpening,
	platform.StateClosed,
	platform.StateClosing,
	platform.StateUnknown,
	platform.StateUnavailable,
}

var entryStates = []configentry.State{
	configentry.StateNotLoaded,
	configentry.StateSetupPending,
	configentry.StateLoaded,
	configentry.StateSetupError,
	configentry.StateSetupRetry,
}

// Metrics holds the Prometheus collectors for the host.
type Metrics struct {
	registry *prometheus.Registry

	// Cover state, one series per (entity_id, state), value 1 for the current state
	CoverState *prometheus.GaugeVec

	// Entity poll duration histogram (in seconds)
	PollDurationSeconds *prometheus.HistogramVec

	// Entity poll error counter
	PollErrorsTotal *prometheus.CounterVec

	// Service call counter, labelled with result ok/error
	ServiceCallsTotal *prometheus.CounterVec

	// Config entry state, one-hot per (domain, entry_id, state)
	ConfigEntryState *prometheus.GaugeVec

	// Build info gauge
	BuildInfo *prometheus.GaugeVec
}

// New creates the collectors and registers them on a private registry,
// together with the Go runtime and process collectors.
func New(version string) (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CoverState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "garagecover_cover_state",
			Help: "Current state of each cover (1 for the active state, 0 otherwise)",
		}, []string{"entity_id", "state"}),

		// Buckets: 50ms .. 12.8s
		PollDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "garagecover_poll_duration_seconds",
			Help:    "Time taken to refresh an entity from its integration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 9),
		}, []string{"platform"}),

		PollErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garagecover_poll_errors_total",
			Help: "Total number of failed entity refreshes",
		}, []string{"platform", "entity_id"}),

		ServiceCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garagecover_service_calls_total",
			Help: "Total number of service calls by domain, service and result",
		}, []string{"domain", "service", "result"}),

		ConfigEntryState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "garagecover_config_entry_state",
			Help: "Current state of each config entry (1 for the active state, 0 otherwise)",
		}, []string{"domain", "entry_id", "state"}),

		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "garagecover_build_info",
			Help: "Build information (value is always 1)",
		}, []string{"version"}),
	}

	if err := m.register(); err != nil {
		return nil, err
	}

	m.BuildInfo.WithLabelValues(version).Set(1)
	return m, nil
}

func (m *Metrics) register() error {
	for _, c := range []prometheus.Collector{
		m.CoverState,
		m.PollDurationSeconds,
		m.PollErrorsTotal,
		m.ServiceCallsTotal,
		m.ConfigEntryState,
		m.BuildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Registry returns the registry to expose on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStateChange is a platform.StateChangeHandler. Only cover entities are tracked.
func (m *Metrics) ObserveStateChange(entityID string, _, newState *platform.State) {
	if !strings.HasPrefix(entityID, platform.DomainCover+".") {
		return
	}

	if newState == nil {
		for _, s := range coverStates {
			m.CoverState.DeleteLabelValues(entityID, s)
		}
		return
	}

	for _, s := range coverStates {
		value := 0.0
		if s == newState.State {
			value = 1
		}
		m.CoverState.WithLabelValues(entityID, s).Set(value)
	}
}

// ObservePoll is a platform.PollObserver.
func (m *Metrics) ObservePoll(platformName, entityID string, duration time.Duration, err error) {
	m.PollDurationSeconds.WithLabelValues(platformName).Observe(duration.Seconds())
	if err != nil {
		m.PollErrorsTotal.WithLabelValues(platformName, entityID).Inc()
	}
}

// ObserveServiceCall is a platform.ServiceCallObserver.
func (m *Metrics) ObserveServiceCall(domain, service string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ServiceCallsTotal.WithLabelValues(domain, service, result).Inc()
}

// ObserveEntryState records a config entry state transition.
func (m *Metrics) ObserveEntryState(entry configentry.Entry, state configentry.State) {
	for _, s := range entryStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.ConfigEntryState.WithLabelValues(entry.Domain, entry.EntryID, string(s)).Set(value)
	}
}

// ForgetEntry drops the state series of a deleted config entry.
func (m *Metrics) ForgetEntry(entry configentry.Entry) {
	for _, s := range entryStates {
		m.ConfigEntryState.DeleteLabelValues(entry.Domain, entry.EntryID, string(s))
	}
}

// Attach wires the collectors into a hub's state machine and service registry.
// Poll and entry state observers are passed through platform.HubConfig.
func (m *Metrics) Attach(states *platform.StateMachine, services *platform.ServiceRegistry) platform.Subscription {
	services.SetObserver(m.ObserveServiceCall)
	return states.Subscribe(m.ObserveStateChange)
}
