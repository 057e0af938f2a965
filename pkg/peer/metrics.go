package peer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the actor and its buses. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	commands       *prometheus.CounterVec
	networkEvents  *prometheus.CounterVec
	decodeFailures prometheus.Counter
	eventsEmitted  *prometheus.CounterVec
	listeners      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// gets a private registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "commands_total",
			Help:      "Commands handled by the peer actor.",
		}, []string{"kind", "result"}),
		networkEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "network_events_total",
			Help:      "Network events handled by the peer actor.",
		}, []string{"kind"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "decode_failures_total",
			Help:      "Received payloads that were not valid chat messages.",
		}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "events_emitted_total",
			Help:      "Events broadcast on the event bus.",
		}, []string{"kind"}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomchat",
			Name:      "event_listeners",
			Help:      "Listeners currently attached to the event bus.",
		}),
	}
	for _, c := range []prometheus.Collector{m.commands, m.networkEvents, m.decodeFailures, m.eventsEmitted, m.listeners} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) commandHandled(cmd Command, err error) {
	if m == nil {
		return
	}
	res := "ok"
	if err != nil {
		res = "error"
	}
	m.commands.WithLabelValues(cmd.commandKind(), res).Inc()
}

func (m *Metrics) networkEvent(kind string) {
	if m == nil {
		return
	}
	m.networkEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) decodeFailed() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

func (m *Metrics) eventEmitted(ev Event) {
	if m == nil {
		return
	}
	m.eventsEmitted.WithLabelValues(ev.eventKind()).Inc()
}

func (m *Metrics) setListeners(n int) {
	if m == nil {
		return
	}
	m.listeners.Set(float64(n))
}
