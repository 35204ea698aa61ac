package spidex

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the messaging collectors. A nil *Metrics is valid and
// records nothing, so components work without a registry.
type Metrics struct {
	Polls           *prometheus.CounterVec
	StaleResponses  prometheus.Counter
	UnchangedPolls  prometheus.Counter
	PushMessages    *prometheus.CounterVec
	Sends           *prometheus.CounterVec
	SeenMarks       *prometheus.CounterVec
	PushConnections prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spidex",
			Name:      "polls_total",
			Help:      "Conversation fetches by result (ok, error).",
		}, []string{"result"}),
		StaleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spidex",
			Name:      "stale_responses_total",
			Help:      "Fetch responses discarded as out of date.",
		}),
		UnchangedPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spidex",
			Name:      "unchanged_polls_total",
			Help:      "Fetches skipped because the snapshot did not change.",
		}),
		PushMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spidex",
			Name:      "push_messages_total",
			Help:      "Pushed records by result (appended, duplicate, ignored).",
		}, []string{"result"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spidex",
			Name:      "sends_total",
			Help:      "Message sends by result (ok, error, invalid).",
		}, []string{"result"}),
		SeenMarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spidex",
			Name:      "seen_marks_total",
			Help:      "Remote mark-seen calls by result (ok, error).",
		}, []string{"result"}),
		PushConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "spidex",
			Name:      "push_connected",
			Help:      "1 while a push channel is connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Polls, m.StaleResponses, m.UnchangedPolls, m.PushMessages, m.Sends, m.SeenMarks, m.PushConnections)
	}
	return m
}

func (m *Metrics) poll(result string) {
	if m != nil {
		m.Polls.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) stale() {
	if m != nil {
		m.StaleResponses.Inc()
	}
}

func (m *Metrics) unchanged() {
	if m != nil {
		m.UnchangedPolls.Inc()
	}
}

func (m *Metrics) push(result string) {
	if m != nil {
		m.PushMessages.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) send(result string) {
	if m != nil {
		m.Sends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) seen(result string) {
	if m != nil {
		m.SeenMarks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.PushConnections.Set(1)
	} else {
		m.PushConnections.Set(0)
	}
}
