package router

import (
	"errors"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mqy/minichat/state"
)

const namespace = "minichat"

// Values of the direction label of messages_appended_total.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
	DirectionSelfEcho = "self_echo"
)

type metrics struct {
	events   *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	appended *prometheus.CounterVec
	status   *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Server events handled, by event name.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Server events dropped because of a malformed payload.",
		}, []string{"event"}),
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages appended to conversations, by direction.",
		}, []string{"direction"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 for the others.",
		}, []string{"status"}),
	}
	if reg != nil {
		m.events = register(reg, m.events)
		m.dropped = register(reg, m.dropped)
		m.appended = register(reg, m.appended)
		m.status = register(reg, m.status)
	}
	return m
}

// register registers c, or returns the collector already registered under
// the same name.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		glog.Errorf("metrics: register: %v", err)
	}
	return c
}

func (m *metrics) setStatus(cur state.ConnStatus) {
	for _, s := range state.AllStatuses {
		v := 0.0
		if s == cur {
			v = 1
		}
		m.status.WithLabelValues(s.String()).Set(v)
	}
}
