package node

import "github.com/prometheus/client_golang/prometheus"

// Registry collects this package's metrics; endpoint.ServeMetrics can serve
// it together with internal/endpoint's registry on one /metrics listener.
// cmd/sectiond does not start that listener.
var Registry = prometheus.NewRegistry()

var (
	messagesHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "node_messages_handled_total",
		Help: "Number of authenticated wire messages dispatched, by kind.",
	}, []string{"kind"})
	messagesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "node_messages_rejected_total",
		Help: "Number of inbound wire messages that failed authentication.",
	}, []string{"reason"})
	aeBouncesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "node_ae_bounces_sent_total",
		Help: "Number of anti-entropy bounces sent, by kind (retry, redirect, update).",
	}, []string{"kind"})
	aeUpdatesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "node_ae_updates_applied_total",
		Help: "Number of anti-entropy messages that changed this node's section knowledge.",
	})
)

func init() {
	Registry.MustRegister(messagesHandled, messagesRejected, aeBouncesSent, aeUpdatesApplied)
}
