package endpoint

import "github.com/prometheus/client_golang/prometheus"

// Registry collects this package's metrics; control.go's ServeMetrics serves
// it on its own HTTP /metrics listener, separate from the gRPC control port.
var Registry = prometheus.NewRegistry()

var (
	framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "endpoint_frames_sent_total",
		Help: "Number of wire frames written to the UDP socket.",
	})
	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "endpoint_frames_received_total",
		Help: "Number of wire frames accepted and handed to the node.",
	})
	framesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "endpoint_frames_dropped_total",
		Help: "Number of inbound datagrams rejected: malformed frame or failed authentication.",
	})
	sendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "endpoint_send_errors_total",
		Help: "Number of outbound writes that failed at the socket.",
	})
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "endpoint_peer_cache_hits_total",
		Help: "Number of Send calls whose destination address was already cached.",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "endpoint_peer_cache_misses_total",
		Help: "Number of Send calls that had to resolve and cache a new destination address.",
	})
)

func init() {
	Registry.MustRegister(framesSent, framesReceived, framesDropped, sendErrors, cacheHits, cacheMisses)
}
