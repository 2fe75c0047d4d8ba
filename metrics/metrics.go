// Package metrics provides the Prometheus-backed Recorder (spec.md §6
// Metrics). The brokercore package does not import it; the embedding
// program calls the recorder itself. Metrics
// collection itself is an out-of-scope external collaborator per
// spec.md §1 ("referenced only by the interfaces they expose/consume");
// this package is that interface's one concrete implementation, grounded
// in ZindGH-MQTT-Server and golang-io-mqtt, the two MQTT broker repos in
// the retrieval pack that both use prometheus/client_golang.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Network labels the transport a request arrived over.
type Network string

const (
	NetworkTCP Network = "tcp"
	NetworkTLS Network = "tls"
	NetworkWS  Network = "ws"
	NetworkWSS Network = "wss"
)

// ThreadType labels a worker-pool role for the active-thread gauge.
type ThreadType string

const (
	ThreadAccept  ThreadType = "accept"
	ThreadHandler ThreadType = "handler"
	ThreadResponse ThreadType = "response"
)

// Recorder is the metrics interface for request-path callers. Kept
// narrow and synchronous so it never becomes a suspension point
// (spec.md §5).
type Recorder interface {
	ObserveRequestTotal(network Network, d time.Duration)
	ObserveRequestQueue(network Network, d time.Duration)
	ObserveRequestHandler(network Network, d time.Duration)
	ObserveResponse(network Network, d time.Duration)
	ObserveResponseQueue(network Network, d time.Duration)

	SetNetworkQueueNum(network Network, n float64)
	SetActiveThreadNum(network Network, threadType ThreadType, n float64)
	SetConnectionsNum(n float64)
	SetConnectionsMax(n float64)
}

// PrometheusRecorder registers exactly the histograms and gauges
// spec.md §6 names.
type PrometheusRecorder struct {
	requestTotal         *prometheus.HistogramVec
	requestQueue         *prometheus.HistogramVec
	requestHandler       *prometheus.HistogramVec
	responseTotal        *prometheus.HistogramVec
	responseQueue        *prometheus.HistogramVec
	networkQueueNum      *prometheus.GaugeVec
	activeThreadNum      *prometheus.GaugeVec
	connectionsNum       prometheus.Gauge
	connectionsMax       prometheus.Gauge
}

// NewPrometheusRecorder constructs and registers all metrics against reg.
// Pass prometheus.NewRegistry() in tests to avoid colliding with the
// global default registry across parallel test packages.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	msBuckets := []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

	r := &PrometheusRecorder{
		requestTotal: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "request_total_ms", Help: "End-to-end request latency in milliseconds.", Buckets: msBuckets,
		}, []string{"network"}),
		requestQueue: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "request_queue_ms", Help: "Time a request spent queued before handling.", Buckets: msBuckets,
		}, []string{"network"}),
		requestHandler: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "request_handler_ms", Help: "Time spent in the packet handler.", Buckets: msBuckets,
		}, []string{"network"}),
		responseTotal: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "request_response_ms", Help: "Time spent producing the response.", Buckets: msBuckets,
		}, []string{"network"}),
		responseQueue: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "request_response_queue_ms", Help: "Time a response spent queued before being written.", Buckets: msBuckets,
		}, []string{"network"}),
		networkQueueNum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_network_queue_num", Help: "Current depth of the per-network request queue.",
		}, []string{"network"}),
		activeThreadNum: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_active_thread_num", Help: "Active worker-pool threads.",
		}, []string{"network", "thread_type"}),
		connectionsNum: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_connections_num", Help: "Current live connection count.",
		}),
		connectionsMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_connections_max", Help: "Configured connection admission hard cap.",
		}),
	}

	reg.MustRegister(r.requestTotal, r.requestQueue, r.requestHandler, r.responseTotal,
		r.responseQueue, r.networkQueueNum, r.activeThreadNum, r.connectionsNum, r.connectionsMax)
	return r
}

func (r *PrometheusRecorder) ObserveRequestTotal(network Network, d time.Duration) {
	r.requestTotal.WithLabelValues(string(network)).Observe(msf(d))
}
func (r *PrometheusRecorder) ObserveRequestQueue(network Network, d time.Duration) {
	r.requestQueue.WithLabelValues(string(network)).Observe(msf(d))
}
func (r *PrometheusRecorder) ObserveRequestHandler(network Network, d time.Duration) {
	r.requestHandler.WithLabelValues(string(network)).Observe(msf(d))
}
func (r *PrometheusRecorder) ObserveResponse(network Network, d time.Duration) {
	r.responseTotal.WithLabelValues(string(network)).Observe(msf(d))
}
func (r *PrometheusRecorder) ObserveResponseQueue(network Network, d time.Duration) {
	r.responseQueue.WithLabelValues(string(network)).Observe(msf(d))
}
func (r *PrometheusRecorder) SetNetworkQueueNum(network Network, n float64) {
	r.networkQueueNum.WithLabelValues(string(network)).Set(n)
}
func (r *PrometheusRecorder) SetActiveThreadNum(network Network, threadType ThreadType, n float64) {
	r.activeThreadNum.WithLabelValues(string(network), string(threadType)).Set(n)
}
func (r *PrometheusRecorder) SetConnectionsNum(n float64) { r.connectionsNum.Set(n) }
func (r *PrometheusRecorder) SetConnectionsMax(n float64) { r.connectionsMax.Set(n) }

func msf(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
