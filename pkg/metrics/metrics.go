// Package metrics records check verdicts and failover timings. A powerconsul
// process lives for one check or one command, so recorded values are flushed
// to a node_exporter textfile rather than served over HTTP.
package metrics

// Labels represents a collection of labels (key-value pairs) for a metric.
type Labels map[string]string

// Metric names shared by the check engine and the failover coordinator.
const (
	CheckVerdict         = "powerconsul_check_verdict"
	CheckDuration        = "powerconsul_check_duration_seconds"
	FailoverTotal        = "powerconsul_failover_total"
	FailoverPhaseSeconds = "powerconsul_failover_phase_seconds"
)

// Recorder defines the interface for recording metrics.
type Recorder interface {
	// IncCounter increments a counter by 1.
	IncCounter(name string, labels Labels)

	// SetGauge sets the value of a gauge.
	SetGauge(name string, labels Labels, value float64)

	// ObserveHistogram records a new observation for a histogram.
	ObserveHistogram(name string, labels Labels, value float64)

	// WriteTextfile persists everything recorded so far in the Prometheus
	// text exposition format. Backends without persistence return nil.
	WriteTextfile(path string) error
}

// noopRecorder is used when metrics are disabled to avoid nil checks.
type noopRecorder struct{}

// NewNoopRecorder returns a new no-op recorder.
func NewNoopRecorder() Recorder {
	return noopRecorder{}
}

func (noopRecorder) IncCounter(string, Labels)                {}
func (noopRecorder) SetGauge(string, Labels, float64)         {}
func (noopRecorder) ObserveHistogram(string, Labels, float64) {}
func (noopRecorder) WriteTextfile(string) error               { return nil }
