package metrics

import "time"

// Recorder bundles a Collector with an optional PrometheusExporter so that
// operation boundaries record to both with a single call. A nil *Recorder
// is valid and records nothing, which lets callers instrument
// unconditionally.
type Recorder struct {
	collector *Collector
	exporter  *PrometheusExporter
}

// NewRecorder creates a Recorder. exporter may be nil.
func NewRecorder(collector *Collector, exporter *PrometheusExporter) *Recorder {
	return &Recorder{collector: collector, exporter: exporter}
}

// Collector returns the underlying collector, or nil.
func (r *Recorder) Collector() *Collector {
	if r == nil {
		return nil
	}
	return r.collector
}

// Begin records the start of an operation and returns a done function that
// must be called with the operation's result error.
//
//	done := rec.Begin("check")
//	allowed, err := ...
//	done(err)
func (r *Recorder) Begin(op string) func(error) {
	if r == nil || r.collector == nil {
		return func(error) {}
	}

	start := time.Now()
	r.collector.RecordRequest(op)
	if r.exporter != nil {
		r.exporter.RecordRequest(op)
	}

	return func(err error) {
		duration := time.Since(start).Seconds()
		r.collector.RecordDuration(op, duration)
		if r.exporter != nil {
			r.exporter.RecordDuration(op, duration)
		}
		if err != nil {
			r.collector.RecordError(op)
			if r.exporter != nil {
				r.exporter.RecordError(op)
			}
		}
	}
}

// Update pushes collector state that is not recorded at operation
// boundaries, such as cache gauges, to the exporter. Call it on a timer.
func (r *Recorder) Update() {
	if r == nil || r.exporter == nil {
		return
	}
	r.exporter.Update()
}

// SweptEdges records expired edges removed by a sweep pass.
func (r *Recorder) SweptEdges(n int) {
	if r == nil || r.collector == nil {
		return
	}
	r.collector.RecordSweptEdges(n)
	if r.exporter != nil {
		r.exporter.RecordSweptEdges(n)
	}
}
