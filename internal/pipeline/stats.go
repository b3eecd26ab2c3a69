// Package pipeline contains the stage adapters: thin loops that connect
// sources, the codec, the transport, detectors, and the store. All
// per-message failures are absorbed here (logged, counted, skipped) so
// a stage only ever stops on cancellation or a startup fault.
package pipeline

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter is a monotonically increasing stage counter, mirrored into
// prometheus when a registerer is attached.
type Counter struct {
	n    atomic.Uint64
	prom prometheus.Counter
}

func (c *Counter) Inc() {
	c.n.Add(1)
	if c.prom != nil {
		c.prom.Inc()
	}
}

func (c *Counter) Load() uint64 { return c.n.Load() }

// Stats tracks what a stage loop did. No error is swallowed without at
// least one of these moving.
type Stats struct {
	Published    Counter
	Dropped      Counter
	Received     Counter
	Timeouts     Counter
	FormatErrors Counter
	SourceErrors Counter
	DetectErrors Counter
	StoreErrors  Counter
	Processed    Counter
	Stored       Counter
	JournalErrs  Counter
}

// NewStats creates stage stats. With a non-nil registerer each counter is
// also exported as imgpipe_<name>_total labelled by stage.
func NewStats(stage string, reg prometheus.Registerer) *Stats {
	s := &Stats{}
	if reg == nil {
		return s
	}
	mk := func(c *Counter, name, help string) {
		c.prom = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "imgpipe",
			Name:        name + "_total",
			Help:        help,
			ConstLabels: prometheus.Labels{"stage": stage},
		})
		reg.MustRegister(c.prom)
	}
	mk(&s.Published, "published", "Frames handed to the publisher.")
	mk(&s.Dropped, "dropped", "Publishes dropped at the high-water mark.")
	mk(&s.Received, "received", "Frames received from the subscriber.")
	mk(&s.Timeouts, "receive_timeouts", "Receive calls that timed out.")
	mk(&s.FormatErrors, "format_errors", "Frames rejected by the wire codec.")
	mk(&s.SourceErrors, "source_errors", "Captures the source failed to produce.")
	mk(&s.DetectErrors, "detect_errors", "Images the detector failed on.")
	mk(&s.StoreErrors, "store_errors", "Messages the store failed to persist.")
	mk(&s.Processed, "processed", "Messages fully processed by the stage.")
	mk(&s.Stored, "stored", "Messages persisted to the store.")
	mk(&s.JournalErrs, "journal_errors", "Frames the journal failed to record.")
	return s
}

// Snapshot returns the counters as a JSON-friendly map for /status.
func (s *Stats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"published_total":        s.Published.Load(),
		"dropped_total":          s.Dropped.Load(),
		"received_total":         s.Received.Load(),
		"receive_timeouts_total": s.Timeouts.Load(),
		"format_errors_total":    s.FormatErrors.Load(),
		"source_errors_total":    s.SourceErrors.Load(),
		"detect_errors_total":    s.DetectErrors.Load(),
		"store_errors_total":     s.StoreErrors.Load(),
		"processed_total":        s.Processed.Load(),
		"stored_total":           s.Stored.Load(),
		"journal_errors_total":   s.JournalErrs.Load(),
	}
}
