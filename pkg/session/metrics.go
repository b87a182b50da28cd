package session

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// sessionMetrics is a private VictoriaMetrics set, mirroring the shape of
// nspkt.Listener's atomic counters but exported as a scrapeable set (the way
// Atlas's pkg/metricsx wraps VictoriaMetrics/metrics) instead of a bespoke
// WritePrometheus. Each Session owns one set so multiple sessions in the
// same process don't clobber each other's series; callers wanting a combined
// view can register WritePrometheus against their own mux per session.
type sessionMetrics struct {
	set *metrics.Set

	punchSent       *metrics.Counter
	punchAcked      *metrics.Counter
	punchTimeouts   *metrics.Counter
	iceChecksSent   *metrics.Counter
	iceNominations  *metrics.Counter
	arqRetransmits  *metrics.Counter
	arqAcksRecv     *metrics.Counter
	arqWindowFull   *metrics.Counter
	pathTransitions *metrics.Counter
	signalingErrors *metrics.Counter
	rttMillis       *metrics.Histogram
}

func newSessionMetrics() *sessionMetrics {
	s := metrics.NewSet()
	return &sessionMetrics{
		set:             s,
		punchSent:       s.NewCounter("p2p_punch_sent_total"),
		punchAcked:      s.NewCounter("p2p_punch_acked_total"),
		punchTimeouts:   s.NewCounter("p2p_punch_timeouts_total"),
		iceChecksSent:   s.NewCounter("p2p_ice_checks_sent_total"),
		iceNominations:  s.NewCounter("p2p_ice_nominations_total"),
		arqRetransmits:  s.NewCounter("p2p_arq_retransmits_total"),
		arqAcksRecv:     s.NewCounter("p2p_arq_acks_received_total"),
		arqWindowFull:   s.NewCounter("p2p_arq_window_full_total"),
		pathTransitions: s.NewCounter("p2p_path_transitions_total"),
		signalingErrors: s.NewCounter("p2p_signaling_errors_total"),
		rttMillis:       s.NewHistogram("p2p_rtt_milliseconds"),
	}
}

// WritePrometheus writes this session's metrics in Prometheus text format.
func (m *sessionMetrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
