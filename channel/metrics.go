package channel

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type channelMetrics struct {
	frames    *prometheus.CounterVec
	sessions  prometheus.Counter
	rejected  prometheus.Counter
	ratelimit prometheus.Counter
}

var (
	channelMetricsOnce sync.Once
	channelMetricsInst *channelMetrics
)

func getChannelMetrics() *channelMetrics {
	channelMetricsOnce.Do(func() {
		channelMetricsInst = &channelMetrics{
			frames: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "paykit_channel_frames_total",
				Help: "Encrypted frames carried by secure channels.",
			}, []string{"direction", "type"}),
			sessions: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "paykit_channel_sessions_total",
				Help: "Secure channel sessions successfully established.",
			}),
			rejected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "paykit_channel_handshakes_failed_total",
				Help: "Inbound connections dropped during handshake.",
			}),
			ratelimit: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "paykit_channel_ratelimited_total",
				Help: "Inbound connections dropped by rate limiting.",
			}),
		}
		prometheus.MustRegister(
			channelMetricsInst.frames,
			channelMetricsInst.sessions,
			channelMetricsInst.rejected,
			channelMetricsInst.ratelimit,
		)
	})
	return channelMetricsInst
}

func (m *channelMetrics) observeFrame(direction, msgType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, msgType).Inc()
}

func (m *channelMetrics) observeSession() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *channelMetrics) observeHandshakeFailure() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *channelMetrics) observeRateLimited() {
	if m == nil {
		return
	}
	m.ratelimit.Inc()
}
