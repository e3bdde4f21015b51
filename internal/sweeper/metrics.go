package sweeper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sweepExpired = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "midswap",
		Subsystem: "sweeper",
		Name:      "expired_offers",
		Help:      "Number of offers expired in the last sweep.",
	})

	sweepEscrowReturned = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "midswap",
		Subsystem: "sweeper",
		Name:      "escrow_returns",
		Help:      "Number of escrow returns completed in the last sweep.",
	})

	sweepEscrowFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "midswap",
		Subsystem: "sweeper",
		Name:      "escrow_failures",
		Help:      "Number of offers given up on in the last sweep.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "midswap",
		Subsystem: "sweeper",
		Name:      "run_duration_seconds",
		Help:      "Duration of sweep runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "midswap",
		Subsystem: "sweeper",
		Name:      "errors_total",
		Help:      "Total sweep repair errors.",
	})
)

func init() {
	prometheus.MustRegister(
		sweepExpired,
		sweepEscrowReturned,
		sweepEscrowFailed,
		sweepDuration,
		sweepErrors,
	)
}

func observeSweep(elapsed time.Duration, res *Result) {
	sweepExpired.Set(float64(res.Expired))
	sweepEscrowReturned.Set(float64(res.EscrowReturned))
	sweepEscrowFailed.Set(float64(res.EscrowFailed))
	sweepDuration.Observe(elapsed.Seconds())
	sweepErrors.Add(float64(len(res.Errors)))
}
