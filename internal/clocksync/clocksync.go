// Package clocksync estimates the offset between the controller clock and a
// node clock from round-trip probes. Outliers are rejected by latency, not
// by offset: round-trip time is the proxy for how trustworthy a sample is.
package clocksync

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"capctl/internal/model"
)

// ErrProbeTimeout means no TimeSyncResponse arrived in the probe window.
// The caller treats it as a dropped sample, not a failure.
var ErrProbeTimeout = errors.New("probe timeout")

// LatencyPercentile selects which samples survive the jitter filter: only
// those at or below this round-trip percentile are used for estimation.
const LatencyPercentile = 0.25

// MinConfidentSamples is the fewest retained samples that can back a
// confident estimate. Below it the stddev is vacuously small — one sample
// has zero spread — so precision alone says nothing.
const MinConfidentSamples = 3

// Transport performs one probe round-trip. Implementations send a
// TimeSyncRequest stamped sendTime and return the node's echoed local time
// plus the controller-side receive time.
type Transport interface {
	RoundTrip(ctx context.Context, nodeID string, sendTime time.Time) (nodeTime, recvTime time.Time, err error)
}

// Probe runs one round-trip against a node and derives a raw offset sample.
// One-way delay is assumed symmetric at half the measured round trip.
func Probe(ctx context.Context, tr Transport, nodeID string, timeout time.Duration) (model.OffsetSample, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	t1 := time.Now()
	nodeTime, t2, err := tr.RoundTrip(ctx, nodeID, t1)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.OffsetSample{}, ErrProbeTimeout
		}
		return model.OffsetSample{}, err
	}

	rtt := t2.Sub(t1)
	if rtt < 0 {
		rtt = 0
	}
	oneWay := rtt / 2
	offset := nodeTime.Add(oneWay).Sub(t2)

	return model.OffsetSample{RTT: rtt, Offset: offset, At: t2}, nil
}

// Window is a bounded rolling window of the most recent successful samples
// for one node.
type Window struct {
	max     int
	samples []model.OffsetSample
}

// NewWindow creates a window keeping at most max samples.
func NewWindow(max int) *Window {
	if max <= 0 {
		max = 20
	}
	return &Window{max: max}
}

// Add appends a sample, evicting the oldest when full.
func (w *Window) Add(s model.OffsetSample) {
	w.samples = append(w.samples, s)
	if len(w.samples) > w.max {
		w.samples = w.samples[len(w.samples)-w.max:]
	}
}

// Len returns the current sample count.
func (w *Window) Len() int { return len(w.samples) }

// Samples returns a copy of the window contents.
func (w *Window) Samples() []model.OffsetSample {
	return append([]model.OffsetSample(nil), w.samples...)
}

// Estimate computes the smoothed estimate from the window. It always
// returns the best available value; when the precision misses the
// tolerance the estimate is simply not Confident.
func (w *Window) Estimate(tolerance time.Duration) model.SyncEstimate {
	return Estimate(w.samples, tolerance)
}

// Estimate derives a SyncEstimate from raw samples:
//
//   - keep samples at or below the LatencyPercentile round-trip time
//   - smoothed offset is an inverse-latency weighted mean of the survivors
//   - drift is the least-squares slope of offset over sample time
//   - precision is the standard deviation of the surviving offsets
func Estimate(samples []model.OffsetSample, tolerance time.Duration) model.SyncEstimate {
	if len(samples) == 0 {
		return model.SyncEstimate{}
	}

	retained := filterByLatency(samples, LatencyPercentile)

	var weightSum, offsetSum float64
	for _, s := range retained {
		w := 1.0 / math.Max(float64(s.RTT), float64(time.Microsecond))
		weightSum += w
		offsetSum += w * float64(s.Offset)
	}
	offset := time.Duration(offsetSum / weightSum)

	drift := regressDrift(retained)
	precision := stddevOffset(retained)

	last := retained[0].At
	for _, s := range retained {
		if s.At.After(last) {
			last = s.At
		}
	}

	return model.SyncEstimate{
		Offset:     offset,
		Drift:      drift,
		Precision:  precision,
		LastSample: last,
		Samples:    len(retained),
		Confident:  len(retained) >= MinConfidentSamples && precision <= tolerance,
	}
}

// Corrected maps a node-local timestamp onto the controller timeline using
// a fixed estimate. Pure: global = local - offset - drift extrapolation
// from the last sample. Monotonic in local for any drift below 1 s/s.
func Corrected(est model.SyncEstimate, local time.Time) time.Time {
	corrected := local.Add(-est.Offset)
	if est.Drift != 0 && !est.LastSample.IsZero() {
		elapsed := local.Sub(est.LastSample)
		corrected = corrected.Add(-time.Duration(est.Drift * float64(elapsed)))
	}
	return corrected
}

// filterByLatency keeps samples whose RTT is at or below the given
// percentile of the window's RTTs. At least one sample always survives.
func filterByLatency(samples []model.OffsetSample, pct float64) []model.OffsetSample {
	rtts := make([]float64, 0, len(samples))
	for _, s := range samples {
		rtts = append(rtts, float64(s.RTT))
	}
	sort.Float64s(rtts)
	cutoff := percentile(rtts, pct)

	retained := make([]model.OffsetSample, 0, len(samples))
	for _, s := range samples {
		if float64(s.RTT) <= cutoff {
			retained = append(retained, s)
		}
	}
	if len(retained) == 0 {
		// Degenerate but defensive: cutoff always admits the minimum.
		retained = append(retained, samples[0])
	}
	return retained
}

// regressDrift fits offset (seconds) against sample time (seconds) and
// returns the slope. Needs at least two distinct sample times.
func regressDrift(samples []model.OffsetSample) float64 {
	if len(samples) < 2 {
		return 0
	}

	t0 := samples[0].At
	var sumX, sumY, sumXX, sumXY float64
	for _, s := range samples {
		x := s.At.Sub(t0).Seconds()
		y := s.Offset.Seconds()
		sumX += x
		sumY += y
		sumXX += x * x
		sumXY += x * y
	}

	n := float64(len(samples))
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func stddevOffset(samples []model.OffsetSample) time.Duration {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s.Offset)
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, s := range samples {
		d := float64(s.Offset) - mean
		sq += d * d
	}
	return time.Duration(math.Sqrt(sq / float64(len(samples))))
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
