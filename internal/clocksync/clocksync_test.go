package clocksync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"capctl/internal/model"
)

// fakeTransport simulates a node whose clock runs ahead of the controller
// by a fixed skew, reached over a configurable network delay.
type fakeTransport struct {
	skew  time.Duration
	delay time.Duration
	fail  bool
}

func (f *fakeTransport) RoundTrip(ctx context.Context, nodeID string, sendTime time.Time) (time.Time, time.Time, error) {
	if f.fail {
		<-ctx.Done()
		return time.Time{}, time.Time{}, ctx.Err()
	}
	nodeTime := sendTime.Add(f.delay).Add(f.skew)
	recvTime := sendTime.Add(2 * f.delay)
	return nodeTime, recvTime, nil
}

func TestProbeDerivesOffset(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{skew: 40 * time.Millisecond, delay: 3 * time.Millisecond}
	s, err := Probe(context.Background(), tr, "cam-a", time.Second)
	require.NoError(t, err)

	require.InDelta(t, float64(6*time.Millisecond), float64(s.RTT), float64(2*time.Millisecond))
	require.InDelta(t, float64(40*time.Millisecond), float64(s.Offset), float64(2*time.Millisecond))
}

func TestProbeTimeout(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{fail: true}
	_, err := Probe(context.Background(), tr, "cam-a", 20*time.Millisecond)
	require.ErrorIs(t, err, ErrProbeTimeout)
}

func mkSample(at time.Time, rtt, offset time.Duration) model.OffsetSample {
	return model.OffsetSample{RTT: rtt, Offset: offset, At: at}
}

func TestEstimateConvergence(t *testing.T) {
	t.Parallel()

	// Stable latency, stable skew: precision must fall under tolerance.
	base := time.Now()
	w := NewWindow(20)
	for i := 0; i < 20; i++ {
		jitter := time.Duration(i%3) * 100 * time.Microsecond
		w.Add(mkSample(base.Add(time.Duration(i)*time.Second), 4*time.Millisecond+jitter, 25*time.Millisecond+jitter/4))
	}

	est := w.Estimate(5 * time.Millisecond)
	require.True(t, est.Confident)
	require.InDelta(t, float64(25*time.Millisecond), float64(est.Offset), float64(time.Millisecond))
	require.Less(t, est.Precision, 5*time.Millisecond)
}

func TestEstimateOutlierRejectionByLatency(t *testing.T) {
	t.Parallel()

	base := time.Now()
	clean := make([]model.OffsetSample, 0, 20)
	for i := 0; i < 19; i++ {
		clean = append(clean, mkSample(base.Add(time.Duration(i)*time.Second), 4*time.Millisecond, 25*time.Millisecond))
	}
	before := Estimate(clean, 5*time.Millisecond)

	// One 300ms latency spike with a wildly wrong raw offset must be
	// filtered out by its latency, not averaged in.
	spiked := append(append([]model.OffsetSample(nil), clean...),
		mkSample(base.Add(19*time.Second), 300*time.Millisecond, 175*time.Millisecond))
	after := Estimate(spiked, 5*time.Millisecond)

	require.InDelta(t, float64(before.Offset), float64(after.Offset), float64(500*time.Microsecond))
	require.True(t, after.Confident)
}

func TestEstimateLowConfidenceStillReturnsValue(t *testing.T) {
	t.Parallel()

	base := time.Now()
	noisy := []model.OffsetSample{
		mkSample(base, 4*time.Millisecond, 10*time.Millisecond),
		mkSample(base.Add(time.Second), 4*time.Millisecond, 60*time.Millisecond),
		mkSample(base.Add(2*time.Second), 4*time.Millisecond, -40*time.Millisecond),
		mkSample(base.Add(3*time.Second), 4*time.Millisecond, 90*time.Millisecond),
	}

	est := Estimate(noisy, time.Millisecond)
	require.False(t, est.Confident)
	require.NotZero(t, est.Offset)
	require.Equal(t, 4, est.Samples)
}

func TestEstimateNeedsSamplesForConfidence(t *testing.T) {
	t.Parallel()

	// One or two samples have no meaningful spread; a tight stddev there
	// must not count as confidence.
	base := time.Now()
	samples := []model.OffsetSample{
		mkSample(base, 4*time.Millisecond, 25*time.Millisecond),
	}

	est := Estimate(samples, 5*time.Millisecond)
	require.False(t, est.Confident)
	require.Equal(t, 1, est.Samples)
	require.Equal(t, 25*time.Millisecond, est.Offset)

	samples = append(samples, mkSample(base.Add(time.Second), 4*time.Millisecond, 25*time.Millisecond))
	require.False(t, Estimate(samples, 5*time.Millisecond).Confident)

	samples = append(samples, mkSample(base.Add(2*time.Second), 4*time.Millisecond, 25*time.Millisecond))
	est = Estimate(samples, 5*time.Millisecond)
	require.True(t, est.Confident)
	require.Equal(t, MinConfidentSamples, est.Samples)
}

func TestEstimateDriftRegression(t *testing.T) {
	t.Parallel()

	// Offset grows 1ms per second: drift must come out near 1e-3 s/s.
	base := time.Now()
	samples := make([]model.OffsetSample, 0, 10)
	for i := 0; i < 10; i++ {
		samples = append(samples, mkSample(
			base.Add(time.Duration(i)*time.Second),
			4*time.Millisecond,
			time.Duration(i)*time.Millisecond,
		))
	}

	est := Estimate(samples, 20*time.Millisecond)
	require.InDelta(t, 1e-3, est.Drift, 1e-5)
}

func TestWindowBounded(t *testing.T) {
	t.Parallel()

	w := NewWindow(5)
	base := time.Now()
	for i := 0; i < 12; i++ {
		w.Add(mkSample(base.Add(time.Duration(i)*time.Second), 4*time.Millisecond, 0))
	}
	require.Equal(t, 5, w.Len())
	require.Equal(t, base.Add(11*time.Second), w.Samples()[4].At)
}

func TestCorrectedMonotonic(t *testing.T) {
	t.Parallel()

	base := time.Now()
	est := model.SyncEstimate{
		Offset:     30 * time.Millisecond,
		Drift:      2e-4,
		LastSample: base,
	}

	prev := Corrected(est, base)
	for i := 1; i <= 1000; i++ {
		local := base.Add(time.Duration(i) * 7 * time.Millisecond)
		cur := Corrected(est, local)
		require.False(t, cur.Before(prev), "corrected time went backwards at step %d", i)
		prev = cur
	}
}

func TestCorrectedExtrapolatesDrift(t *testing.T) {
	t.Parallel()

	base := time.Now()
	est := model.SyncEstimate{
		Offset:     10 * time.Millisecond,
		Drift:      1e-3, // node gains 1ms per second
		LastSample: base,
	}

	// 10 seconds past the last sample the node clock has gained another
	// 10ms; the correction must remove offset plus extrapolated drift.
	local := base.Add(10 * time.Second)
	got := Corrected(est, local)
	want := local.Add(-20 * time.Millisecond)
	require.WithinDuration(t, want, got, 100*time.Microsecond)
}
