package syncengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fleetTransport simulates per-node skew and latency; latency can be
// changed mid-test to model a network spike.
type fleetTransport struct {
	mu    sync.Mutex
	skew  map[string]time.Duration
	delay map[string]time.Duration
	calls map[string]int
}

func newFleetTransport() *fleetTransport {
	return &fleetTransport{
		skew:  make(map[string]time.Duration),
		delay: make(map[string]time.Duration),
		calls: make(map[string]int),
	}
}

func (f *fleetTransport) set(nodeID string, skew, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skew[nodeID] = skew
	f.delay[nodeID] = delay
}

func (f *fleetTransport) probes(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[nodeID]
}

func (f *fleetTransport) RoundTrip(ctx context.Context, nodeID string, sendTime time.Time) (time.Time, time.Time, error) {
	f.mu.Lock()
	skew := f.skew[nodeID]
	delay := f.delay[nodeID]
	f.calls[nodeID]++
	f.mu.Unlock()

	if delay >= 200*time.Millisecond {
		// Model the spike as jitter: offsets computed from these probes
		// scatter, so precision cannot converge.
		skew += time.Duration(f.probes(nodeID)%7) * 20 * time.Millisecond
	}
	nodeTime := sendTime.Add(delay).Add(skew)
	return nodeTime, sendTime.Add(2 * delay), nil
}

func testOptions() Options {
	return Options{
		ProbeTimeout:    100 * time.Millisecond,
		Window:          20,
		Tolerance:       5 * time.Millisecond,
		InitialAttempts: 10,
		InitialGap:      time.Millisecond,
		ResyncInterval:  50 * time.Millisecond,
		Extrapolation:   30 * time.Second,
	}
}

func TestInitialSyncConverges(t *testing.T) {
	t.Parallel()

	tr := newFleetTransport()
	tr.set("cam-a", 30*time.Millisecond, 2*time.Millisecond)

	e := New(tr, testOptions(), nil)
	e.Track("cam-a")

	est, err := e.InitialSync(context.Background(), "cam-a")
	require.NoError(t, err)
	require.True(t, est.Confident)
	require.InDelta(t, float64(30*time.Millisecond), float64(est.Offset), float64(time.Millisecond))
}

func TestInitialSyncPrecisionUnmet(t *testing.T) {
	t.Parallel()

	tr := newFleetTransport()
	tr.set("cam-d", 30*time.Millisecond, 300*time.Millisecond) // spiking

	opts := testOptions()
	opts.ProbeTimeout = time.Second // spike is jitter, not loss
	e := New(tr, opts, nil)
	e.Track("cam-d")

	est, err := e.InitialSync(context.Background(), "cam-d")
	require.ErrorIs(t, err, ErrPrecisionUnmet)
	// Best-available estimate survives with low confidence.
	require.False(t, est.Confident)
	require.NotZero(t, est.Samples)
}

func TestEnsureSyncedSkipsWhenConfident(t *testing.T) {
	t.Parallel()

	tr := newFleetTransport()
	tr.set("cam-a", 10*time.Millisecond, 2*time.Millisecond)

	e := New(tr, testOptions(), nil)
	e.Track("cam-a")

	_, err := e.InitialSync(context.Background(), "cam-a")
	require.NoError(t, err)
	before := tr.probes("cam-a")

	_, err = e.EnsureSynced(context.Background(), "cam-a")
	require.NoError(t, err)
	require.Equal(t, before, tr.probes("cam-a"), "confident estimate must not trigger probing")
}

func TestEstimateConfidenceDecays(t *testing.T) {
	t.Parallel()

	tr := newFleetTransport()
	tr.set("cam-a", 10*time.Millisecond, 2*time.Millisecond)

	e := New(tr, testOptions(), nil)
	e.Track("cam-a")
	_, err := e.InitialSync(context.Background(), "cam-a")
	require.NoError(t, err)

	est, ok := e.Estimate("cam-a")
	require.True(t, ok)
	require.True(t, est.Confident)

	// Jump the engine clock past the extrapolation horizon.
	e.now = func() time.Time { return time.Now().Add(time.Minute) }
	est, ok = e.Estimate("cam-a")
	require.True(t, ok)
	require.False(t, est.Confident, "stale estimate must lose confidence")
}

func TestCorrectedTimestampUnknownNode(t *testing.T) {
	t.Parallel()

	e := New(newFleetTransport(), testOptions(), nil)
	local := time.Now()
	got, ok := e.CorrectedTimestamp("ghost", local)
	require.False(t, ok)
	require.Equal(t, local, got)
}

func TestRunStaggersAcrossFleet(t *testing.T) {
	t.Parallel()

	tr := newFleetTransport()
	tr.set("cam-a", time.Millisecond, time.Millisecond)
	tr.set("cam-b", time.Millisecond, time.Millisecond)
	tr.set("cam-c", time.Millisecond, time.Millisecond)

	e := New(tr, testOptions(), nil)
	e.Track("cam-a")
	e.Track("cam-b")
	e.Track("cam-c")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	e.Run(ctx)

	// ~50ms per-node period across 3 nodes: every node gets probed.
	for _, id := range []string{"cam-a", "cam-b", "cam-c"} {
		require.Greater(t, tr.probes(id), 0, "node %s never probed", id)
	}
}

func TestForgetStopsTracking(t *testing.T) {
	t.Parallel()

	tr := newFleetTransport()
	tr.set("cam-a", time.Millisecond, time.Millisecond)

	e := New(tr, testOptions(), nil)
	e.Track("cam-a")
	require.NoError(t, e.ProbeOnce(context.Background(), "cam-a"))

	e.Forget("cam-a")
	_, ok := e.Estimate("cam-a")
	require.False(t, ok)
	require.ErrorIs(t, e.ProbeOnce(context.Background(), "cam-a"), ErrUnknownNode)
}
