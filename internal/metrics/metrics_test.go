package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestProbeObservations(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s := NewSet(reg)

	s.ObserveProbe("cam-a", 3*time.Millisecond, nil)
	s.ObserveProbe("cam-a", 0, errors.New("probe timeout"))
	s.SetPrecision("cam-a", 2*time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(s.probeFailures.WithLabelValues("cam-a")))
	require.InDelta(t, 0.002, testutil.ToFloat64(s.precision.WithLabelValues("cam-a")), 1e-9)
}

func TestSessionCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	s := NewSet(reg)

	s.SessionTransition("active")
	s.SessionTransition("active")
	s.NodeExcluded("ack_timeout")
	s.SetConnected(4)

	require.Equal(t, 2.0, testutil.ToFloat64(s.sessionStates.WithLabelValues("active")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.excludedNodes.WithLabelValues("ack_timeout")))
	require.Equal(t, 4.0, testutil.ToFloat64(s.connectedNodes))
}
