package agent

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"capctl/internal/channel"
	"capctl/internal/config"
	"capctl/internal/protocol"
)

// harness wires an agent to a fake controller over an in-memory pipe and
// collects everything the agent sends upstream.
type harness struct {
	agent *Agent
	ctrl  *channel.Conn
	node  *channel.Conn

	mu       sync.Mutex
	statuses []protocol.DeviceStatus
	syncResp chan protocol.TimeSyncResponse
}

func newHarness(t *testing.T, cfg config.NodeConfig) *harness {
	t.Helper()

	ctrlNC, nodeNC := net.Pipe()
	h := &harness{
		agent:    New(cfg),
		ctrl:     channel.New(ctrlNC, "controller"),
		syncResp: make(chan protocol.TimeSyncResponse, 16),
	}

	h.node = channel.New(nodeNC, cfg.Name)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(func() { h.ctrl.Close() })
	t.Cleanup(func() { h.node.Close() })

	go h.node.Serve(ctx, h.agent.handle)
	go h.ctrl.Serve(ctx, func(c *channel.Conn, env protocol.Envelope, msg protocol.Message) {
		switch m := msg.(type) {
		case *protocol.DeviceStatus:
			h.mu.Lock()
			h.statuses = append(h.statuses, *m)
			h.mu.Unlock()
		case *protocol.TimeSyncResponse:
			h.syncResp <- *m
		}
	})
	return h
}

func (h *harness) lastStatus(state string) *protocol.DeviceStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.statuses) - 1; i >= 0; i-- {
		if h.statuses[i].State == state {
			s := h.statuses[i]
			return &s
		}
	}
	return nil
}

func nodeCfg() config.NodeConfig {
	return config.NodeConfig{
		Name:         "cam-a",
		Controller:   "ignored",
		Sensors:      []string{"camera", "thermal"},
		HeartbeatSec: 1,
	}
}

func reqCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestTimeSyncAnsweredInline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nodeCfg())

	before := time.Now()
	_, err := h.ctrl.Send(protocol.TimeSyncRequest{SenderSendTime: before.UnixNano()})
	require.NoError(t, err)

	select {
	case resp := <-h.syncResp:
		got := protocol.NanosToTime(resp.NodeLocalTime)
		require.False(t, got.Before(before))
		require.Less(t, time.Since(got), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("no time sync response")
	}
}

func TestPrepareStartStopLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nodeCfg())

	prep := protocol.SessionPrepare{SessionID: "s1", SensorTypes: []string{"camera"}}
	ack, err := h.ctrl.Request(reqCtx(t), prep)
	require.NoError(t, err)
	require.Equal(t, "cam-a", ack.NodeID)

	// Global start already due: the agent starts immediately and confirms.
	start := protocol.SessionStart{SessionID: "s1", GlobalStartTime: time.Now().UnixNano()}
	_, err = h.ctrl.Request(reqCtx(t), start)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.lastStatus(protocol.DeviceStarted) != nil
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, h.agent.Recording())
	require.Equal(t, "s1", h.lastStatus(protocol.DeviceStarted).SessionID)

	_, err = h.ctrl.Request(reqCtx(t), protocol.SessionStop{SessionID: "s1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.lastStatus(protocol.DeviceStopped) != nil
	}, 2*time.Second, 10*time.Millisecond)
	require.False(t, h.agent.Recording())
}

func TestStartWithoutPrepareRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nodeCfg())

	start := protocol.SessionStart{SessionID: "ghost", GlobalStartTime: time.Now().UnixNano()}
	_, err := h.ctrl.Request(reqCtx(t), start)
	require.ErrorIs(t, err, channel.ErrAckTimeout)
	require.False(t, h.agent.Recording())
}

func TestPrepareFiltersUnknownSensors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nodeCfg())

	// Only biosignal requested, which this node does not carry.
	prep := protocol.SessionPrepare{SessionID: "s2", SensorTypes: []string{"biosignal"}}
	_, err := h.ctrl.Request(reqCtx(t), prep)
	require.ErrorIs(t, err, channel.ErrAckTimeout)

	// A mixed request arms only the declared sensors.
	prep.SensorTypes = []string{"biosignal", "camera"}
	_, err = h.ctrl.Request(reqCtx(t), prep)
	require.NoError(t, err)
}

func TestHeartbeatReflectsRecordingState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nodeCfg())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.agent.heartbeatLoop(ctx, h.node)

	require.Eventually(t, func() bool {
		return h.lastStatus(protocol.DeviceIdle) != nil
	}, 3*time.Second, 50*time.Millisecond)
}
