package channel

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"capctl/internal/protocol"
)

func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	ctl := New(a, "controller")
	node := New(b, "cam-a")
	t.Cleanup(func() {
		_ = ctl.Close()
		_ = node.Close()
	})
	return ctl, node
}

func TestRequestAck(t *testing.T) {
	t.Parallel()

	ctl, node := pipePair(t)

	go node.Serve(context.Background(), func(c *Conn, env protocol.Envelope, msg protocol.Message) {
		if _, ok := msg.(*protocol.SessionPrepare); ok {
			_, _ = c.Send(protocol.Ack{InReplyTo: env.Seq, NodeID: "cam-a"})
		}
	})
	go ctl.Serve(context.Background(), func(*Conn, protocol.Envelope, protocol.Message) {})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ack, err := ctl.Request(ctx, protocol.SessionPrepare{SessionID: "s1", SensorTypes: []string{"camera"}})
	require.NoError(t, err)
	require.Equal(t, "cam-a", ack.NodeID)
}

func TestRequestAckTimeout(t *testing.T) {
	t.Parallel()

	ctl, node := pipePair(t)

	// Node reads but never acks.
	go node.Serve(context.Background(), func(*Conn, protocol.Envelope, protocol.Message) {})
	go ctl.Serve(context.Background(), func(*Conn, protocol.Envelope, protocol.Message) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ctl.Request(ctx, protocol.SessionStop{SessionID: "s1"})
	require.ErrorIs(t, err, ErrAckTimeout)
}

func TestRequestConnectionLost(t *testing.T) {
	t.Parallel()

	ctl, node := pipePair(t)
	go ctl.Serve(context.Background(), func(*Conn, protocol.Envelope, protocol.Message) {})

	errCh := make(chan error, 1)
	go func() {
		_, err := ctl.Request(context.Background(), protocol.SessionStop{SessionID: "s1"})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_ = node.Close()
	_ = ctl.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not fail after close")
	}
}

func TestMalformedFrameGetsErrorReply(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	ctl := New(a, "controller")
	t.Cleanup(func() { _ = ctl.Close(); _ = b.Close() })

	go ctl.Serve(context.Background(), func(*Conn, protocol.Envelope, protocol.Message) {
		t.Error("malformed frame must not be dispatched")
	})

	_, err := b.Write([]byte(`{"type":"register","sender_id":"x","seq":1,"payload":{"bogus":1}}` + "\n"))
	require.NoError(t, err)

	scanner := bufio.NewScanner(b)
	require.True(t, scanner.Scan())
	env, msg, err := protocol.Decode(scanner.Bytes())
	require.NoError(t, err)
	require.Equal(t, protocol.KindError, env.Type)
	require.Equal(t, protocol.CodeValidation, msg.(*protocol.Error).Code)
}

func TestSeqRegressionRejected(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	ctl := New(a, "controller")
	t.Cleanup(func() { _ = ctl.Close(); _ = b.Close() })

	var got []protocol.Kind
	done := make(chan struct{}, 2)
	go ctl.Serve(context.Background(), func(_ *Conn, env protocol.Envelope, _ protocol.Message) {
		got = append(got, env.Type)
		done <- struct{}{}
	})

	frame1, err := protocol.Encode("cam-a", 5, protocol.DeviceStatus{NodeID: "cam-a", State: protocol.DeviceIdle})
	require.NoError(t, err)
	frame2, err := protocol.Encode("cam-a", 3, protocol.DeviceStatus{NodeID: "cam-a", State: protocol.DeviceIdle})
	require.NoError(t, err)

	_, err = b.Write(append(frame1, '\n'))
	require.NoError(t, err)
	<-done
	_, err = b.Write(append(frame2, '\n'))
	require.NoError(t, err)

	// The regressing frame is answered with a seq_order error, not dispatched.
	scanner := bufio.NewScanner(b)
	require.True(t, scanner.Scan())
	env, msg, err := protocol.Decode(scanner.Bytes())
	require.NoError(t, err)
	require.Equal(t, protocol.KindError, env.Type)
	require.Equal(t, protocol.CodeSeqOrder, msg.(*protocol.Error).Code)
	require.Len(t, got, 1)
}

func TestConcurrentSendersKeepWireOrder(t *testing.T) {
	t.Parallel()

	ctl, node := pipePair(t)

	const senders = 8
	const perSender = 50

	var mu sync.Mutex
	received := 0
	allIn := make(chan struct{})
	go node.Serve(context.Background(), func(_ *Conn, _ protocol.Envelope, _ protocol.Message) {
		mu.Lock()
		received++
		if received == senders*perSender {
			close(allIn)
		}
		mu.Unlock()
	})

	// A seq inversion on the wire comes back as a seq_order Error and the
	// inverted frame is dropped; neither may happen.
	go ctl.Serve(context.Background(), func(_ *Conn, _ protocol.Envelope, msg protocol.Message) {
		if e, ok := msg.(*protocol.Error); ok {
			t.Errorf("peer rejected a frame: code=%s %s", e.Code, e.Message)
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				if _, err := ctl.Send(protocol.DeviceStatus{NodeID: "cam-a", State: protocol.DeviceIdle}); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-allIn:
	case <-time.After(5 * time.Second):
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("received %d of %d frames", received, senders*perSender)
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	t.Parallel()

	hub := NewHub()

	ctlA, nodeA := pipePair(t)
	ctlB, nodeB := pipePair(t)
	hub.Add("cam-a", ctlA)
	hub.Add("cam-b", ctlB)

	go nodeA.Serve(context.Background(), func(c *Conn, env protocol.Envelope, _ protocol.Message) {
		_, _ = c.Send(protocol.Ack{InReplyTo: env.Seq, NodeID: "cam-a"})
	})
	go nodeB.Serve(context.Background(), func(*Conn, protocol.Envelope, protocol.Message) {}) // never acks
	go ctlA.Serve(context.Background(), func(*Conn, protocol.Envelope, protocol.Message) {})
	go ctlB.Serve(context.Background(), func(*Conn, protocol.Envelope, protocol.Message) {})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	results := hub.Broadcast(ctx, []string{"cam-a", "cam-b", "cam-c"}, protocol.SessionStop{SessionID: "s1"})
	require.NoError(t, results["cam-a"])
	require.ErrorIs(t, results["cam-b"], ErrAckTimeout)
	require.ErrorIs(t, results["cam-c"], ErrConnectionLost)
}

func TestHubReplaceAndRemove(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	a1, _ := net.Pipe()
	a2, _ := net.Pipe()
	c1 := New(a1, "controller")
	c2 := New(a2, "controller")
	t.Cleanup(func() { _ = c1.Close(); _ = c2.Close() })

	require.Nil(t, hub.Add("cam-a", c1))
	require.Same(t, c1, hub.Add("cam-a", c2))

	// Removing the stale channel must not evict the replacement, and must
	// report that the channel was already superseded.
	require.False(t, hub.Remove("cam-a", c1))
	got, ok := hub.Get("cam-a")
	require.True(t, ok)
	require.Same(t, c2, got)

	require.True(t, hub.Remove("cam-a", c2))
	_, ok = hub.Get("cam-a")
	require.False(t, ok)
}
