// Package channel implements the per-node control channel: an ordered,
// bidirectional stream of control messages over a dedicated TCP connection.
// The data plane never shares this socket, so control traffic cannot queue
// behind bulk sensor transfers.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"capctl/internal/protocol"
)

var (
	// ErrAckTimeout means a command was delivered but not acknowledged in time.
	ErrAckTimeout = errors.New("ack timeout")
	// ErrConnectionLost means the channel closed before the operation finished.
	ErrConnectionLost = errors.New("connection lost")
)

const (
	sendQueueDepth = 64
	writeTimeout   = 5 * time.Second
)

// Handler receives every decoded inbound message except Acks, which the
// channel consumes to resolve pending requests. It runs on the read-loop
// goroutine: anything that must answer fast (time sync echoes) replies
// inline, everything else should hand off.
type Handler func(c *Conn, env protocol.Envelope, msg protocol.Message)

// Conn is one end of a control channel.
type Conn struct {
	nc      net.Conn
	localID string

	// sendMu serializes seq assignment with the enqueue so frames hit the
	// wire in seq order even with concurrent senders.
	sendMu sync.Mutex
	sendQ  chan []byte

	mu       sync.Mutex
	remoteID string
	nextSeq  uint64
	lastRecv uint64
	pending  map[uint64]chan protocol.Ack
	closed   bool

	done chan struct{}
}

// New wraps an established connection. The caller must invoke Serve to
// start dispatching inbound messages.
func New(nc net.Conn, localID string) *Conn {
	c := &Conn{
		nc:      nc,
		localID: localID,
		sendQ:   make(chan []byte, sendQueueDepth),
		pending: make(map[uint64]chan protocol.Ack),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Dial connects to a controller control-plane address.
func Dial(addr, localID string, timeout time.Duration) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return New(nc, localID), nil
}

// RemoteID returns the peer identity learned from its Register message.
func (c *Conn) RemoteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// SetRemoteID records the peer identity once the handshake names it.
func (c *Conn) SetRemoteID(id string) {
	c.mu.Lock()
	c.remoteID = id
	c.mu.Unlock()
}

// Send assigns the next sequence number and queues the message. It returns
// the assigned seq so callers can correlate Acks.
func (c *Conn) Send(msg protocol.Message) (uint64, error) {
	return c.enqueue(msg, nil)
}

// enqueue assigns a seq and pushes the frame under sendMu. Doing both under
// one lock keeps seq order and wire order identical; an interleaving window
// between them would make the peer reject the lower seq as a regression.
func (c *Conn) enqueue(msg protocol.Message, ackCh chan protocol.Ack) (uint64, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrConnectionLost
	}
	c.nextSeq++
	seq := c.nextSeq
	if ackCh != nil {
		c.pending[seq] = ackCh
	}
	c.mu.Unlock()

	frame, err := protocol.Encode(c.localID, seq, msg)
	if err != nil {
		c.dropPending(seq)
		return 0, err
	}

	select {
	case c.sendQ <- frame:
		return seq, nil
	case <-c.done:
		c.dropPending(seq)
		return 0, ErrConnectionLost
	}
}

// Request sends a state-changing command and waits for its Ack. A context
// deadline maps to ErrAckTimeout; a closed channel maps to ErrConnectionLost.
func (c *Conn) Request(ctx context.Context, msg protocol.Message) (protocol.Ack, error) {
	ackCh := make(chan protocol.Ack, 1)

	seq, err := c.enqueue(msg, ackCh)
	if err != nil {
		return protocol.Ack{}, err
	}

	select {
	case ack := <-ackCh:
		return ack, nil
	case <-c.done:
		c.dropPending(seq)
		return protocol.Ack{}, ErrConnectionLost
	case <-ctx.Done():
		c.dropPending(seq)
		return protocol.Ack{}, ErrAckTimeout
	}
}

// Serve reads frames until the connection fails or ctx is cancelled.
// Inbound Acks resolve pending Requests; everything else goes to handler
// in arrival order.
func (c *Conn) Serve(ctx context.Context, handler Handler) error {
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-c.done:
			}
		}()
	}

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 4096), protocol.MaxFrameSize)

	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}

		env, msg, err := c.decodeFrame(frame)
		if err != nil {
			// Malformed input is answered and dropped, never dispatched.
			c.replyError(env, err)
			continue
		}

		if ack, ok := msg.(*protocol.Ack); ok {
			c.resolveAck(*ack)
			continue
		}
		handler(c, env, msg)
	}

	err := scanner.Err()
	c.Close()
	if err == nil {
		err = ErrConnectionLost
	}
	return err
}

// decodeFrame validates the frame and enforces per-connection seq
// monotonicity.
func (c *Conn) decodeFrame(frame []byte) (protocol.Envelope, protocol.Message, error) {
	env, msg, err := protocol.Decode(frame)
	if err != nil {
		return env, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if env.Seq <= c.lastRecv {
		return env, nil, fmt.Errorf("seq %d not after %d", env.Seq, c.lastRecv)
	}
	c.lastRecv = env.Seq
	return env, msg, nil
}

func (c *Conn) replyError(env protocol.Envelope, cause error) {
	code := protocol.CodeSeqOrder
	var verr *protocol.ValidationError
	if errors.As(cause, &verr) {
		code = protocol.CodeValidation
	}

	reply := protocol.Error{Code: code, Message: cause.Error()}
	if env.Seq > 0 {
		seq := env.Seq
		reply.InReplyTo = &seq
	}
	if _, err := c.Send(reply); err != nil {
		log.Printf("channel: error reply failed peer=%s: %v", c.RemoteID(), err)
	}
}

func (c *Conn) resolveAck(ack protocol.Ack) {
	c.mu.Lock()
	ch, ok := c.pending[ack.InReplyTo]
	if ok {
		delete(c.pending, ack.InReplyTo)
	}
	c.mu.Unlock()
	if ok {
		ch <- ack
	}
}

func (c *Conn) dropPending(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// Close tears the channel down. Pending Requests fail with
// ErrConnectionLost. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pending = make(map[uint64]chan protocol.Ack)
	c.mu.Unlock()

	close(c.done)
	return c.nc.Close()
}

func (c *Conn) writeLoop() {
	for {
		select {
		case frame := <-c.sendQ:
			_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.nc.Write(append(frame, '\n')); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
