package client

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/wsbroker/broker/internal/codec"
)

const writeWait = 5 * time.Second

// dial opens the transport and starts the pumps for the new connection.
func (c *Client) dial() error {
	target, err := c.url()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, _, err := ws.Dialer{}.Dial(ctx, target)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.send = make(chan []byte, 256)
	sendCh := c.send
	c.connMu.Unlock()

	atomic.StoreInt32(&c.attempt, 0)
	atomic.StoreInt32(&c.heartbeatMisses, 0)

	c.wg.Add(3)
	go c.readPump(conn)
	go c.writePump(conn, sendCh)
	go c.heartbeatLoop()

	return nil
}

// readPump is the client's single reader, the counterpart of
// pkg/broker's readPump: any read error is treated as transport loss and
// hands off to reconnection.
func (c *Client) readPump(conn net.Conn) {
	defer c.wg.Done()
	defer c.onTransportLost("read_error")

	for {
		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			return
		}
		switch op {
		case ws.OpText, ws.OpBinary:
			c.processInbound(msg)
		case ws.OpClose:
			return
		}
	}
}

func (c *Client) processInbound(raw []byte) {
	out, err := c.codec.Decode(raw)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to decode inbound frame")
		return
	}

	frame := out.Frame
	switch frame.Type {
	case codec.TypeHeartbeatAck:
		c.onHeartbeatAck()
	case codec.TypeHeartbeat:
		c.writeFrame(codec.EncodeInput{Type: codec.TypeHeartbeatAck, Namespace: c.opts.Namespace})
	case codec.TypeAck:
		var value any = out.Value
		if out.Raw != nil {
			value = out.Raw
		}
		if !c.acks.Resolve(frame.AckID, value) {
			c.logger.Warn().Uint32("ack_id", frame.AckID).Msg("ack frame referenced an unknown or already-resolved ack id")
		}
	case codec.TypeEvent:
		var value any = out.Value
		if out.Raw != nil {
			value = out.Raw
		}
		if h, ok := c.handlerFor(frame.Event); ok {
			h(value)
		}
	}
}

// writePump is the client's single writer for this connection. It exits
// when the connection is replaced (sendCh belongs to one dial only) or the
// client is closed.
func (c *Client) writePump(conn net.Conn, sendCh chan []byte) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case data, ok := <-sendCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteClientMessage(conn, ws.OpBinary, data); err != nil {
				c.onTransportLost("write_error")
				return
			}
		}
	}
}

// onTransportLost is called from either pump when the connection drops
// unexpectedly. It starts reconnection unless the user already closed the
// client.
func (c *Client) onTransportLost(reason string) {
	if atomic.LoadInt32(&c.userClosed) == 1 {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.reconnecting, 0, 1) {
		return // a reconnectLoop is already running for this transport loss
	}
	c.logger.Warn().Str("reason", reason).Msg("transport lost, reconnecting")
	c.setState(StateReconnecting)
	go c.reconnectLoop()
}

// reconnectLoop retries with exponential backoff until it succeeds, the
// user closes the client, or maxReconnectAttempts is exceeded (spec §4.7).
func (c *Client) reconnectLoop() {
	defer atomic.StoreInt32(&c.reconnecting, 0)

	for {
		if atomic.LoadInt32(&c.userClosed) == 1 {
			return
		}
		attempt := int(atomic.LoadInt32(&c.attempt))
		if attempt >= c.opts.MaxReconnectAttempts {
			c.setState(StateClosed)
			c.fireLocal("max_reconnect_reached", nil)
			return
		}

		delay := backoff(c.opts.ReconnectDelay, attempt)
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		atomic.AddInt32(&c.attempt, 1)
		if err := c.dial(); err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect attempt failed")
			continue
		}

		c.setState(StateOpen)
		c.flushQueue()
		c.fireLocal("reconnected", nil)
		return
	}
}

// heartbeatLoop sends a HEARTBEAT every HeartbeatInterval and expects a
// HEARTBEAT_ACK within HeartbeatAckWait; three consecutive misses force a
// reconnect (spec §4.7).
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.probeHeartbeat() {
				return
			}
		}
	}
}

// probeHeartbeat sends one heartbeat and waits for its ack, returning true
// if the caller's loop should stop (client closed or a reconnect was
// triggered, which will spin up its own fresh heartbeatLoop).
func (c *Client) probeHeartbeat() bool {
	ackCh := make(chan struct{}, 1)
	c.heartbeatMu.Lock()
	c.pendingProbe = ackCh
	c.heartbeatMu.Unlock()

	c.writeFrame(codec.EncodeInput{Type: codec.TypeHeartbeat, Namespace: c.opts.Namespace})

	select {
	case <-ackCh:
		return false
	case <-c.done:
		return true
	case <-time.After(c.opts.HeartbeatAckWait):
		consecutiveMisses := atomic.AddInt32(&c.heartbeatMisses, 1)
		if consecutiveMisses >= 3 {
			atomic.StoreInt32(&c.heartbeatMisses, 0)
			c.onTransportLost("heartbeat_timeout")
			return true
		}
		return false
	}
}

func (c *Client) onHeartbeatAck() {
	atomic.StoreInt32(&c.heartbeatMisses, 0)
	c.heartbeatMu.Lock()
	ch := c.pendingProbe
	c.pendingProbe = nil
	c.heartbeatMu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
