package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatmesh/callsignal/internal/metrics"
	"github.com/chatmesh/callsignal/internal/ratelimit"
)

const writeWait = 1 * time.Second

type outbound struct {
	event string
	data  any
}

// client wraps one websocket connection. A read pump parses and dispatches
// inbound events; a write pump owns all writes (messages and pings) so that
// any component may enqueue concurrently.
type client struct {
	srv    *Server
	conn   *websocket.Conn
	connID string

	limiter *ratelimit.TokenBucket

	send chan outbound
	done chan struct{}

	closeOnce sync.Once

	mu            sync.Mutex
	participantID string
}

func (c *client) ConnID() string { return c.connID }

// Send enqueues an event for the write pump. Enqueue order is delivery
// order, which is what gives same-target messages their ordering guarantee.
// A full queue drops the message: delivery is best-effort by policy.
func (c *client) Send(event string, data any) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- outbound{event: event, data: data}:
		return true
	default:
		c.srv.metrics.DroppedTotal.WithLabelValues(metrics.DropReasonQueueFull).Inc()
		c.srv.log.Warn("drop: send queue full", "conn_id", c.connID, "event", event)
		return false
	}
}

func (c *client) setParticipantID(id string) {
	c.mu.Lock()
	c.participantID = id
	c.mu.Unlock()
}

func (c *client) getParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

func (c *client) readPump() {
	defer c.close()

	cfg := c.srv.cfg
	c.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.WSIdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.WSIdleTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.WSIdleTimeout))

		// Consume the message before enforcing the rate limit so the TCP
		// receive buffer is drained; closing with unread data can turn into
		// an abortive close that hides the close reason from the client.
		if !c.limiter.Allow() {
			c.srv.metrics.DroppedTotal.WithLabelValues(metrics.DropReasonRateLimited).Inc()
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			// Malformed framing is logged and skipped; one bad message must
			// not cost the connection, let alone the process.
			c.srv.metrics.DroppedTotal.WithLabelValues(metrics.DropReasonMalformed).Inc()
			c.srv.log.Warn("malformed envelope", "conn_id", c.connID, "err", err)
			continue
		}

		c.srv.dispatch(c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.srv.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(Envelope{Event: msg.event, Data: marshalData(msg.data)}); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.close()
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		c.srv.connectionClosed(c)
	})
}
