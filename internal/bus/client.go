package bus

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by publishes while the client is degraded.
// Local state queries keep working; only bus traffic is refused.
var ErrNotConnected = errors.New("bus client not connected")

// Client is a reconnecting bus connection. Handlers run sequentially on the
// read goroutine, so a single subscriber needs no extra locking around its
// own state.
type Client struct {
	url string
	log zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []subscription

	writeMu   sync.Mutex
	connected atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type subscription struct {
	pattern string
	handler Handler
}

// Dial connects to the broker and starts the receive loop.
func Dial(ctx context.Context, url string, log zerolog.Logger) (*Client, error) {
	c := &Client{url: url, log: log, closed: make(chan struct{})}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.connected.Store(true)

	c.wg.Add(1)
	go c.run()
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 22)
	return conn, nil
}

// Subscribe registers a handler for a topic pattern. Subscriptions survive
// reconnects; they are replayed against the new connection.
func (c *Client) Subscribe(pattern string, h Handler) {
	c.mu.Lock()
	c.subs = append(c.subs, subscription{pattern: pattern, handler: h})
	c.mu.Unlock()

	if err := c.write(Message{Topic: subscribeTopic, Payload: []byte(pattern)}); err != nil {
		c.log.Warn().Err(err).Str("pattern", pattern).Msg("subscribe deferred until reconnect")
	}
}

// Publish sends an opaque payload on a topic.
func (c *Client) Publish(topic string, payload []byte) error {
	return c.PublishAs(topic, "", payload)
}

// PublishAs sends a payload tagged with an originating bot identifier. The
// payload bytes are transmitted verbatim.
func (c *Client) PublishAs(topic, botID string, payload []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	return c.write(Message{Topic: topic, BotID: botID, Payload: payload})
}

// PublishJSON marshals v and publishes it on a topic.
func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Publish(topic, data)
}

// IsConnected reports bus health; false means the client is degraded and
// publishing will fail until the reconnect loop succeeds.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Close shuts the connection down permanently.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.connected.Store(false)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
	return nil
}

func (c *Client) write(m Message) error {
	data, err := encodeFrame(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		err := c.readLoop(conn)
		if c.isClosed() {
			return
		}
		c.connected.Store(false)
		c.log.Warn().Err(err).Msg("bus disconnected, entering degraded mode")

		if !c.reconnect() {
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := decodeFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("skipping undecodable bus frame")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		if MatchTopic(s.pattern, msg.Topic) {
			s.handler(msg)
		}
	}
}

// reconnect retries with exponential backoff until success or Close.
func (c *Client) reconnect() bool {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-c.closed:
			return false
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Dur("backoff", backoff).Msg("bus reconnect failed, retrying")
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}

		c.mu.Lock()
		c.conn = conn
		patterns := make([]string, 0, len(c.subs))
		for _, s := range c.subs {
			patterns = append(patterns, s.pattern)
		}
		c.mu.Unlock()
		c.connected.Store(true)

		for _, p := range patterns {
			if err := c.write(Message{Topic: subscribeTopic, Payload: []byte(p)}); err != nil {
				c.log.Warn().Err(err).Str("pattern", p).Msg("resubscribe failed")
			}
		}
		c.log.Info().Msg("bus reconnected")
		return true
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
