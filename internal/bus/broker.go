package bus

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Broker is the in-process pub/sub hub. Every connected client declares topic
// patterns; published frames fan out to all matching connections, including
// the publisher's own, so a forwarder can observe messages it injected
// locally. Relay topic sets must therefore stay disjoint per direction.
type Broker struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*brokerConn]struct{}

	ln  net.Listener
	srv *http.Server
}

type brokerConn struct {
	ws   *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	patterns []string
}

// NewBroker constructs a broker; call Start to bind it.
func NewBroker(log zerolog.Logger) *Broker {
	return &Broker{
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 1 << 16, WriteBufferSize: 1 << 16},
		conns:    make(map[*brokerConn]struct{}),
	}
}

// Start listens on addr and serves websocket upgrades at /bus. Use ":0" to
// bind an ephemeral port and read it back via Addr.
func (b *Broker) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	b.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/bus", b.handleWS)
	b.srv = &http.Server{Handler: mux}
	go func() {
		if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Error().Err(err).Msg("bus broker stopped")
		}
	}()
	b.log.Info().Str("addr", ln.Addr().String()).Msg("bus broker listening")
	return nil
}

// Addr returns the bound listen address.
func (b *Broker) Addr() string {
	if b.ln == nil {
		return ""
	}
	return b.ln.Addr().String()
}

// URL returns the websocket URL clients should dial.
func (b *Broker) URL() string { return "ws://" + b.Addr() + "/bus" }

// Close tears down the listener and every live connection.
func (b *Broker) Close() error {
	var err error
	if b.srv != nil {
		err = b.srv.Close()
	}
	b.mu.Lock()
	for c := range b.conns {
		delete(b.conns, c)
		close(c.send)
	}
	b.mu.Unlock()
	return err
}

func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("bus upgrade failed")
		return
	}
	conn := &brokerConn{ws: ws, send: make(chan []byte, 256)}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	go conn.writePump()
	b.readLoop(conn)
}

func (b *Broker) readLoop(conn *brokerConn) {
	defer b.unregister(conn)
	conn.ws.SetReadLimit(1 << 22)
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := decodeFrame(data)
		if err != nil {
			b.log.Warn().Err(err).Msg("dropping undecodable bus frame")
			continue
		}
		if msg.Topic == subscribeTopic {
			conn.addPattern(string(msg.Payload))
			continue
		}
		b.fanout(msg.Topic, data)
	}
}

// fanout forwards the original frame bytes untouched; payloads are never
// re-encoded by the broker.
func (b *Broker) fanout(topic string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		if !c.matches(topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow subscriber: prune rather than stall the hub.
			b.log.Warn().Str("topic", topic).Msg("pruning slow bus subscriber")
			delete(b.conns, c)
			close(c.send)
		}
	}
}

func (b *Broker) unregister(conn *brokerConn) {
	b.mu.Lock()
	if _, ok := b.conns[conn]; ok {
		delete(b.conns, conn)
		close(conn.send)
	}
	b.mu.Unlock()
}

func (c *brokerConn) addPattern(pattern string) {
	if pattern == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.patterns {
		if p == pattern {
			return
		}
	}
	c.patterns = append(c.patterns, pattern)
}

func (c *brokerConn) matches(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.patterns {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}

func (c *brokerConn) writePump() {
	defer c.ws.Close()
	for data := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
}
