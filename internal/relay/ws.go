package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Frame is the wire shape of one change notification.
type Frame struct {
	Doc     string `json:"doc"`
	Content string `json:"content"`
	Origin  string `json:"origin"`
}

// Hub is the websocket relay server. Every frame read from one
// connection is written to all other connections; the hub never
// inspects content and never filters by origin (that is the receiving
// engine's job).
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*hubConn]bool
}

type hubConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *hubConn) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:   logger,
		conns: make(map[*hubConn]bool),
	}
}

// ServeHTTP upgrades the request and pumps frames until the peer
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	hc := &hubConn{conn: conn}
	h.mu.Lock()
	h.conns[hc] = true
	total := len(h.conns)
	h.mu.Unlock()
	h.log.Info("relay peer connected", "remote", r.RemoteAddr, "peers", total)

	defer func() {
		h.mu.Lock()
		delete(h.conns, hc)
		h.mu.Unlock()
		conn.Close()
		h.log.Info("relay peer disconnected", "remote", r.RemoteAddr)
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("relay read error", "error", err, "remote", r.RemoteAddr)
			}
			return
		}
		h.fanOut(hc, frame)
	}
}

// fanOut writes the frame to every connection except the sender.
func (h *Hub) fanOut(from *hubConn, frame Frame) {
	h.mu.Lock()
	targets := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.writeFrame(frame); err != nil {
			h.log.Warn("relay write failed", "doc", frame.Doc, "error", err)
		}
	}
}

// Client connects an engine to a websocket hub. Outbound publishes
// become frames; inbound frames are handed to the handler (normally
// the engine's HandleBroadcast).
//
// Implements the engine's Publisher interface.
type Client struct {
	log     *slog.Logger
	conn    *websocket.Conn
	writeMu sync.Mutex
	handler Handler

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a hub at url (ws:// or wss://) and starts the read
// loop. The handler is invoked on the read goroutine for every inbound
// frame; it must not block.
func Dial(ctx context.Context, url string, handler Handler, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", url, err)
	}

	c := &Client{
		log:     logger,
		conn:    conn,
		handler: handler,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			// Disconnection is recoverable: remote updates stop
			// arriving, local dirty/clean state is untouched.
			c.log.Warn("relay connection lost", "error", err)
			return
		}
		if c.handler != nil {
			c.handler(frame.Doc, frame.Content, frame.Origin)
		}
	}
}

// Publish sends one change notification to the hub.
func (c *Client) Publish(docID, content, origin string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(Frame{Doc: docID, Content: content, Origin: origin}); err != nil {
		return fmt.Errorf("relay: publish doc %s: %w", docID, err)
	}
	return nil
}

// Close tears down the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.done
	})
	return err
}
