package control

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// client is a middleman between one websocket connection and the hub.
type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	// Buffered channel of outbound messages. Never closed; done ends the writer.
	send chan []byte
	done chan struct{}
}

// enqueue never blocks; a client that cannot keep up loses messages.
func (c *client) enqueue(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", zap.Error(err), zap.String("type", msg.Type))
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- b:
	default:
		c.server.logger.Warn("Client send buffer full, dropping message.",
			zap.String("client_id", c.id), zap.String("type", msg.Type))
	}
}

// readPump decodes commands until the connection fails.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.server.hub.unregisterClient(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Warn("Websocket client read error", zap.Error(err))
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.server.logger.Warn("Failed to unmarshal incoming command", zap.Error(err), zap.String("client_id", c.id))
			c.enqueue(Message{Type: MessageReply, Reply: &Reply{Command: "unknown", Error: "malformed command"}})
			continue
		}
		reply := c.server.handleCommand(ctx, cmd)
		c.enqueue(Message{Type: MessageReply, Reply: &reply})
	}
}

// writePump streams the activity log (replayed from the start) and hub
// messages to the connection.
func (c *client) writePump(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.conn.Close()
	}()

	entries := c.server.entries.Subscribe(ctx)
	write := func(b []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(websocket.TextMessage, b) == nil
	}

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case e, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			b, err := json.Marshal(Message{Type: MessageEntry, Entry: &e})
			if err != nil {
				continue
			}
			if !write(b) {
				return
			}
		case message := <-c.send:
			if !write(message) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// hub tracks connected clients and fans broadcasts out to them.
type hub struct {
	logger     *zap.Logger
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	stopped    chan struct{}
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger:     logger.Named("ws_hub"),
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopped:    make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	h.logger.Debug("WebSocket hub started.")
	defer h.logger.Debug("WebSocket hub stopped.")
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.done)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Info("Control client connected.", zap.String("client_id", c.id))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.done)
				h.logger.Info("Control client disconnected.", zap.String("client_id", c.id))
			}
		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					h.logger.Warn("Client send buffer full, dropping broadcast.", zap.String("client_id", c.id))
				}
			}
		}
	}
}

func (h *hub) registerClient(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *hub) unregisterClient(c *client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// publish never blocks the caller.
func (h *hub) publish(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.logger.Warn("Broadcast queue full, dropping message.", zap.String("type", msg.Type))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades an authenticated request into a control client.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	c := &client{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	if !s.hub.registerClient(c) {
		conn.Close()
		return
	}
	if pending, ok, _ := s.ctl.WatchPending(); ok {
		c.enqueue(Message{Type: MessagePending, Pending: &pending})
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	go c.writePump(ctx, cancel)
	go c.readPump(ctx)
}
