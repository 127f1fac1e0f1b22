// Package publish streams acquisition events to presentation clients over
// websockets and accepts tare, pause, resume and reload commands back from
// them.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wbbpad/wbbpad/board"
)

const (
	sendBuffer   = 64
	writeTimeout = 2 * time.Second
)

// Message is the envelope of every websocket message in both directions.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Command is a message sent by a client.
type Command struct {
	Type   string `json:"type"`
	Resume *bool  `json:"resume,omitempty"`
}

type statusData struct {
	Text string `json:"text"`
}

type errorData struct {
	Message string `json:"message"`
}

type tareData struct {
	Phase   string             `json:"phase"`
	Offsets map[string]float64 `json:"offsets,omitempty"`
	StdDev  map[string]float64 `json:"std_dev,omitempty"`
	Samples int                `json:"samples,omitempty"`
	Error   string             `json:"error,omitempty"`
}

type outputData struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

type finishedData struct {
	Error string `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// writePump owns all writes to the connection.
func (c *client) writePump() {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.conn.Close()
}

// Hub fans board events out to every connected client. It implements
// board.EventSink and never blocks the caller: a client whose buffer is full
// misses the message.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// OnTare runs when a client requests a tare.
	OnTare func(resume bool)
	// OnPause and OnResume run when a client pauses or resumes streaming.
	OnPause  func()
	OnResume func()
	// OnReload runs when a client requests a mapping reload.
	OnReload func()

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	output  []byte
	dropped atomic.Uint64
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// local tool; any origin may watch
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many per-client messages were discarded.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) add(conn *websocket.Conn) (*client, bool) {
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.clients[c] = struct{}{}
	if h.output != nil {
		c.send <- h.output
	}
	return c, true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Broadcast marshals msg once and queues it for every client.
func (h *Hub) Broadcast(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode websocket message", "type", msg.Type, "error", err)
		return
	}
	h.send(b)
}

func (h *Hub) send(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) reply(c *client, msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) Frame(f board.Frame) { h.Broadcast(Message{Type: "frame", Data: f}) }
func (h *Hub) Status(text string)  { h.Broadcast(Message{Type: "status", Data: statusData{Text: text}}) }
func (h *Hub) Error(err error)     { h.Broadcast(Message{Type: "error", Data: errorData{Message: errString(err)}}) }

// Tare broadcasts tare progress. Quadrant keys match the frame JSON
// (top_left, ...).
func (h *Hub) Tare(ev board.TareEvent) {
	d := tareData{Phase: ev.Phase.String(), Error: errString(ev.Err)}
	if ev.Phase == board.TareSucceeded {
		d.Offsets = make(map[string]float64, board.NumQuadrants)
		d.StdDev = make(map[string]float64, board.NumQuadrants)
		for _, q := range board.Quadrants {
			key := strings.ReplaceAll(q.String(), "-", "_")
			d.Offsets[key] = ev.Result.Offsets[q]
			d.StdDev[key] = ev.Result.StdDev[q]
		}
		d.Samples = ev.Result.Samples
	}
	h.Broadcast(Message{Type: "tare", Data: d})
}

// Output reports controller availability: err set when output is lost, nil
// when it is back. The latest report is replayed to clients that connect
// later.
func (h *Hub) Output(err error) {
	b, _ := json.Marshal(Message{Type: "output", Data: outputData{Available: err == nil, Error: errString(err)}})
	h.mu.Lock()
	h.output = b
	h.mu.Unlock()
	h.send(b)
}

func (h *Hub) Finished(err error) {
	h.Broadcast(Message{Type: "finished", Data: finishedData{Error: errString(err)}})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c, ok := h.add(conn)
	if !ok {
		conn.Close()
		return
	}
	go c.writePump()
	h.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.remove(c)
			h.logger.Debug("websocket client disconnected", "remote", r.RemoteAddr)
			return
		}
		h.handleCommand(c, data)
	}
}

func (h *Hub) handleCommand(c *client, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.reply(c, Message{Type: "error", Data: errorData{Message: "malformed command: " + err.Error()}})
		return
	}
	switch cmd.Type {
	case "tare":
		resume := true
		if cmd.Resume != nil {
			resume = *cmd.Resume
		}
		if h.OnTare == nil {
			h.reply(c, Message{Type: "error", Data: errorData{Message: "tare not available"}})
			return
		}
		h.OnTare(resume)
	case "pause", "resume":
		fn := h.OnPause
		if cmd.Type == "resume" {
			fn = h.OnResume
		}
		if fn == nil {
			h.reply(c, Message{Type: "error", Data: errorData{Message: cmd.Type + " not available"}})
			return
		}
		fn()
	case "reload":
		if h.OnReload == nil {
			h.reply(c, Message{Type: "error", Data: errorData{Message: "reload not available"}})
			return
		}
		h.OnReload()
	default:
		h.reply(c, Message{Type: "error", Data: errorData{Message: "unknown command " + cmd.Type}})
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

// Server serves the hub on /ws plus a health probe.
type Server struct {
	hub    *Hub
	logger *slog.Logger
	srv    *http.Server
}

func NewServer(addr string, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "clients": hub.Clients()})
	})
	return &Server{
		hub:    hub,
		logger: logger,
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Run listens until ctx ends, then shuts the server down and closes the hub.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Publishing board events", "addr", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.hub.Close()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		return err
	}
	<-errCh
	return nil
}
