package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"zimage-bridge/internal/generation"
	"zimage-bridge/internal/history"
	"zimage-bridge/internal/protocol"
	"zimage-bridge/internal/watcher"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	clientSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The bridge binds to localhost for the desktop front end.
	},
}

// HistoryLister reads persisted generation runs.
type HistoryLister interface {
	List(ctx context.Context, limit int) ([]history.Record, error)
}

// Server manages WebSocket connections and routes messages between
// clients, the generation controller, and the directory watcher.
type Server struct {
	ctrl      *generation.Controller
	fileWatch *watcher.Watcher
	history   HistoryLister
	logger    *slog.Logger
	staticDir string

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions maps each client to its controller subscription.
	subscriptions   map[*client]*subscription
	subscriptionsMu sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	// gone is closed once nothing drains send any more.
	gone     chan struct{}
	goneOnce sync.Once
}

func (c *client) markGone() {
	c.goneOnce.Do(func() { close(c.gone) })
}

type subscription struct {
	id   string
	done chan struct{}
}

// New creates a new realtime server. history may be nil.
func New(ctrl *generation.Controller, fileWatch *watcher.Watcher, hist HistoryLister, staticDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ctrl:          ctrl,
		fileWatch:     fileWatch,
		history:       hist,
		logger:        logger.With("component", "realtime"),
		staticDir:     staticDir,
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]*subscription),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /watch", s.handleGetWatch)
	mux.HandleFunc("POST /watch", s.handleStartWatch)
	mux.HandleFunc("DELETE /watch", s.handleStopWatch)
	mux.HandleFunc("GET /models", s.handleListModels)
	mux.HandleFunc("POST /generations", s.handleStartGeneration)
	mux.HandleFunc("GET /generations", s.handleListGenerations)
	mux.HandleFunc("GET /generations/current", s.handleCurrentGeneration)
	mux.HandleFunc("DELETE /generations/current", s.handleKillGeneration)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		server: s,
		gone:   make(chan struct{}),
	}

	// The client is registered before the catch-up snapshot, so a file
	// detected in between may arrive twice but is never missed.
	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()

	s.sendWatchStatus(c)
	s.sendDetectedFiles(c)
	s.subscribeClient(c)

	go c.readPump()
}

// sendWatchStatus sends the watched directory to a client.
func (s *Server) sendWatchStatus(c *client) {
	msg, err := protocol.NewMessage(protocol.TypeWatchStatus, s.watchStatus())
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// sendDetectedFiles replays the active watch session's detected set.
func (s *Server) sendDetectedFiles(c *client) {
	for _, f := range s.fileWatch.Detected() {
		msg, err := protocol.NewMessage(protocol.TypeFileDetected, fileDetectedPayload(f))
		if err != nil {
			continue
		}
		c.enqueue(msg)
	}
}

func (s *Server) watchStatus() protocol.WatchStatusPayload {
	dir, active := s.fileWatch.WatchedDirectory()
	return protocol.WatchStatusPayload{Directory: dir, Active: active}
}

func fileDetectedPayload(f watcher.DetectedFile) protocol.FileDetectedPayload {
	return protocol.FileDetectedPayload{Path: f.Path, ModTimeMillis: f.ModTimeMillis()}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.markGone()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues a message, waiting for room in the send buffer. It gives up
// only once the client is gone; a stuck connection is cut by the write
// deadline.
func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueueData(data)
}

func (c *client) enqueueData(data []byte) {
	select {
	case c.send <- data:
	case <-c.gone:
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	// Unblocks any sender still waiting on this client.
	c.markGone()

	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	sub := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	// The forwarder must be gone before send is closed.
	if sub != nil {
		s.ctrl.Unsubscribe(sub.id)
		<-sub.done
	}

	close(c.send)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeWatchStart:
		s.handleWSWatchStart(c, msg)
	case protocol.TypeWatchStop:
		s.fileWatch.Stop()
		s.broadcastWatchStatus()
	case protocol.TypeWatchGet:
		s.sendWatchStatus(c)
	case protocol.TypeGenerationStart:
		s.handleWSGenerationStart(c, msg)
	case protocol.TypeGenerationKill:
		if err := s.ctrl.Kill(); err != nil {
			s.sendError(c, protocol.ErrSpawnFailed, err.Error())
		}
	case protocol.TypeModelsList:
		s.handleWSModels(c)
	}
}

func (s *Server) handleWSWatchStart(c *client, msg *protocol.Message) {
	var payload protocol.WatchStartPayload
	json.Unmarshal(msg.Payload, &payload)

	err := s.fileWatch.Start(payload.Directory)
	// A failed start still tears down the previous session.
	s.broadcastWatchStatus()
	if err != nil {
		s.sendError(c, protocol.ErrWatchDirInvalid, err.Error())
	}
}

func (s *Server) handleWSGenerationStart(c *client, msg *protocol.Message) {
	var payload protocol.GenerationStartPayload
	json.Unmarshal(msg.Payload, &payload)

	var opts generation.Options
	if err := json.Unmarshal(payload.Options, &opts); err != nil {
		s.sendError(c, protocol.ErrInvalidOptions, err.Error())
		return
	}

	// Outcome events reach this client through its controller subscription.
	if _, err := s.startGeneration(opts); err != nil {
		s.sendError(c, generationErrorCode(err), err.Error())
	}
}

func (s *Server) handleWSModels(c *client) {
	models, err := s.listModels()
	if err != nil {
		s.sendError(c, protocol.ErrModelsFailed, err.Error())
		return
	}
	msg, err := protocol.NewMessage(protocol.TypeModelsList, protocol.ModelsPayload{Models: models})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// startGeneration fills in the default output path and starts the
// controller. Without an explicit output the image lands in the watched
// directory, where the watcher picks it up.
func (s *Server) startGeneration(opts generation.Options) (*generation.Session, error) {
	if opts.Output == "" {
		if dir, ok := s.fileWatch.WatchedDirectory(); ok {
			opts.Output = filepath.Join(dir, fmt.Sprintf("out-%d.png", time.Now().UnixMilli()))
		}
	}
	return s.ctrl.Start(opts)
}

func (s *Server) listModels() ([]string, error) {
	exe := s.ctrl.Executable()
	if exe == "" {
		return []string{}, nil
	}
	return generation.ListModels(exe)
}

// broadcastWatchStatus sends the watched directory to all connected clients.
func (s *Server) broadcastWatchStatus() {
	msg, err := protocol.NewMessage(protocol.TypeWatchStatus, s.watchStatus())
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	// Holding the read lock keeps removeClient from closing a send channel
	// mid-broadcast; it marks the client gone first, which frees a blocked
	// send.
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueueData(data)
	}
}

// subscribeClient subscribes a client to the controller, replays the
// current session's buffered events and forwards new ones.
func (s *Server) subscribeClient(c *client) {
	s.subscriptionsMu.Lock()
	if _, exists := s.subscriptions[c]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	s.subscriptionsMu.Unlock()

	subID, ch, replay := s.ctrl.Subscribe()
	sub := &subscription{id: subID, done: make(chan struct{})}

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = sub
	s.subscriptionsMu.Unlock()

	go func() {
		defer close(sub.done)
		for _, event := range replay {
			s.sendOutputEvent(c, event)
		}
		for event := range ch {
			s.sendOutputEvent(c, event)
		}
	}()
}

// sendOutputEvent translates a controller event into its protocol message.
func (s *Server) sendOutputEvent(c *client, event generation.OutputEvent) {
	var (
		msg *protocol.Message
		err error
	)
	switch event.Type {
	case generation.OutputStarted:
		msg, err = protocol.NewMessage(protocol.TypeProcessStarted, protocol.ProcessStartedPayload{
			SessionID: event.SessionID,
			Args:      event.Args,
		})
	case generation.OutputStdout:
		msg, err = protocol.NewMessage(protocol.TypeProcessStdout, protocol.ProcessOutputPayload{
			SessionID: event.SessionID,
			Data:      event.Data,
		})
	case generation.OutputStderr:
		msg, err = protocol.NewMessage(protocol.TypeProcessStderr, protocol.ProcessOutputPayload{
			SessionID: event.SessionID,
			Data:      event.Data,
		})
	case generation.OutputExit:
		msg, err = protocol.NewMessage(protocol.TypeProcessExited, protocol.ProcessExitedPayload{
			SessionID: event.SessionID,
			ExitCode:  event.ExitCode,
		})
	case generation.OutputError:
		msg, err = protocol.NewMessage(protocol.TypeProcessError, protocol.ProcessErrorPayload{
			SessionID: event.SessionID,
			Message:   event.Data,
		})
	case generation.OutputDropped:
		msg, err = protocol.NewMessage(protocol.TypeProcessOutputDropped, protocol.ProcessOutputDroppedPayload{
			SessionID: event.SessionID,
			Bytes:     event.DroppedBytes,
		})
	default:
		return
	}
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// OnFileDetected is the callback for the directory watcher.
func (s *Server) OnFileDetected(f watcher.DetectedFile) {
	msg, err := protocol.NewMessage(protocol.TypeFileDetected, fileDetectedPayload(f))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

func generationErrorCode(err error) string {
	switch {
	case errors.Is(err, generation.ErrEmptyPrompt),
		errors.Is(err, generation.ErrInvalidSize),
		errors.Is(err, generation.ErrInvalidSteps),
		errors.Is(err, generation.ErrInvalidGPU),
		errors.Is(err, generation.ErrInvalidModel):
		return protocol.ErrInvalidOptions
	default:
		return protocol.ErrSpawnFailed
	}
}
