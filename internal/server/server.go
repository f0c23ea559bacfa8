package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/botcomm/botcomm/internal/comm"
	"github.com/botcomm/botcomm/internal/framelog"
	"github.com/botcomm/botcomm/internal/speed"
)

// maxBody bounds API request bodies.
const maxBody = 64 << 10

// Server exposes the device session over HTTP and streams session events to
// WebSocket clients.
type Server struct {
	cfg    *Config
	mgr    *comm.Manager
	frames *framelog.Logger
	webFS  fs.FS
	log    *zap.SugaredLogger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Type       string          `json:"type"`
	State      string          `json:"state,omitempty"`
	Host       string          `json:"host,omitempty"`
	Line       *string         `json:"line,omitempty"`
	Transcript *string         `json:"transcript,omitempty"`
	Table      *speed.Snapshot `json:"table,omitempty"`
	Stamp      int64           `json:"stamp"` // Unix ms
}

// StateResponse is returned by GET /api/state.
type StateResponse struct {
	State      string `json:"state"`
	Host       string `json:"host"`
	Transcript string `json:"transcript"`
}

type hostRequest struct {
	Host string `json:"host"`
}

type commandRequest struct {
	Text string `json:"text"`
}

type selectRequest struct {
	Index int `json:"index"`
}

type entryRequest struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// New creates a new Server. frames and webFS may be nil.
func New(cfg *Config, mgr *comm.Manager, frames *framelog.Logger, webFS fs.FS, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:     cfg,
		mgr:     mgr,
		frames:  frames,
		webFS:   webFS,
		log:     log,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded operator panel
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Session API
	mux.HandleFunc("/api/state", get(s.handleState))
	mux.HandleFunc("/api/connect", post(s.handleConnect))
	mux.HandleFunc("/api/disconnect", post(s.handleDisconnect))
	mux.HandleFunc("/api/command", post(s.handleCommand))
	mux.HandleFunc("/api/transcript/clear", post(s.handleClearTranscript))

	// Calibration API
	mux.HandleFunc("/api/speed", get(s.handleSpeed))
	mux.HandleFunc("/api/speed/select", post(s.handleSelect))
	mux.HandleFunc("/api/speed/entry", post(s.handleEntry))
	mux.HandleFunc("/api/speed/load", post(s.simple(s.mgr.LoadTable)))
	mux.HandleFunc("/api/speed/save", post(s.simple(s.mgr.SaveTable)))
	mux.HandleFunc("/api/speed/run", post(s.simple(s.mgr.RunSelected)))
	mux.HandleFunc("/api/speed/stop", post(s.simple(s.mgr.Stop)))

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	return mux
}

// Run starts the HTTP server and event forwarding until ctx is done or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.ForwardEvents(ctx)
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.closeClients()
	}()

	s.log.Infow("listening", "addr", srv.Addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	cancel()
	wg.Wait()
	return err
}

// ForwardEvents relays session events to WebSocket clients until ctx is done.
func (s *Server) ForwardEvents(ctx context.Context) {
	events, unsubscribe := s.mgr.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.broadcast(s.eventFrame(e))
		}
	}
}

func (s *Server) eventFrame(e comm.Event) Frame {
	f := Frame{Type: string(e.Type), Stamp: e.Timestamp.UnixMilli()}
	switch data := e.Data.(type) {
	case comm.ConnectionState:
		f.State = data.String()
		f.Host = s.mgr.Host()
	case string:
		f.Line = &data
	case speed.Snapshot:
		f.Table = &data
	}
	return f
}

func (s *Server) snapshotFrame() Frame {
	transcript := s.mgr.Transcript()
	table := s.mgr.Table().Snapshot()
	return Frame{
		Type:       "snapshot",
		State:      s.mgr.State().String(),
		Host:       s.mgr.Host(),
		Transcript: &transcript,
		Table:      &table,
		Stamp:      time.Now().UnixMilli(),
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Initial state goes out before any event.
	if data, err := json.Marshal(s.snapshotFrame()); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.Infow("websocket client connected", "clients", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine, drains control frames until the client leaves.
	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) removeClient(client *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	close(client.send)
	s.log.Infow("websocket client disconnected", "clients", len(s.clients))
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) closeClients() {
	s.clientsMu.RLock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{
		State:      s.mgr.State().String(),
		Host:       s.mgr.Host(),
		Transcript: s.mgr.Transcript(),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req hostRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Host == "" {
		req.Host = s.cfg.DeviceSettings().Host
	}
	s.mgr.RequestConnectionStateChange(comm.Connect, req.Host)
	writeJSON(w, http.StatusAccepted, map[string]string{"state": s.mgr.State().String()})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.mgr.RequestConnectionStateChange(comm.Disconnect, "")
	writeJSON(w, http.StatusAccepted, map[string]string{"state": s.mgr.State().String()})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.mgr.Send(req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleClearTranscript(w http.ResponseWriter, r *http.Request) {
	s.mgr.ClearTranscript()
	writeOK(w)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Table().Snapshot())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.mgr.SelectIndex(req.Index); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.Table().Snapshot())
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	var req entryRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.mgr.UpdateSelected(req.Left, req.Right); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.mgr.Table().Snapshot())
}

// simple adapts a no-argument session operation to a handler.
func (s *Server) simple(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warnw("config save failed", "error", err)
		}
		if s.frames != nil {
			s.frames.SetEnabled(s.cfg.FrameLogSettings().Enabled)
		}
		writeOK(w)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func get(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// readJSON decodes the request body into v. An empty body leaves v as is.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps session and table errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, comm.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, comm.ErrConnectionLost):
		status = http.StatusBadGateway
	case errors.Is(err, comm.ErrEmptyMessage),
		errors.Is(err, speed.ErrIndexOutOfRange),
		errors.Is(err, speed.ErrValueOutOfRange),
		errors.Is(err, speed.ErrStopNonZero):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
}
