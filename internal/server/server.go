package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/trackcap/internal/catalog"
	"github.com/shaunagostinho/trackcap/internal/gps"
	"github.com/shaunagostinho/trackcap/internal/session"
	"github.com/shaunagostinho/trackcap/internal/track"
)

const stopWait = 5 * time.Second

// SessionLister lists recorded capture sessions. *catalog.Store implements it.
type SessionLister interface {
	List() ([]catalog.Record, error)
}

// Server exposes capture control, the live point and status feeds, the
// session catalog and metrics over HTTP and WebSocket.
type Server struct {
	cfg      *Config
	sess     *session.Session
	sessions SessionLister
	webFS    fs.FS
	gatherer prometheus.Gatherer
	log      logrus.FieldLogger

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
	Point   *track.Point           `json:"point,omitempty"`
	Status  *session.StatusSummary `json:"status,omitempty"`
	Capture *session.Info          `json:"capture,omitempty"`
	Stamp   int64                  `json:"stamp"` // Unix ms
}

// Options holds the optional collaborators of a Server.
type Options struct {
	Sessions SessionLister
	WebFS    fs.FS
	Gatherer prometheus.Gatherer
	Logger   logrus.FieldLogger
}

// New creates a new Server.
func New(cfg *Config, sess *session.Session, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      cfg,
		sess:     sess,
		sessions: opts.Sessions,
		webFS:    opts.WebFS,
		gatherer: opts.Gatherer,
		log:      opts.Logger.WithField("component", "server"),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)

	// Capture API
	mux.HandleFunc("/api/capture", s.handleCapture)
	mux.HandleFunc("/api/capture/start", s.handleStart)
	mux.HandleFunc("/api/capture/stop", s.handleStop)
	mux.HandleFunc("/api/sessions", s.handleSessions)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run starts the HTTP server and the feed broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	go s.feedLoop(ctx)

	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.WithField("addr", addr).Info("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// feedLoop forwards every new point and status summary to WebSocket clients.
func (s *Server) feedLoop(ctx context.Context) {
	points, cancelPoints := s.sess.Points().Subscribe()
	defer cancelPoints()
	statuses, cancelStatuses := s.sess.Statuses().Subscribe()
	defer cancelStatuses()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-points:
			s.broadcast(Frame{Point: &p, Stamp: time.Now().UnixMilli()})
		case st := <-statuses:
			s.broadcast(Frame{Status: &st, Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	s.log.WithField("clients", n).Info("websocket client connected")

	// Send the current capture state and latest values
	if data, err := json.Marshal(s.snapshot()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnects)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.WithField("clients", n).Info("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) snapshot() Frame {
	info := s.sess.State()
	frame := Frame{Capture: &info, Stamp: time.Now().UnixMilli()}
	if p, ok := s.sess.Points().Latest(); ok {
		frame.Point = &p
	}
	if st, ok := s.sess.Statuses().Latest(); ok {
		frame.Status = &st
	}
	return frame
}

type startRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req startRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Source == "" {
		req.Source = s.cfg.DefaultSource()
	}

	kind, err := gps.ParseKind(req.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.sess.Start(kind); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, session.ErrAlreadyCapturing):
			status = http.StatusConflict
		case errors.Is(err, gps.ErrProviderDisabled), errors.Is(err, session.ErrClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, session.ErrUnknownSource):
			status = http.StatusBadRequest
		}
		s.log.WithError(err).WithField("source", kind).Warn("capture start rejected")
		writeError(w, status, err)
		return
	}

	s.writeState(w)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	select {
	case <-s.sess.Stop():
	case <-time.After(stopWait):
		s.log.Warn("track log flush still pending")
	case <-r.Context().Done():
		return
	}
	s.writeState(w)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.sess.State())
}

// writeState responds with the capture state and pushes it to clients.
func (s *Server) writeState(w http.ResponseWriter) {
	info := s.sess.State()
	s.broadcast(Frame{Capture: &info, Stamp: time.Now().UnixMilli()})
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recs := []catalog.Record{}
	if s.sessions != nil {
		list, err := s.sessions.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if list != nil {
			recs = list
		}
	}
	writeJSON(w, http.StatusOK, recs)
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
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.WithError(err).Warn("config save failed")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
