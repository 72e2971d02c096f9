// Package server exposes streaming sessions over HTTP.
//
// Every viewer request builds its own session from the query string, runs
// it until the viewer leaves or the session goes inactive, and drives the
// staleness watchdog from a per-request ticker.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	webstreamer "github.com/e7canasta/orion-care-sensor/modules/web-streamer"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/internal/metrics"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/source"
	"github.com/e7canasta/orion-care-sensor/modules/web-streamer/transport"
)

// Config holds the per-request streaming settings.
type Config struct {
	InstanceID       string
	SourceType       string
	RestreamInterval time.Duration
	MaxAge           time.Duration
	JPEGQuality      int
	SnapshotFormat   transport.Format
	SnapshotTimeout  time.Duration
	WriteTimeout     time.Duration

	// MetricsPath and MetricsHandler are optional.
	MetricsPath    string
	MetricsHandler http.Handler
}

// Server routes viewer requests to sessions.
type Server struct {
	cfg Config
	src source.Source
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*webstreamer.Session
	served   atomic.Uint64
}

// New creates a server reading frames from src.
func New(cfg Config, src source.Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RestreamInterval <= 0 {
		cfg.RestreamInterval = 100 * time.Millisecond
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Second
	}
	if cfg.SnapshotFormat == "" {
		cfg.SnapshotFormat = transport.FormatJPEG
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = 5 * time.Second
	}
	return &Server{
		cfg:      cfg,
		src:      src,
		log:      logger,
		sessions: make(map[string]*webstreamer.Session),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /topics", s.handleTopics)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.MetricsHandler != nil && s.cfg.MetricsPath != "" {
		mux.Handle("GET "+s.cfg.MetricsPath, s.cfg.MetricsHandler)
	}
	return mux
}

// ActiveSessions returns the number of sessions currently being served.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns stats for every session currently being served, ordered
// by ID.
func (s *Server) Sessions() []webstreamer.Stats {
	s.mu.Lock()
	live := make([]*webstreamer.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	out := make([]webstreamer.Stats, 0, len(live))
	for _, sess := range live {
		out = append(out, sess.Stats())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	opts := webstreamer.ParseOptions(r.URL.Query())
	if opts.Topic == "" {
		badRequest(w, "stream", "topic is required")
		return
	}

	sink := transport.NewMJPEGSink(w, r, s.cfg.JPEGQuality)
	err := s.serve(r.Context(), opts, sink, nil)
	s.finish(w, "stream", err, !sink.Started())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	opts := webstreamer.ParseOptions(r.URL.Query())
	if opts.Topic == "" {
		badRequest(w, "snapshot", "topic is required")
		return
	}

	format := s.cfg.SnapshotFormat
	if f := r.URL.Query().Get("format"); f != "" {
		format = transport.Format(f)
	}
	if format != transport.FormatJPEG && format != transport.FormatPNG {
		badRequest(w, "snapshot", "format must be jpeg or png")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SnapshotTimeout)
	defer cancel()

	sink := transport.NewSnapshotSink(w, r, format, s.cfg.JPEGQuality)
	err := s.serve(ctx, opts, sink, sink.Done())

	if sink.Sent() {
		metrics.RecordRequest("snapshot", "ok")
		return
	}
	if r.Context().Err() != nil {
		metrics.RecordRequest("snapshot", "canceled")
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !sink.Replied() {
		metrics.RecordRequest("snapshot", "timeout")
		http.Error(w, "no frame received", http.StatusGatewayTimeout)
		return
	}
	if sink.Replied() {
		metrics.RecordRequest("snapshot", "error")
		return
	}
	s.finish(w, "snapshot", err, true)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts := webstreamer.ParseOptions(r.URL.Query())
	if opts.Topic == "" {
		badRequest(w, "ws", "topic is required")
		return
	}

	sink, err := transport.UpgradeWebSocket(w, r, s.cfg.JPEGQuality, s.cfg.WriteTimeout)
	if err != nil {
		s.log.Debug("server: websocket upgrade failed", "error", err)
		metrics.RecordRequest("ws", "bad_request")
		return
	}
	defer sink.Close()

	err = s.serve(r.Context(), opts, sink, sink.Gone())
	s.finish(w, "ws", err, false)
}

// serve runs one session until ctx ends, stop is closed or the session
// goes inactive. It returns the session error, nil for a normal end.
func (s *Server) serve(ctx context.Context, opts webstreamer.Options, sink webstreamer.Sink, stop <-chan struct{}) error {
	sess, err := webstreamer.New(webstreamer.Config{
		Options: opts,
		Source:  s.src,
		Sink:    sink,
		Logger:  s.log,
	})
	if err != nil {
		return err
	}

	s.track(sess)
	defer s.untrack(sess)
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.RestreamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-sess.Done():
			return sess.Err()
		case <-ticker.C:
			sess.RestreamFrame(s.cfg.MaxAge)
		}
	}
}

// finish records the request outcome and, when nothing has been written
// yet, maps it to a status code.
func (s *Server) finish(w http.ResponseWriter, endpoint string, err error, canReply bool) {
	kind := webstreamer.KindOf(err)
	switch kind {
	case webstreamer.KindNone, webstreamer.KindWrite:
		metrics.RecordRequest(endpoint, "ok")
	case webstreamer.KindSourceAbsent:
		metrics.RecordRequest(endpoint, "not_found")
		if canReply {
			http.Error(w, "topic not found", http.StatusNotFound)
		}
	default:
		metrics.RecordRequest(endpoint, "error")
		if canReply {
			http.Error(w, kind.String()+" error", http.StatusInternalServerError)
		}
	}
}

func (s *Server) track(sess *webstreamer.Session) {
	s.served.Add(1)
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
}

func (s *Server) untrack(sess *webstreamer.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.src.Topics(r.Context())
	if err != nil {
		metrics.RecordRequest("topics", "error")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if topics == nil {
		topics = []string{}
	}
	metrics.RecordRequest("topics", "ok")
	writeJSON(w, http.StatusOK, topics)
}

// sessionInfo is the /health view of one session.
type sessionInfo struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	State     string `json:"state"`
	Received  uint64 `json:"received"`
	Accepted  uint64 `json:"accepted"`
	Sent      uint64 `json:"sent"`
	Restreams uint64 `json:"restreams"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type health struct {
	Status         string        `json:"status"`
	InstanceID     string        `json:"instance_id"`
	Source         string        `json:"source"`
	ActiveSessions int           `json:"active_sessions"`
	SessionsServed uint64        `json:"sessions_served"`
	Sessions       []sessionInfo `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.Sessions()
	infos := make([]sessionInfo, 0, len(stats))
	for _, st := range stats {
		infos = append(infos, sessionInfo{
			ID:        st.ID,
			Topic:     st.Topic,
			State:     st.State.String(),
			Received:  st.Received,
			Accepted:  st.Accepted,
			Sent:      st.Sent,
			Restreams: st.Restreams,
			Width:     st.Width,
			Height:    st.Height,
		})
	}

	writeJSON(w, http.StatusOK, health{
		Status:         "ok",
		InstanceID:     s.cfg.InstanceID,
		Source:         s.cfg.SourceType,
		ActiveSessions: len(infos),
		SessionsServed: s.served.Load(),
		Sessions:       infos,
	})
}

func badRequest(w http.ResponseWriter, endpoint, msg string) {
	metrics.RecordRequest(endpoint, "bad_request")
	http.Error(w, msg, http.StatusBadRequest)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: json write failed", "error", err)
	}
}
