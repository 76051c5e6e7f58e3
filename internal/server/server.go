// ABOUTME: SonicSync session and broadcast server
// ABOUTME: HTTP endpoints, websocket upgrade, hosted-file and live streaming
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sonicsync/sonicsync-go/internal/discovery"
	"github.com/sonicsync/sonicsync-go/pkg/protocol"
)

// Config holds server configuration.
type Config struct {
	// Port to bind on 0.0.0.0 (default 3000).
	Port int
	// Name used for mDNS advertisement.
	Name string
	// EnableMDNS advertises the server on the local network.
	EnableMDNS bool
	// Resolver handles webpage track links; nil disables resolution.
	Resolver Resolver
}

// DefaultPort is used when Config.Port is zero.
const DefaultPort = 3000

// Server accepts peer sessions and serves the control, hosted-file, and
// live-audio endpoints on a single listener.
type Server struct {
	config Config
	state  *AppState

	upgrader   websocket.Upgrader
	mux        *http.ServeMux
	httpServer *http.Server

	mdnsManager *discovery.Manager

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a server around existing shared state.
func New(config Config, state *AppState) *Server {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Name == "" {
		config.Name = "sonicsync"
	}

	s := &Server{
		config: config,
		state:  state,
		upgrader: websocket.Upgrader{
			// Trusted local networks only; peers are not authenticated.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux:      http.NewServeMux(),
		stopChan: make(chan struct{}),
	}

	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/control", s.handleControl)
	s.mux.HandleFunc("/stream", s.handleStream)
	s.mux.HandleFunc("/stream/live", s.handleLiveStream)

	return s
}

// State exposes the shared state for embedding layers.
func (s *Server) State() *AppState {
	return s.state
}

// Handler returns the route mux, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HostFile probes a local file and makes /stream serve it.
func (s *Server) HostFile(path string) error {
	info, err := ProbeTrack(path)
	if err != nil {
		return err
	}
	s.state.HostFile(path)

	fields := log.Fields{"path": path, "size": info.SizeBytes}
	if info.Duration > 0 {
		fields["duration"] = info.Duration
		fields["sample_rate"] = info.SampleRate
	}
	log.WithFields(fields).Info("Hosting track file")
	return nil
}

// Start runs the listener until Stop is called or the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.config.Port)
	log.WithField("addr", addr).Info("Server listening")

	if s.config.EnableMDNS {
		s.mdnsManager = discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        s.config.Port,
			ServerMode:  true,
		})
		if err := s.mdnsManager.Advertise(); err != nil {
			log.WithError(err).Warn("mDNS advertisement failed")
		}
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var serverErr error
	select {
	case <-s.stopChan:
		log.Info("Server shutting down")
	case err := <-errChan:
		log.WithError(err).Error("Listener failed")
		serverErr = err
	}

	if s.mdnsManager != nil {
		s.mdnsManager.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP shutdown error")
	}

	s.wg.Wait()
	log.Info("Server stopped")
	return serverErr
}

// Stop signals Start to shut down. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// handleWS upgrades to a bidirectional message channel. The encoding is
// negotiated once, from the connect query: ?type=dashboard gets text.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	kind := KindPeer
	if r.URL.Query().Get("type") == "dashboard" {
		kind = KindDashboard
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	sess := newSession(s.state, conn, r.RemoteAddr, kind, s.config.Resolver)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
}

// handleControl accepts a text-form ControlCommand and applies it.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	cmd, err := protocol.UnmarshalControlCommand(body)
	if err != nil {
		log.WithError(err).Warn("Rejecting malformed control command")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.state.Apply(cmd)
	w.WriteHeader(http.StatusOK)
}

// handleStream serves the hosted track file with range support.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	path := s.state.HostedFile()
	if path == "" {
		http.Error(w, "no file hosted", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

// handleLiveStream streams concatenated audio-bus chunks until the
// client goes away.
func (s *Server) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.state.AudioBus().Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case chunk := <-sub.C():
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
			if n := sub.Lagged(); n > 0 {
				// Lost chunks are tolerated in live mode.
				log.WithField("missed", n).Debug("Live stream lagging")
			}
		case <-r.Context().Done():
			return
		}
	}
}
