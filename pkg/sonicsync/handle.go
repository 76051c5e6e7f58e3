// ABOUTME: Handle-based embedding surface over the server and engine
// ABOUTME: Host-mode control, live streaming, client-mode sync and correction
package sonicsync

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/sonicsync/sonicsync-go/internal/engine"
	"github.com/sonicsync/sonicsync-go/internal/server"
	"github.com/sonicsync/sonicsync-go/pkg/protocol"
)

// Event re-exports the engine event for embedders.
type Event = engine.Event

// Backend re-exports the audio seam for embedders.
type Backend = engine.Backend

// ServerOptions configures host mode.
type ServerOptions struct {
	Port       int
	Name       string
	EnableMDNS bool
	// ResolveURLs enables the yt-dlp collaborator for webpage links.
	ResolveURLs bool
}

// Handle owns at most one embedded server and one client engine. All
// methods are safe for concurrent use.
type Handle struct {
	mu  sync.Mutex
	srv *server.Server
	eng *engine.Engine
}

// New creates an empty handle.
func New() *Handle {
	return &Handle{}
}

// --- host mode ---

// StartServer launches the embedded server in the background.
func (h *Handle) StartServer(opts ServerOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.srv != nil {
		return fmt.Errorf("server already running")
	}

	cfg := server.Config{
		Port:       opts.Port,
		Name:       opts.Name,
		EnableMDNS: opts.EnableMDNS,
	}
	if opts.ResolveURLs {
		cfg.Resolver = &server.YTDLPResolver{}
	}

	srv := server.New(cfg, server.NewAppState())
	h.srv = srv

	go func() {
		if err := srv.Start(); err != nil {
			log.WithError(err).Error("Embedded server failed")
		}
	}()
	return nil
}

// StopServer shuts the embedded server down.
func (h *Handle) StopServer() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.srv != nil {
		h.srv.Stop()
		h.srv = nil
	}
}

// HostFile makes /stream serve a local track file.
func (h *Handle) HostFile(path string) error {
	srv := h.server()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	return srv.HostFile(path)
}

// Play broadcasts a synchronized start.
func (h *Handle) Play(startAtMS, delayMS uint64) error {
	return h.apply(protocol.Play{StartAtMS: startAtMS, DelayMS: delayMS})
}

// Pause broadcasts a pause.
func (h *Handle) Pause() error {
	return h.apply(protocol.Pause{})
}

// Seek moves the authoritative position, resyncing peers if playing.
func (h *Handle) Seek(positionMS uint64) error {
	return h.apply(protocol.Seek{PositionMS: positionMS})
}

// BroadcastPlay selects a track and starts it for every peer.
func (h *Handle) BroadcastPlay(trackURL string, delayMS uint64) error {
	srv := h.server()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	srv.State().SetTrackURL(trackURL)
	srv.State().Apply(protocol.Play{StartAtMS: 0, DelayMS: delayMS})
	return nil
}

// StartLiveStream enters live-capture mode.
func (h *Handle) StartLiveStream() error {
	srv := h.server()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	srv.State().StartLive()
	return nil
}

// StopLiveStream leaves live-capture mode.
func (h *Handle) StopLiveStream() error {
	srv := h.server()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	srv.State().StopLive()
	return nil
}

// PushAudioChunk publishes one captured chunk to live listeners.
func (h *Handle) PushAudioChunk(data []byte) error {
	srv := h.server()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	srv.State().PushAudioChunk(data)
	return nil
}

// IsLiveStreaming reports whether live mode is active.
func (h *Handle) IsLiveStreaming() bool {
	srv := h.server()
	return srv != nil && srv.State().IsLive()
}

// --- client mode ---

// Connect opens the client session to serverAddr (host:port).
func (h *Handle) Connect(serverAddr string, backend Backend) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.eng != nil {
		return fmt.Errorf("already connected")
	}

	eng := engine.New(engine.Config{
		ServerAddr: serverAddr,
		Backend:    backend,
	})
	if err := eng.Connect(); err != nil {
		return err
	}
	h.eng = eng
	return nil
}

// Disconnect closes the client session.
func (h *Handle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.eng != nil {
		h.eng.Close()
		h.eng = nil
	}
}

// SendSyncRequest triggers an immediate sync burst.
func (h *Handle) SendSyncRequest() error {
	eng := h.engine()
	if eng == nil {
		return fmt.Errorf("not connected")
	}
	go eng.SyncNow()
	return nil
}

// RequestPlay asks the host to start a track for everyone.
func (h *Handle) RequestPlay(trackURL string, delayMS uint64) error {
	eng := h.engine()
	if eng == nil {
		return fmt.Errorf("not connected")
	}
	eng.SendPlayRequest(trackURL, delayMS)
	return nil
}

// GetOffset returns the latest offset estimate in microseconds.
func (h *Handle) GetOffset() int64 {
	if eng := h.engine(); eng != nil {
		return eng.Offset()
	}
	return 0
}

// GetServerTime approximates the current server time.
func (h *Handle) GetServerTime() uint64 {
	if eng := h.engine(); eng != nil {
		return eng.ServerNow()
	}
	return 0
}

// CalculateCorrection maps one drift sample to a playback-rate
// multiplier in [0.95, 1.05].
func (h *Handle) CalculateCorrection(driftMS int64, dtSeconds float64) float64 {
	if eng := h.engine(); eng != nil {
		return eng.CalculateCorrection(float64(driftMS), dtSeconds)
	}
	return 1.0
}

// NextEvent drains one engine event without blocking.
func (h *Handle) NextEvent() (Event, bool) {
	if eng := h.engine(); eng != nil {
		return eng.PollEvent()
	}
	return Event{}, false
}

func (h *Handle) server() *server.Server {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.srv
}

func (h *Handle) engine() *engine.Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.eng
}

func (h *Handle) apply(cmd protocol.ControlCommand) error {
	srv := h.server()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	srv.State().Apply(cmd)
	return nil
}
