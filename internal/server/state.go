// ABOUTME: Shared server state: playback, peers, broadcast buses
// ABOUTME: Single authoritative PlaybackState under an exclusive-writer lock
package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonicsync/sonicsync-go/pkg/protocol"
)

const (
	controlBusCapacity = 100
	audioBusCapacity   = 1024
)

// PlaybackState is the server-wide authoritative playback state.
// Invariant: at any server time t >= LastUpdateTime the effective
// position is PositionMS plus the elapsed time if playing.
type PlaybackState struct {
	IsPlaying bool
	// TrackURL is empty when no track is selected; "live" is the
	// live-capture sentinel.
	TrackURL   string
	PositionMS uint64
	// LastUpdateTime is the server time (microseconds) at which
	// PositionMS was authoritative. Monotone non-decreasing.
	LastUpdateTime uint64
}

// PositionAt computes the effective playback position at server time t.
func (p PlaybackState) PositionAt(t uint64) uint64 {
	if !p.IsPlaying || t < p.LastUpdateTime {
		return p.PositionMS
	}
	return p.PositionMS + (t-p.LastUpdateTime)/1000
}

// PeerKind selects the wire encoding for a session.
type PeerKind int

const (
	// KindPeer uses the binary codec.
	KindPeer PeerKind = iota
	// KindDashboard uses the text codec.
	KindDashboard
)

func (k PeerKind) String() string {
	if k == KindDashboard {
		return "dashboard"
	}
	return "peer"
}

// Codec returns the codec negotiated for this kind of peer.
func (k PeerKind) Codec() protocol.Codec {
	if k == KindDashboard {
		return protocol.TextCodec{}
	}
	return protocol.BinaryCodec{}
}

// Peer is one active session. Telemetry counters are atomics so the
// reader loop can store them without taking the peer-map lock.
type Peer struct {
	SessionID  string
	RemoteAddr string
	Kind       PeerKind

	rtt    atomic.Uint64
	offset atomic.Int64
}

// SetTelemetry records the client's self-reported sync measurements.
func (p *Peer) SetTelemetry(rtt uint64, offset int64) {
	p.rtt.Store(rtt)
	p.offset.Store(offset)
}

// Telemetry returns the last reported (rtt, offset).
func (p *Peer) Telemetry() (uint64, int64) {
	return p.rtt.Load(), p.offset.Load()
}

// AppState owns everything the sessions share: the peer set, the
// playback state, the hosted file path, and both broadcast buses.
type AppState struct {
	mu         sync.RWMutex
	playback   PlaybackState
	hostedFile string

	peersMu sync.RWMutex
	peers   map[string]*Peer

	control *Bus[protocol.ServerMessage]
	audio   *Bus[[]byte]

	// now reads the server clock. Replaced in tests.
	now func() uint64
}

// NewAppState creates empty shared state with the real clock.
func NewAppState() *AppState {
	return newAppState(controlBusCapacity, audioBusCapacity)
}

// newAppState takes the bus capacities so tests can shrink the control
// bus and exercise the lag path.
func newAppState(controlCap, audioCap int) *AppState {
	return &AppState{
		peers:   make(map[string]*Peer),
		control: NewBus[protocol.ServerMessage](controlCap),
		audio:   NewBus[[]byte](audioCap),
		now:     func() uint64 { return uint64(time.Now().UnixMicro()) },
	}
}

// Now reads the server clock in microseconds. Monotone non-decreasing
// for the lifetime of the process.
func (s *AppState) Now() uint64 {
	return s.now()
}

// Playback returns a snapshot of the authoritative playback state.
func (s *AppState) Playback() PlaybackState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playback
}

// ControlBus is the broadcast bus carrying server messages to sessions.
func (s *AppState) ControlBus() *Bus[protocol.ServerMessage] {
	return s.control
}

// AudioBus is the broadcast bus carrying opaque live-audio chunks.
func (s *AppState) AudioBus() *Bus[[]byte] {
	return s.audio
}

// HostFile selects the local file served by /stream.
func (s *AppState) HostFile(path string) {
	s.mu.Lock()
	s.hostedFile = path
	s.mu.Unlock()
}

// HostedFile returns the currently hosted file path, empty if none.
func (s *AppState) HostedFile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostedFile
}

// SetTrackURL sets the track the next Play command will broadcast.
func (s *AppState) SetTrackURL(url string) {
	s.mu.Lock()
	s.playback.TrackURL = url
	s.mu.Unlock()
}

func (s *AppState) addPeer(p *Peer) {
	s.peersMu.Lock()
	s.peers[p.SessionID] = p
	s.peersMu.Unlock()
}

func (s *AppState) removePeer(sessionID string) {
	s.peersMu.Lock()
	delete(s.peers, sessionID)
	s.peersMu.Unlock()
}

// LookupPeer returns the peer for a session id, or nil.
func (s *AppState) LookupPeer(sessionID string) *Peer {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return s.peers[sessionID]
}

// PeerInfo is a diagnostic snapshot of one session.
type PeerInfo struct {
	SessionID  string
	RemoteAddr string
	Kind       PeerKind
	RTT        uint64
	Offset     int64
}

// Peers snapshots every connected session for observability.
func (s *AppState) Peers() []PeerInfo {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	infos := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		rtt, offset := p.Telemetry()
		infos = append(infos, PeerInfo{
			SessionID:  p.SessionID,
			RemoteAddr: p.RemoteAddr,
			Kind:       p.Kind,
			RTT:        rtt,
			Offset:     offset,
		})
	}
	return infos
}
