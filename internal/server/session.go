// ABOUTME: Per-connection session lifecycle
// ABOUTME: Welcome, state relay, reader/writer loops, inbound dispatch
package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sonicsync/sonicsync-go/pkg/protocol"
)

const (
	sessionSendBuffer = 32
	writeDeadline     = 10 * time.Second
	pingInterval      = 30 * time.Second
)

// session is one connected peer: a reader loop on the caller's
// goroutine and a writer goroutine multiplexing direct replies, the
// control bus, and pings.
type session struct {
	id       string
	state    *AppState
	conn     *websocket.Conn
	codec    protocol.Codec
	peer     *Peer
	resolver Resolver

	// send carries direct (non-broadcast) replies to the writer.
	send chan protocol.ServerMessage
	// done stops the writer when the reader exits.
	done chan struct{}

	log *log.Entry
}

func newSession(state *AppState, conn *websocket.Conn, remoteAddr string, kind PeerKind, resolver Resolver) *session {
	id := uuid.New().String()
	return &session{
		id:    id,
		state: state,
		conn:  conn,
		codec: kind.Codec(),
		peer: &Peer{
			SessionID:  id,
			RemoteAddr: remoteAddr,
			Kind:       kind,
		},
		resolver: resolver,
		send:     make(chan protocol.ServerMessage, sessionSendBuffer),
		done:     make(chan struct{}),
		log: log.WithFields(log.Fields{
			"session": id,
			"kind":    kind.String(),
		}),
	}
}

// run drives the session to completion. It returns when the transport
// closes, a write fails, or the reader hits EOF.
func (s *session) run() {
	defer s.conn.Close()

	s.state.addPeer(s.peer)
	defer s.state.removePeer(s.id)

	s.log.WithField("addr", s.peer.RemoteAddr).Info("Session opened")
	defer s.log.Info("Session closed")

	// Welcome always precedes every other message on the session.
	if err := s.writeDirect(protocol.Welcome{SessionID: s.id}); err != nil {
		s.log.WithError(err).Warn("Failed to send welcome")
		return
	}

	// State relay: a late joiner catches up immediately instead of
	// waiting for the next host action.
	if relay, ok := s.relayMessage(); ok {
		if err := s.writeDirect(relay); err != nil {
			s.log.WithError(err).Warn("Failed to relay playback state")
			return
		}
	}

	sub := s.state.ControlBus().Subscribe()
	defer sub.Close()
	defer close(s.done)

	go s.writer(sub)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.WithError(err).Warn("Session read error")
			}
			return
		}

		msg, err := s.codec.DecodeClient(data)
		if err != nil {
			// Transient decode failures drop the frame, not the session.
			s.log.WithError(err).Warn("Dropping malformed frame")
			continue
		}
		s.handle(msg)
	}
}

// relayMessage synthesizes the catch-up PlayCommand for a new session
// when playback is already running.
func (s *session) relayMessage() (protocol.ServerMessage, bool) {
	pb := s.state.Playback()
	if !pb.IsPlaying {
		return nil, false
	}
	now := s.state.Now()
	trackURL := pb.TrackURL
	if trackURL == "" {
		trackURL = protocol.StreamTrackURL
	}
	return protocol.PlayCommand{
		TrackURL:              trackURL,
		StartAtServerTime:     now, // start immediately
		StartAtPositionMS:     pb.PositionAt(now),
		ServerTimeAtBroadcast: now,
	}, true
}

// writer owns the connection for the rest of the session: direct
// replies, control-bus fan-out, lag recovery, and keepalive pings.
func (s *session) writer(sub *Subscription[protocol.ServerMessage]) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			if err := s.writeDirect(msg); err != nil {
				s.log.WithError(err).Warn("Session write error")
				s.conn.Close()
				return
			}

		case msg := <-sub.C():
			if err := s.writeDirect(msg); err != nil {
				s.log.WithError(err).Warn("Session write error")
				s.conn.Close()
				return
			}
			if n := sub.Lagged(); n > 0 {
				// The peer missed broadcasts; tell it to resync.
				s.log.WithField("missed", n).Warn("Control bus lag, requesting resync")
				if err := s.writeDirect(protocol.SyncRequired{}); err != nil {
					s.conn.Close()
					return
				}
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				s.conn.Close()
				return
			}

		case <-s.done:
			return
		}
	}
}

func (s *session) writeDirect(msg protocol.ServerMessage) error {
	data, err := s.codec.EncodeServer(msg)
	if err != nil {
		return err
	}
	frameType := websocket.TextMessage
	if s.codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return s.conn.WriteMessage(frameType, data)
}

// reply queues a direct response for the writer. A full buffer drops
// the reply; the client's sync burst simply yields one fewer sample.
func (s *session) reply(msg protocol.ServerMessage) {
	select {
	case s.send <- msg:
	default:
		s.log.Warn("Session send buffer full, dropping reply")
	}
}

func (s *session) handle(msg protocol.ClientMessage) {
	switch m := msg.(type) {
	case protocol.Join:
		s.log.WithField("device", m.DeviceID).Info("Device joined")

	case protocol.TimeRequest:
		// Two adjacent clock reads bracket the (empty) processing
		// window; nothing may block between them.
		t1 := s.state.Now()
		t2 := s.state.Now()
		s.reply(protocol.TimeResponse{T0: m.T0, T1: t1, T2: t2, Seq: m.Seq})

	case protocol.Telemetry:
		s.peer.SetTelemetry(m.RTT, m.Offset)
		s.log.WithFields(log.Fields{
			"rtt":    m.RTT,
			"offset": m.Offset,
			"drift":  m.Drift,
			"status": m.Status,
		}).Debug("Telemetry updated")

	case protocol.PlayRequest:
		// Resolution can shell out; never block the session loop.
		go s.handlePlayRequest(m)

	case protocol.CommandRequest:
		s.state.Apply(m.Cmd)
	}
}

func (s *session) handlePlayRequest(req protocol.PlayRequest) {
	trackURL := req.TrackURL
	if s.resolver != nil && NeedsResolving(trackURL) {
		resolved, err := s.resolver.Resolve(context.Background(), trackURL)
		if err != nil {
			// Fall back to the original URL and let the client decide.
			s.log.WithError(err).Warn("URL resolution failed")
		} else {
			trackURL = resolved
		}
	}

	now := s.state.Now()
	s.state.ControlBus().Publish(protocol.PlayCommand{
		TrackURL:              trackURL,
		StartAtServerTime:     now + req.DelayMS*1000,
		StartAtPositionMS:     0,
		ServerTimeAtBroadcast: now,
	})
}
