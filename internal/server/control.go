// ABOUTME: Control operations mutating the authoritative playback state
// ABOUTME: Play/Pause/Seek plus live-mode entry points, shared by REST and sessions
package server

import (
	log "github.com/sirupsen/logrus"

	"github.com/sonicsync/sonicsync-go/pkg/protocol"
)

// seekResyncMicros is the window clients get to re-arm after a seek
// while playing.
const seekResyncMicros = 500_000

// Apply executes one control command against the playback state and
// publishes the resulting broadcast. The state lock is released before
// the publish so a slow bus never extends the critical section.
func (s *AppState) Apply(cmd protocol.ControlCommand) {
	var out protocol.ServerMessage

	s.mu.Lock()
	now := s.now()
	switch c := cmd.(type) {
	case protocol.Play:
		s.playback.IsPlaying = true
		s.playback.PositionMS = c.StartAtMS
		s.playback.LastUpdateTime = now

		trackURL := s.playback.TrackURL
		if trackURL == "" {
			// No explicit track: peers fetch the hosted file endpoint.
			trackURL = protocol.StreamTrackURL
		}
		out = protocol.PlayCommand{
			TrackURL:              trackURL,
			StartAtServerTime:     now + c.DelayMS*1000,
			StartAtPositionMS:     c.StartAtMS,
			ServerTimeAtBroadcast: now,
		}

	case protocol.Pause:
		if s.playback.IsPlaying {
			s.playback.PositionMS += (now - s.playback.LastUpdateTime) / 1000
		}
		s.playback.IsPlaying = false
		s.playback.LastUpdateTime = now
		out = protocol.PauseCommand{ServerTime: now}

	case protocol.Seek:
		s.playback.PositionMS = c.PositionMS
		s.playback.LastUpdateTime = now
		if s.playback.IsPlaying {
			out = protocol.PlayCommand{
				TrackURL:              s.playback.TrackURL,
				StartAtServerTime:     now + seekResyncMicros,
				StartAtPositionMS:     c.PositionMS,
				ServerTimeAtBroadcast: now,
			}
		}
		// Paused seek only moves the resume position; nothing to say yet.

	default:
		s.mu.Unlock()
		log.Warnf("Ignoring unknown control command %T", cmd)
		return
	}
	s.mu.Unlock()

	log.WithField("cmd", commandName(cmd)).Info("Applied control command")
	if out != nil {
		s.control.Publish(out)
	}
}

// StartLive switches playback into live-capture mode and tells every
// peer to render chunks as they arrive.
func (s *AppState) StartLive() {
	s.mu.Lock()
	now := s.now()
	s.playback.IsPlaying = true
	s.playback.TrackURL = protocol.LiveTrackURL
	s.playback.PositionMS = 0
	s.playback.LastUpdateTime = now
	s.mu.Unlock()

	log.Info("Live stream started")
	s.control.Publish(protocol.PlayCommand{
		TrackURL:              protocol.LiveTrackURL,
		StartAtServerTime:     0, // live: render as chunks arrive
		StartAtPositionMS:     0,
		ServerTimeAtBroadcast: now,
	})
}

// StopLive leaves live mode and pauses everyone.
func (s *AppState) StopLive() {
	s.mu.Lock()
	now := s.now()
	s.playback.IsPlaying = false
	s.playback.LastUpdateTime = now
	s.mu.Unlock()

	log.Info("Live stream stopped")
	s.control.Publish(protocol.PauseCommand{ServerTime: now})
}

// IsLive reports whether live capture is the active playback.
func (s *AppState) IsLive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playback.IsPlaying && s.playback.TrackURL == protocol.LiveTrackURL
}

// PushAudioChunk publishes one opaque chunk on the audio bus. Slow
// consumers lose chunks; that is the live-mode lag policy.
func (s *AppState) PushAudioChunk(data []byte) {
	s.audio.Publish(data)
}

func commandName(cmd protocol.ControlCommand) string {
	switch cmd.(type) {
	case protocol.Play:
		return "play"
	case protocol.Pause:
		return "pause"
	case protocol.Seek:
		return "seek"
	default:
		return "unknown"
	}
}
