// ABOUTME: Client engine: one session, periodic time sync, scheduled playback
// ABOUTME: Translates server-time commands into local timer-armed actions
package engine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sonicsync/sonicsync-go/pkg/clock"
	"github.com/sonicsync/sonicsync-go/pkg/pid"
	"github.com/sonicsync/sonicsync-go/pkg/protocol"
)

const (
	defaultSyncInterval = 5 * time.Second
	defaultBurstCount   = 5
	defaultBurstSpacing = 200 * time.Millisecond
	roundTimeout        = time.Second

	// resetOffsetJumpUS: an offset change this large is a clock
	// discontinuity; the PID restarts instead of chasing it.
	resetOffsetJumpUS = 50_000

	eventBuffer = 64
	writeBuffer = 16
)

// Config holds client engine configuration.
type Config struct {
	// ServerAddr is the host:port of the session server.
	ServerAddr string
	// DeviceID identifies this device in Join; generated when empty.
	DeviceID string
	// Backend renders audio; NopBackend when nil.
	Backend Backend
	// SyncInterval between periodic bursts (default 5s).
	SyncInterval time.Duration
	// BurstCount requests per burst (default 5).
	BurstCount int
	// BurstSpacing between rounds in a burst (default 200ms).
	BurstSpacing time.Duration
}

// Engine maintains exactly one session to a server.
type Engine struct {
	config Config
	codec  protocol.BinaryCodec

	mu           sync.RWMutex
	conn         *websocket.Conn
	connected    bool
	sessionID    string
	offset       int64
	rtt          int64
	// synced records that at least one burst completed; a first
	// measurement of exactly (0, 0) is still a measurement.
	synced       bool
	drift        float64
	currentTrack string
	playTimer    *time.Timer

	pidMu sync.Mutex
	pid   *pid.Controller

	// syncMu serializes sync bursts so replies pair with the round
	// that sent them.
	syncMu sync.Mutex

	events   chan Event
	writeCh  chan protocol.ClientMessage
	timeResp chan protocol.TimeResponse

	ctx    context.Context
	cancel context.CancelFunc

	// localNow reads the client clock in Unix microseconds. Replaced in
	// tests.
	localNow func() uint64

	log *log.Entry
}

// New creates a disconnected engine.
func New(config Config) *Engine {
	if config.DeviceID == "" {
		config.DeviceID = fmt.Sprintf("GO-%s", uuid.New().String())
	}
	if config.Backend == nil {
		config.Backend = NopBackend{}
	}
	if config.SyncInterval == 0 {
		config.SyncInterval = defaultSyncInterval
	}
	if config.BurstCount == 0 {
		config.BurstCount = defaultBurstCount
	}
	if config.BurstSpacing == 0 {
		config.BurstSpacing = defaultBurstSpacing
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		config:   config,
		pid:      pid.NewAudio(),
		events:   make(chan Event, eventBuffer),
		writeCh:  make(chan protocol.ClientMessage, writeBuffer),
		timeResp: make(chan protocol.TimeResponse, defaultBurstCount),
		ctx:      ctx,
		cancel:   cancel,
		localNow: func() uint64 { return uint64(time.Now().UnixMicro()) },
		log:      log.WithField("device", config.DeviceID),
	}
}

// Connect dials the server, joins, and starts the reader, writer, and
// periodic sync loops.
func (e *Engine) Connect() error {
	u := url.URL{Scheme: "ws", Host: e.config.ServerAddr, Path: "/ws"}
	e.log.WithField("url", u.String()).Info("Connecting")

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	e.mu.Lock()
	e.conn = conn
	e.connected = true
	e.mu.Unlock()

	go e.writer()
	go e.reader()
	go e.syncLoop()

	e.enqueue(protocol.Join{DeviceID: e.config.DeviceID})
	return nil
}

// Close tears the session down. Safe to call twice.
func (e *Engine) Close() {
	e.mu.Lock()
	wasConnected := e.connected
	e.connected = false
	if e.playTimer != nil {
		e.playTimer.Stop()
		e.playTimer = nil
	}
	conn := e.conn
	e.mu.Unlock()

	e.cancel()
	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		e.emit(Event{Kind: EventDisconnected})
	}
}

// IsConnected reports whether the session is up.
func (e *Engine) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// SessionID returns the server-assigned id, empty before Welcome.
func (e *Engine) SessionID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID
}

// Offset returns the latest offset estimate in microseconds.
func (e *Engine) Offset() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.offset
}

// RTT returns the latest round-trip estimate in microseconds.
func (e *Engine) RTT() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rtt
}

// ServerNow approximates the current server time from the local clock
// and the latest offset.
func (e *Engine) ServerNow() uint64 {
	e.mu.RLock()
	offset := e.offset
	e.mu.RUnlock()
	return uint64(int64(e.localNow()) + offset)
}

// Events exposes the polled event queue.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// PollEvent drains one event without blocking.
func (e *Engine) PollEvent() (Event, bool) {
	select {
	case ev := <-e.events:
		return ev, true
	default:
		return Event{}, false
	}
}

// SendPlayRequest asks the host to start a track for every peer.
func (e *Engine) SendPlayRequest(trackURL string, delayMS uint64) {
	e.enqueue(protocol.PlayRequest{TrackURL: trackURL, DelayMS: delayMS})
}

// SendCommand issues a control command over the session channel.
func (e *Engine) SendCommand(cmd protocol.ControlCommand) {
	e.enqueue(protocol.CommandRequest{Cmd: cmd})
}

// CalculateCorrection feeds one drift sample into the controller and
// returns the clamped playback-rate multiplier, which is also pushed to
// the backend.
func (e *Engine) CalculateCorrection(driftMS float64, dtSeconds float64) float64 {
	e.mu.Lock()
	e.drift = driftMS
	e.mu.Unlock()

	e.pidMu.Lock()
	// Target is zero drift, so the error is the negated drift.
	output := e.pid.Next(-driftMS, dtSeconds)
	e.pidMu.Unlock()

	rate := pid.Multiplier(output)
	e.config.Backend.SetRate(rate)
	return rate
}

// SyncNow runs one burst of time requests and updates the offset
// estimate from the mean of the consistent samples. Bursts are
// serialized so every reply pairs with the round that sent it.
func (e *Engine) SyncNow() {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	var samples []clock.Sample

	for i := 0; i < e.config.BurstCount; i++ {
		// A reply from a timed-out round may still be buffered. It
		// must not be paired with this round's t3.
		e.drainReplies()

		t0 := e.localNow()
		e.enqueue(protocol.TimeRequest{T0: t0, Seq: uint8(i)})

		if sample, ok := e.awaitReply(t0, uint8(i)); ok {
			samples = append(samples, sample)
		}
		if e.ctx.Err() != nil {
			return
		}

		if i < e.config.BurstCount-1 {
			select {
			case <-time.After(e.config.BurstSpacing):
			case <-e.ctx.Done():
				return
			}
		}
	}

	if len(samples) == 0 {
		e.log.Warn("Sync burst produced no samples")
		return
	}

	agg := clock.Mean(samples)

	e.mu.Lock()
	jump := agg.Offset - e.offset
	hadSync := e.synced
	e.synced = true
	e.offset = agg.Offset
	e.rtt = agg.RTT
	drift := e.drift
	e.mu.Unlock()

	if hadSync && (jump > resetOffsetJumpUS || jump < -resetOffsetJumpUS) {
		e.pidMu.Lock()
		e.pid.Reset()
		e.pidMu.Unlock()
		e.log.WithField("jump_us", jump).Info("Large offset change, controller reset")
	}

	e.log.WithFields(log.Fields{
		"offset_us": agg.Offset,
		"rtt_us":    agg.RTT,
		"samples":   len(samples),
	}).Debug("Sync updated")

	e.enqueue(protocol.Telemetry{
		RTT:    uint64(agg.RTT),
		Offset: agg.Offset,
		Drift:  int64(drift),
		Status: "synchronized",
	})
	e.emit(Event{Kind: EventSyncUpdated, OffsetUS: agg.Offset, RTTUS: agg.RTT})
}

// drainReplies discards any buffered time responses.
func (e *Engine) drainReplies() {
	for {
		select {
		case <-e.timeResp:
		default:
			return
		}
	}
}

// awaitReply waits for the response matching the round that sent t0.
// Responses carrying another round's timestamps arrive after their own
// round timed out; they are discarded and the wait continues.
func (e *Engine) awaitReply(t0 uint64, seq uint8) (clock.Sample, bool) {
	timeout := time.After(roundTimeout)
	for {
		select {
		case resp := <-e.timeResp:
			if resp.T0 != t0 || resp.Seq != seq {
				e.log.WithFields(log.Fields{
					"seq":  resp.Seq,
					"want": seq,
				}).Debug("Discarding stale time response")
				continue
			}
			t3 := e.localNow()
			sample, err := clock.Compute(resp.T0, resp.T1, resp.T2, t3)
			if err != nil {
				// One bad round is ignorable; keep the rest of the burst.
				e.log.WithError(err).Warn("Discarding sync sample")
				return clock.Sample{}, false
			}
			return sample, true
		case <-timeout:
			e.log.WithField("seq", seq).Debug("Sync round timed out")
			return clock.Sample{}, false
		case <-e.ctx.Done():
			return clock.Sample{}, false
		}
	}
}

// syncLoop runs an initial burst, then one every SyncInterval.
func (e *Engine) syncLoop() {
	e.SyncNow()

	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.SyncNow()
		case <-e.ctx.Done():
			return
		}
	}
}

// writer serializes all outgoing frames.
func (e *Engine) writer() {
	for {
		select {
		case msg := <-e.writeCh:
			data, err := e.codec.EncodeClient(msg)
			if err != nil {
				e.log.WithError(err).Warn("Failed to encode message")
				continue
			}
			e.mu.RLock()
			conn := e.conn
			e.mu.RUnlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				e.log.WithError(err).Warn("Write failed")
				e.Close()
				return
			}
		case <-e.ctx.Done():
			return
		}
	}
}

// reader decodes inbound frames and dispatches them in transport order.
func (e *Engine) reader() {
	defer e.Close()

	for {
		e.mu.RLock()
		conn := e.conn
		e.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if e.ctx.Err() == nil {
				e.log.WithError(err).Warn("Read error")
			}
			return
		}

		msg, err := e.codec.DecodeServer(data)
		if err != nil {
			e.log.WithError(err).Warn("Dropping malformed frame")
			continue
		}
		e.handleServer(msg)
	}
}

func (e *Engine) handleServer(msg protocol.ServerMessage) {
	switch m := msg.(type) {
	case protocol.Welcome:
		e.mu.Lock()
		e.sessionID = m.SessionID
		e.mu.Unlock()
		e.log.WithField("session", m.SessionID).Info("Session established")
		e.emit(Event{Kind: EventConnected, SessionID: m.SessionID})

	case protocol.TimeResponse:
		select {
		case e.timeResp <- m:
		default:
			// A stale reply from a previous burst; drop it.
		}

	case protocol.PlayCommand:
		e.handlePlay(m)

	case protocol.PauseCommand:
		e.mu.Lock()
		if e.playTimer != nil {
			e.playTimer.Stop()
			e.playTimer = nil
		}
		e.mu.Unlock()
		if err := e.config.Backend.Pause(); err != nil {
			e.log.WithError(err).Warn("Backend pause failed")
		}
		e.emit(Event{Kind: EventPaused, ServerTime: m.ServerTime})

	case protocol.SyncRequired:
		e.log.Info("Server requested resync")
		e.emit(Event{Kind: EventSyncRequired})
		go e.SyncNow()
	}
}

// handlePlay schedules the playback start against server time. A
// deadline already in the past is skipped, never started mid-cue.
func (e *Engine) handlePlay(cmd protocol.PlayCommand) {
	// Any play command is a discontinuity for the drift controller.
	e.pidMu.Lock()
	e.pid.Reset()
	e.pidMu.Unlock()

	if err := e.config.Backend.Prepare(cmd.TrackURL, cmd.StartAtPositionMS); err != nil {
		e.log.WithError(err).Warn("Backend prepare failed")
	}

	e.mu.Lock()
	e.currentTrack = cmd.TrackURL
	if e.playTimer != nil {
		e.playTimer.Stop()
		e.playTimer = nil
	}
	offset := e.offset
	e.mu.Unlock()

	// Zero start time is live mode: render chunks as they arrive.
	if cmd.StartAtServerTime == 0 {
		if err := e.config.Backend.Start(); err != nil {
			e.log.WithError(err).Warn("Backend start failed")
		}
		e.emit(Event{Kind: EventStarted, TrackURL: cmd.TrackURL})
		return
	}

	nowServer := uint64(int64(e.localNow()) + offset)
	var waitUS uint64
	if cmd.StartAtServerTime > nowServer {
		waitUS = cmd.StartAtServerTime - nowServer
	}

	if waitUS == 0 {
		e.log.WithFields(log.Fields{
			"target": cmd.StartAtServerTime,
			"now":    nowServer,
		}).Warn("Play deadline missed, skipping")
		e.emit(Event{
			Kind:       EventSkippedLate,
			TrackURL:   cmd.TrackURL,
			PositionMS: cmd.StartAtPositionMS,
			ServerTime: cmd.StartAtServerTime,
		})
		return
	}

	e.log.WithFields(log.Fields{
		"track":   cmd.TrackURL,
		"wait_ms": waitUS / 1000,
		"pos_ms":  cmd.StartAtPositionMS,
	}).Info("Playback scheduled")
	e.emit(Event{
		Kind:       EventScheduledPlay,
		TrackURL:   cmd.TrackURL,
		PositionMS: cmd.StartAtPositionMS,
		ServerTime: cmd.StartAtServerTime,
		WaitUS:     waitUS,
	})

	timer := time.AfterFunc(time.Duration(waitUS)*time.Microsecond, func() {
		if err := e.config.Backend.Start(); err != nil {
			e.log.WithError(err).Warn("Backend start failed")
		}
		e.emit(Event{
			Kind:       EventStarted,
			TrackURL:   cmd.TrackURL,
			PositionMS: cmd.StartAtPositionMS,
			ServerTime: cmd.StartAtServerTime,
		})
	})

	e.mu.Lock()
	e.playTimer = timer
	e.mu.Unlock()
}

func (e *Engine) enqueue(msg protocol.ClientMessage) {
	select {
	case e.writeCh <- msg:
	default:
		e.log.Warn("Write queue full, dropping message")
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		// The embedder is not draining; losing old events is better
		// than blocking the session.
	}
}
