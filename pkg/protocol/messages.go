// ABOUTME: SonicSync wire protocol message definitions
// ABOUTME: Closed unions for client->server, server->client, and control commands
package protocol

// ClientMessage is a message sent from a client to the server.
// The set of variants is closed; the codecs reject anything else.
type ClientMessage interface {
	isClientMessage()
}

// Join announces a device after connecting. Observational only.
type Join struct {
	DeviceID string `json:"device_id"`
}

// TimeRequest starts one NTP-style sync round. T0 is the client send
// time in microseconds on the client clock.
type TimeRequest struct {
	T0  uint64 `json:"t0"`
	Seq uint8  `json:"seq"`
}

// Telemetry reports the client's latest sync measurements. The server
// stores them on the peer record for observability only.
type Telemetry struct {
	RTT    uint64 `json:"rtt"`
	Offset int64  `json:"offset"`
	Drift  int64  `json:"drift"`
	Status string `json:"status"`
}

// PlayRequest asks the host to start a track for everyone.
type PlayRequest struct {
	TrackURL string `json:"track_url"`
	DelayMS  uint64 `json:"delay_ms"`
}

// CommandRequest carries a control command issued over the session
// channel instead of the REST endpoint.
type CommandRequest struct {
	Cmd ControlCommand `json:"cmd"`
}

func (Join) isClientMessage()           {}
func (TimeRequest) isClientMessage()    {}
func (Telemetry) isClientMessage()      {}
func (PlayRequest) isClientMessage()    {}
func (CommandRequest) isClientMessage() {}

// ServerMessage is a message sent from the server to a client, either
// directly on a session or fanned out on the control bus.
type ServerMessage interface {
	isServerMessage()
}

// Welcome is the first message on every session.
type Welcome struct {
	SessionID string `json:"session_id"`
}

// TimeResponse answers a TimeRequest. T1 is the server receive time,
// T2 the server transmit time, both on the server clock.
type TimeResponse struct {
	T0  uint64 `json:"t0"`
	T1  uint64 `json:"t1"`
	T2  uint64 `json:"t2"`
	Seq uint8  `json:"seq"`
}

// PlayCommand schedules playback at a host-relative instant.
// StartAtServerTime of zero means live mode: render chunks as they arrive.
type PlayCommand struct {
	TrackURL              string `json:"track_url"`
	StartAtServerTime     uint64 `json:"start_at_server_time"`
	StartAtPositionMS     uint64 `json:"start_at_position_ms"`
	ServerTimeAtBroadcast uint64 `json:"server_time_at_broadcast"`
}

// PauseCommand pauses playback. ServerTime is informational.
type PauseCommand struct {
	ServerTime uint64 `json:"server_time"`
}

// SyncRequired directs the client to restart time synchronization.
type SyncRequired struct{}

func (Welcome) isServerMessage()      {}
func (TimeResponse) isServerMessage() {}
func (PlayCommand) isServerMessage()  {}
func (PauseCommand) isServerMessage() {}
func (SyncRequired) isServerMessage() {}

// ControlCommand is a host-issued playback operation.
type ControlCommand interface {
	isControlCommand()
}

// Play starts playback at StartAtMS after DelayMS. A delay of at least
// 300ms gives slow peers time to prepare.
type Play struct {
	StartAtMS uint64 `json:"start_at_ms"`
	DelayMS   uint64 `json:"delay_ms"`
}

// Pause stops playback, preserving the effective position.
type Pause struct{}

// Seek moves the authoritative position.
type Seek struct {
	PositionMS uint64 `json:"position_ms"`
}

func (Play) isControlCommand()  {}
func (Pause) isControlCommand() {}
func (Seek) isControlCommand()  {}

// LiveTrackURL is the sentinel track for live-capture broadcast.
const LiveTrackURL = "live"

// StreamTrackURL is the sentinel for the server's hosted-file endpoint.
const StreamTrackURL = "stream"

// Codec encodes and decodes protocol messages in one of the two wire
// encodings. A session never mixes codecs after selection.
type Codec interface {
	EncodeServer(ServerMessage) ([]byte, error)
	DecodeServer([]byte) (ServerMessage, error)
	EncodeClient(ClientMessage) ([]byte, error)
	DecodeClient([]byte) (ClientMessage, error)

	// Binary reports whether frames are sent as websocket binary
	// messages rather than text.
	Binary() bool
}
