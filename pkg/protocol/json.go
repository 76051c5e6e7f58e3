// ABOUTME: Self-describing JSON encoding for protocol messages
// ABOUTME: Used by dashboard sessions and the /control endpoint
package protocol

import (
	"encoding/json"
	"fmt"
)

// envelope is the top-level wrapper for every text frame.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Text frame type names. Stable wire values.
const (
	typeJoin           = "join"
	typeTimeRequest    = "time_request"
	typeTelemetry      = "telemetry"
	typePlayRequest    = "play_request"
	typeCommandRequest = "command_request"

	typeWelcome      = "welcome"
	typeTimeResponse = "time_response"
	typePlayCommand  = "play_command"
	typePauseCommand = "pause_command"
	typeSyncRequired = "sync_required"

	typeCmdPlay  = "play"
	typeCmdPause = "pause"
	typeCmdSeek  = "seek"
)

// TextCodec is the JSON encoding negotiated with ?type=dashboard.
type TextCodec struct{}

func (TextCodec) Binary() bool { return false }

func (TextCodec) EncodeServer(m ServerMessage) ([]byte, error) {
	switch v := m.(type) {
	case Welcome:
		return wrap(typeWelcome, v)
	case TimeResponse:
		return wrap(typeTimeResponse, v)
	case PlayCommand:
		return wrap(typePlayCommand, v)
	case PauseCommand:
		return wrap(typePauseCommand, v)
	case SyncRequired:
		return wrap(typeSyncRequired, nil)
	default:
		return nil, fmt.Errorf("protocol: cannot encode server message %T", m)
	}
}

func (TextCodec) DecodeServer(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: malformed text frame: %w", err)
	}
	switch env.Type {
	case typeWelcome:
		return unwrap[Welcome](env)
	case typeTimeResponse:
		return unwrap[TimeResponse](env)
	case typePlayCommand:
		return unwrap[PlayCommand](env)
	case typePauseCommand:
		return unwrap[PauseCommand](env)
	case typeSyncRequired:
		return SyncRequired{}, nil
	default:
		return nil, fmt.Errorf("%w: server type %q", ErrUnknownTag, env.Type)
	}
}

func (TextCodec) EncodeClient(m ClientMessage) ([]byte, error) {
	switch v := m.(type) {
	case Join:
		return wrap(typeJoin, v)
	case TimeRequest:
		return wrap(typeTimeRequest, v)
	case Telemetry:
		return wrap(typeTelemetry, v)
	case PlayRequest:
		return wrap(typePlayRequest, v)
	case CommandRequest:
		cmd, err := MarshalControlCommand(v.Cmd)
		if err != nil {
			return nil, err
		}
		return wrap(typeCommandRequest, struct {
			Cmd json.RawMessage `json:"cmd"`
		}{Cmd: cmd})
	default:
		return nil, fmt.Errorf("protocol: cannot encode client message %T", m)
	}
}

func (TextCodec) DecodeClient(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: malformed text frame: %w", err)
	}
	switch env.Type {
	case typeJoin:
		return unwrap[Join](env)
	case typeTimeRequest:
		return unwrap[TimeRequest](env)
	case typeTelemetry:
		return unwrap[Telemetry](env)
	case typePlayRequest:
		return unwrap[PlayRequest](env)
	case typeCommandRequest:
		var raw struct {
			Cmd json.RawMessage `json:"cmd"`
		}
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &raw); err != nil {
				return nil, fmt.Errorf("protocol: malformed command_request: %w", err)
			}
		}
		cmd, err := UnmarshalControlCommand(raw.Cmd)
		if err != nil {
			return nil, err
		}
		return CommandRequest{Cmd: cmd}, nil
	default:
		return nil, fmt.Errorf("%w: client type %q", ErrUnknownTag, env.Type)
	}
}

// MarshalControlCommand renders a control command in the text form
// accepted by POST /control.
func MarshalControlCommand(cmd ControlCommand) ([]byte, error) {
	switch c := cmd.(type) {
	case Play:
		return wrap(typeCmdPlay, c)
	case Pause:
		return wrap(typeCmdPause, nil)
	case Seek:
		return wrap(typeCmdSeek, c)
	default:
		return nil, fmt.Errorf("protocol: cannot encode control command %T", cmd)
	}
}

// UnmarshalControlCommand parses the text form of a control command.
func UnmarshalControlCommand(data []byte) (ControlCommand, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: malformed control command: %w", err)
	}
	switch env.Type {
	case typeCmdPlay:
		return unwrap[Play](env)
	case typeCmdPause:
		return Pause{}, nil
	case typeCmdSeek:
		return unwrap[Seek](env)
	default:
		return nil, fmt.Errorf("%w: command type %q", ErrUnknownTag, env.Type)
	}
}

func wrap(msgType string, payload any) ([]byte, error) {
	env := envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func unwrap[T any](env envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, fmt.Errorf("protocol: %s frame missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("protocol: malformed %s payload: %w", env.Type, err)
	}
	return v, nil
}
