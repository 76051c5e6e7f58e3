// ABOUTME: Compact binary encoding for protocol messages
// ABOUTME: One tag byte per variant, big-endian fields, length-prefixed strings
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Variant tags. Stable wire values; never renumber.
const (
	tagJoin           byte = 1
	tagTimeRequest    byte = 2
	tagTelemetry      byte = 3
	tagPlayRequest    byte = 4
	tagCommandRequest byte = 5

	tagWelcome      byte = 1
	tagTimeResponse byte = 2
	tagPlayCommand  byte = 3
	tagPauseCommand byte = 4
	tagSyncRequired byte = 5

	tagCmdPlay  byte = 1
	tagCmdPause byte = 2
	tagCmdSeek  byte = 3
)

var (
	// ErrShortFrame means a frame ended before its fields did.
	ErrShortFrame = errors.New("protocol: short frame")
	// ErrUnknownTag means the variant discriminator is not in the union.
	ErrUnknownTag = errors.New("protocol: unknown message tag")
	// ErrTrailingBytes means a frame carried data past the last field.
	ErrTrailingBytes = errors.New("protocol: trailing bytes after message")
)

// maxStringLen bounds decoded strings so a corrupt length prefix cannot
// force a huge allocation.
const maxStringLen = 1 << 16

// BinaryCodec is the compact encoding used by regular peers.
type BinaryCodec struct{}

func (BinaryCodec) Binary() bool { return true }

func (BinaryCodec) EncodeServer(m ServerMessage) ([]byte, error) {
	var buf bytes.Buffer
	switch v := m.(type) {
	case Welcome:
		buf.WriteByte(tagWelcome)
		putString(&buf, v.SessionID)
	case TimeResponse:
		buf.WriteByte(tagTimeResponse)
		putU64(&buf, v.T0)
		putU64(&buf, v.T1)
		putU64(&buf, v.T2)
		buf.WriteByte(v.Seq)
	case PlayCommand:
		buf.WriteByte(tagPlayCommand)
		putString(&buf, v.TrackURL)
		putU64(&buf, v.StartAtServerTime)
		putU64(&buf, v.StartAtPositionMS)
		putU64(&buf, v.ServerTimeAtBroadcast)
	case PauseCommand:
		buf.WriteByte(tagPauseCommand)
		putU64(&buf, v.ServerTime)
	case SyncRequired:
		buf.WriteByte(tagSyncRequired)
	default:
		return nil, fmt.Errorf("protocol: cannot encode server message %T", m)
	}
	return buf.Bytes(), nil
}

func (BinaryCodec) DecodeServer(data []byte) (ServerMessage, error) {
	r := frameReader{data: data}
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	var msg ServerMessage
	switch tag {
	case tagWelcome:
		var v Welcome
		v.SessionID, err = r.str()
		msg = v
	case tagTimeResponse:
		var v TimeResponse
		v.T0, v.T1, v.T2, err = r.u64x3()
		if err == nil {
			v.Seq, err = r.u8()
		}
		msg = v
	case tagPlayCommand:
		var v PlayCommand
		v.TrackURL, err = r.str()
		if err == nil {
			v.StartAtServerTime, v.StartAtPositionMS, v.ServerTimeAtBroadcast, err = r.u64x3()
		}
		msg = v
	case tagPauseCommand:
		var v PauseCommand
		v.ServerTime, err = r.u64()
		msg = v
	case tagSyncRequired:
		msg = SyncRequired{}
	default:
		return nil, fmt.Errorf("%w: server tag %d", ErrUnknownTag, tag)
	}
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (BinaryCodec) EncodeClient(m ClientMessage) ([]byte, error) {
	var buf bytes.Buffer
	switch v := m.(type) {
	case Join:
		buf.WriteByte(tagJoin)
		putString(&buf, v.DeviceID)
	case TimeRequest:
		buf.WriteByte(tagTimeRequest)
		putU64(&buf, v.T0)
		buf.WriteByte(v.Seq)
	case Telemetry:
		buf.WriteByte(tagTelemetry)
		putU64(&buf, v.RTT)
		putU64(&buf, uint64(v.Offset))
		putU64(&buf, uint64(v.Drift))
		putString(&buf, v.Status)
	case PlayRequest:
		buf.WriteByte(tagPlayRequest)
		putString(&buf, v.TrackURL)
		putU64(&buf, v.DelayMS)
	case CommandRequest:
		buf.WriteByte(tagCommandRequest)
		if err := putCommand(&buf, v.Cmd); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("protocol: cannot encode client message %T", m)
	}
	return buf.Bytes(), nil
}

func (BinaryCodec) DecodeClient(data []byte) (ClientMessage, error) {
	r := frameReader{data: data}
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	var msg ClientMessage
	switch tag {
	case tagJoin:
		var v Join
		v.DeviceID, err = r.str()
		msg = v
	case tagTimeRequest:
		var v TimeRequest
		v.T0, err = r.u64()
		if err == nil {
			v.Seq, err = r.u8()
		}
		msg = v
	case tagTelemetry:
		var v Telemetry
		v.RTT, err = r.u64()
		if err == nil {
			var raw uint64
			raw, err = r.u64()
			v.Offset = int64(raw)
		}
		if err == nil {
			var raw uint64
			raw, err = r.u64()
			v.Drift = int64(raw)
		}
		if err == nil {
			v.Status, err = r.str()
		}
		msg = v
	case tagPlayRequest:
		var v PlayRequest
		v.TrackURL, err = r.str()
		if err == nil {
			v.DelayMS, err = r.u64()
		}
		msg = v
	case tagCommandRequest:
		var v CommandRequest
		v.Cmd, err = r.command()
		msg = v
	default:
		return nil, fmt.Errorf("%w: client tag %d", ErrUnknownTag, tag)
	}
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return msg, nil
}

func putCommand(buf *bytes.Buffer, cmd ControlCommand) error {
	switch c := cmd.(type) {
	case Play:
		buf.WriteByte(tagCmdPlay)
		putU64(buf, c.StartAtMS)
		putU64(buf, c.DelayMS)
	case Pause:
		buf.WriteByte(tagCmdPause)
	case Seek:
		buf.WriteByte(tagCmdSeek)
		putU64(buf, c.PositionMS)
	default:
		return fmt.Errorf("protocol: cannot encode control command %T", cmd)
	}
	return nil
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putString(buf *bytes.Buffer, s string) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(len(s)))
	buf.Write(b[:])
	buf.WriteString(s)
}

// frameReader walks a frame front to back, turning overruns into
// ErrShortFrame instead of panics.
type frameReader struct {
	data []byte
	pos  int
}

func (r *frameReader) u8() (byte, error) {
	if r.pos+1 > len(r.data) {
		return 0, ErrShortFrame
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *frameReader) u64() (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, ErrShortFrame
	}
	v := binary.BigEndian.Uint64(r.data[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *frameReader) u64x3() (a, b, c uint64, err error) {
	if a, err = r.u64(); err != nil {
		return
	}
	if b, err = r.u64(); err != nil {
		return
	}
	c, err = r.u64()
	return
}

func (r *frameReader) str() (string, error) {
	if r.pos+4 > len(r.data) {
		return "", ErrShortFrame
	}
	n := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	if n > maxStringLen {
		return "", fmt.Errorf("protocol: string length %d exceeds limit", n)
	}
	if r.pos+int(n) > len(r.data) {
		return "", ErrShortFrame
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *frameReader) command() (ControlCommand, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagCmdPlay:
		var c Play
		if c.StartAtMS, err = r.u64(); err != nil {
			return nil, err
		}
		if c.DelayMS, err = r.u64(); err != nil {
			return nil, err
		}
		return c, nil
	case tagCmdPause:
		return Pause{}, nil
	case tagCmdSeek:
		var c Seek
		if c.PositionMS, err = r.u64(); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: command tag %d", ErrUnknownTag, tag)
	}
}

func (r *frameReader) done() error {
	if r.pos != len(r.data) {
		return ErrTrailingBytes
	}
	return nil
}
