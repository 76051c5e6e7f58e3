// ABOUTME: Integration tests for sessions over a real websocket transport
// ABOUTME: Welcome ordering, sync rounds, late-join relay, HTTP endpoints
package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonicsync/sonicsync-go/pkg/protocol"
)

// testServer wires shared state on a manual clock into an httptest
// listener and hands back a dialable ws URL.
func testServer(t *testing.T, startMicros uint64) (*Server, *atomic.Uint64, string) {
	t.Helper()
	state, now := newTestState(startMicros)
	srv := New(Config{Port: DefaultPort}, state)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return srv, now, wsURL
}

func dialPeer(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServer(t *testing.T, conn *websocket.Conn, codec protocol.Codec) protocol.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := codec.DecodeServer(data)
	require.NoError(t, err)
	return msg
}

func writeClient(t *testing.T, conn *websocket.Conn, codec protocol.Codec, msg protocol.ClientMessage) {
	t.Helper()
	data, err := codec.EncodeClient(msg)
	require.NoError(t, err)
	frameType := websocket.TextMessage
	if codec.Binary() {
		frameType = websocket.BinaryMessage
	}
	require.NoError(t, conn.WriteMessage(frameType, data))
}

func TestSessionWelcomeComesFirst(t *testing.T) {
	srv, _, wsURL := testServer(t, 1_000_000)
	codec := protocol.BinaryCodec{}

	conn := dialPeer(t, wsURL)
	msg := readServer(t, conn, codec)

	welcome, ok := msg.(protocol.Welcome)
	require.True(t, ok, "first message was %T", msg)
	assert.NotEmpty(t, welcome.SessionID)

	// The peer is registered under the advertised session id.
	require.Eventually(t, func() bool {
		return srv.State().LookupPeer(welcome.SessionID) != nil
	}, time.Second, 10*time.Millisecond)
}

func TestSessionTimeRequest(t *testing.T) {
	_, now, wsURL := testServer(t, 5_000_000)
	codec := protocol.BinaryCodec{}

	conn := dialPeer(t, wsURL)
	readServer(t, conn, codec) // welcome

	now.Store(5_000_250)
	writeClient(t, conn, codec, protocol.TimeRequest{T0: 42, Seq: 7})

	msg := readServer(t, conn, codec)
	resp, ok := msg.(protocol.TimeResponse)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, uint64(42), resp.T0)
	assert.Equal(t, uint64(5_000_250), resp.T1)
	assert.Equal(t, uint64(5_000_250), resp.T2)
	assert.Equal(t, uint8(7), resp.Seq)
}

func TestSessionLateJoinRelay(t *testing.T) {
	srv, now, wsURL := testServer(t, 1_000_000)
	codec := protocol.BinaryCodec{}

	// Playback started at 1_000_000; a peer joins 1.25s in.
	srv.State().Apply(protocol.Play{StartAtMS: 0, DelayMS: 500})
	now.Store(2_250_000)

	conn := dialPeer(t, wsURL)
	readServer(t, conn, codec) // welcome

	msg := readServer(t, conn, codec)
	play, ok := msg.(protocol.PlayCommand)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, protocol.StreamTrackURL, play.TrackURL)
	assert.Equal(t, uint64(1250), play.StartAtPositionMS)
	assert.Equal(t, uint64(2_250_000), play.StartAtServerTime)
}

func TestSessionNoRelayWhenIdle(t *testing.T) {
	_, now, wsURL := testServer(t, 1_000_000)
	codec := protocol.BinaryCodec{}

	conn := dialPeer(t, wsURL)
	readServer(t, conn, codec) // welcome

	// Nothing is playing, so the next frame must answer this request,
	// not relay stale state.
	now.Store(1_000_100)
	writeClient(t, conn, codec, protocol.TimeRequest{T0: 1, Seq: 0})
	msg := readServer(t, conn, codec)
	_, ok := msg.(protocol.TimeResponse)
	require.True(t, ok, "got %T", msg)
}

func TestSessionBroadcastFanOut(t *testing.T) {
	srv, _, wsURL := testServer(t, 1_000_000)
	codec := protocol.BinaryCodec{}

	a := dialPeer(t, wsURL)
	b := dialPeer(t, wsURL)
	readServer(t, a, codec)
	readServer(t, b, codec)

	// Wait until both control-bus subscriptions are live.
	require.Eventually(t, func() bool {
		return srv.State().ControlBus().Subscribers() == 2
	}, time.Second, 10*time.Millisecond)

	srv.State().Apply(protocol.Play{StartAtMS: 0, DelayMS: 500})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readServer(t, conn, codec)
		play, ok := msg.(protocol.PlayCommand)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, uint64(1_500_000), play.StartAtServerTime)
	}
}

func TestSessionTelemetryStored(t *testing.T) {
	srv, _, wsURL := testServer(t, 1_000_000)
	codec := protocol.BinaryCodec{}

	conn := dialPeer(t, wsURL)
	welcome := readServer(t, conn, codec).(protocol.Welcome)

	writeClient(t, conn, codec, protocol.Telemetry{
		RTT: 300, Offset: -900, Drift: 2, Status: "synchronized",
	})

	require.Eventually(t, func() bool {
		peer := srv.State().LookupPeer(welcome.SessionID)
		if peer == nil {
			return false
		}
		rtt, offset := peer.Telemetry()
		return rtt == 300 && offset == -900
	}, time.Second, 10*time.Millisecond)
}

func TestSessionMalformedFrameIsDropped(t *testing.T) {
	_, _, wsURL := testServer(t, 1_000_000)
	codec := protocol.BinaryCodec{}

	conn := dialPeer(t, wsURL)
	readServer(t, conn, codec) // welcome

	// Garbage must not kill the session.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xFF, 0x01}))

	writeClient(t, conn, codec, protocol.TimeRequest{T0: 5, Seq: 1})
	msg := readServer(t, conn, codec)
	_, ok := msg.(protocol.TimeResponse)
	require.True(t, ok, "got %T", msg)
}

func TestSessionPlayRequestBroadcast(t *testing.T) {
	_, _, wsURL := testServer(t, 1_000_000)
	codec := protocol.BinaryCodec{}

	conn := dialPeer(t, wsURL)
	readServer(t, conn, codec) // welcome

	writeClient(t, conn, codec, protocol.PlayRequest{
		TrackURL: "http://example.com/track.mp3",
		DelayMS:  500,
	})

	msg := readServer(t, conn, codec)
	play, ok := msg.(protocol.PlayCommand)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "http://example.com/track.mp3", play.TrackURL)
	assert.Equal(t, uint64(1_500_000), play.StartAtServerTime)
	assert.Equal(t, uint64(0), play.StartAtPositionMS)
}

func TestDashboardSessionUsesTextFrames(t *testing.T) {
	_, _, wsURL := testServer(t, 1_000_000)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws?type=dashboard", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frameType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, frameType)
	assert.Contains(t, string(data), `"welcome"`)

	msg, err := protocol.TextCodec{}.DecodeServer(data)
	require.NoError(t, err)
	_, ok := msg.(protocol.Welcome)
	assert.True(t, ok)
}

func TestControlEndpoint(t *testing.T) {
	state, _ := newTestState(1_000_000)
	srv := New(Config{}, state)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := strings.NewReader(`{"type":"play","payload":{"start_at_ms":0,"delay_ms":500}}`)
	resp, err := http.Post(ts.URL+"/control", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, state.Playback().IsPlaying)
}

func TestControlEndpointRejectsBadInput(t *testing.T) {
	state, _ := newTestState(0)
	srv := New(Config{}, state)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/control")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/control", "application/json", strings.NewReader("{oops"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamEndpoint(t *testing.T) {
	state, _ := newTestState(0)
	srv := New(Config{}, state)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	path := filepath.Join(t.TempDir(), "track.bin")
	require.NoError(t, os.WriteFile(path, []byte("audio-bytes"), 0o644))
	state.HostFile(path)

	resp, err = http.Get(ts.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))

	// Range requests work through the file server.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/stream", nil)
	req.Header.Set("Range", "bytes=0-4")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp2.StatusCode)
	partial, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, "audio", string(partial))
}

func TestLiveStreamEndpoint(t *testing.T) {
	state, _ := newTestState(0)
	srv := New(Config{}, state)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return state.AudioBus().Subscribers() == 1
	}, time.Second, 10*time.Millisecond)

	state.PushAudioChunk([]byte("chunk-1"))

	buf := make([]byte, 7)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, "chunk-1", string(buf))
}

func TestSessionControlLagRequestsResync(t *testing.T) {
	// One-slot control bus: a flood outruns the writer, the peer is
	// told to resync, and the session keeps serving afterwards.
	state := newAppState(1, audioBusCapacity)
	srv := New(Config{}, state)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	codec := protocol.BinaryCodec{}
	conn := dialPeer(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	readServer(t, conn, codec) // welcome

	require.Eventually(t, func() bool {
		return state.ControlBus().Subscribers() == 1
	}, time.Second, 10*time.Millisecond)

	for i := 0; i < 500; i++ {
		state.ControlBus().Publish(protocol.PauseCommand{ServerTime: uint64(i)})
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "lagged peer never asked to resync")
		if _, ok := readServer(t, conn, codec).(protocol.SyncRequired); ok {
			break
		}
	}

	writeClient(t, conn, codec, protocol.TimeRequest{T0: 9, Seq: 1})
	for {
		require.True(t, time.Now().Before(deadline), "session stopped serving after lag")
		if resp, ok := readServer(t, conn, codec).(protocol.TimeResponse); ok {
			assert.Equal(t, uint64(9), resp.T0)
			assert.Equal(t, uint8(1), resp.Seq)
			return
		}
	}
}
