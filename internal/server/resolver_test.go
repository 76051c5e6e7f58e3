// ABOUTME: Tests for the URL resolver heuristic and probe helpers
// ABOUTME: Host matching, direct links, non-audio file probing
package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeedsResolving(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://www.youtube.com/watch?v=abc123", true},
		{"https://youtu.be/abc123", true},
		{"https://soundcloud.com/artist/track", true},
		{"https://vimeo.com/12345", true},
		{"https://m.youtube.com/watch?v=abc123", true},
		{"https://example.com/track.mp3", false},
		{"http://192.168.1.10:3000/stream", false},
		{"stream", false},
		{"live", false},
		{"", false},
		// Substring tricks must not match.
		{"https://notyoutube.com/watch", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NeedsResolving(c.url), "url %q", c.url)
	}
}

func TestProbeTrackPlainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.wav")
	require.NoError(t, os.WriteFile(path, make([]byte, 1234), 0o644))

	info, err := ProbeTrack(path)
	require.NoError(t, err)
	assert.Equal(t, path, info.Path)
	assert.Equal(t, int64(1234), info.SizeBytes)
	// Non-MP3 files only get a size check.
	assert.Zero(t, info.Duration)
	assert.Zero(t, info.SampleRate)
}

func TestProbeTrackMissingFile(t *testing.T) {
	_, err := ProbeTrack(filepath.Join(t.TempDir(), "nope.mp3"))
	assert.Error(t, err)
}

func TestProbeTrackDirectory(t *testing.T) {
	_, err := ProbeTrack(t.TempDir())
	assert.Error(t, err)
}

func TestProbeTrackCorruptMP3(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.mp3")
	require.NoError(t, os.WriteFile(path, []byte("not an mp3"), 0o644))

	_, err := ProbeTrack(path)
	assert.Error(t, err)
}
