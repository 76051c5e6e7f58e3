// ABOUTME: Hosted track inspection
// ABOUTME: Probes MP3 files for sample rate and duration before hosting
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	mp3 "github.com/hajimehoshi/go-mp3"
)

// TrackInfo describes a locally hosted track file.
type TrackInfo struct {
	Path       string
	SizeBytes  int64
	SampleRate int
	// Duration is zero when the format is not understood.
	Duration time.Duration
}

// ProbeTrack inspects a local file before it is hosted. MP3 files get a
// full decode-length probe; anything else just gets a size check.
func ProbeTrack(path string) (TrackInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return TrackInfo{}, fmt.Errorf("stat track: %w", err)
	}
	if fi.IsDir() {
		return TrackInfo{}, fmt.Errorf("track %s is a directory", path)
	}

	info := TrackInfo{Path: path, SizeBytes: fi.Size()}
	if strings.ToLower(filepath.Ext(path)) != ".mp3" {
		return info, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return TrackInfo{}, fmt.Errorf("open track: %w", err)
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return TrackInfo{}, fmt.Errorf("decode mp3: %w", err)
	}

	info.SampleRate = dec.SampleRate()
	// Length is total PCM bytes at 16-bit stereo.
	samples := dec.Length() / 4
	if dec.SampleRate() > 0 {
		info.Duration = time.Duration(samples) * time.Second / time.Duration(dec.SampleRate())
	}
	return info, nil
}
