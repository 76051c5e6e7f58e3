// ABOUTME: Audio subsystem seam
// ABOUTME: The engine coordinates; an external backend renders
package engine

// Backend is the audio subsystem the engine drives. Decoding and
// rendering live outside the core; implementations bridge to a platform
// player. All methods are called from engine goroutines and must not
// block for long.
type Backend interface {
	// Prepare cues trackURL at positionMS without starting it.
	Prepare(trackURL string, positionMS uint64) error
	// Start begins playback of the prepared cue immediately.
	Start() error
	// Pause halts playback, keeping the cursor.
	Pause() error
	// SetRate adjusts playback speed; 1.0 is nominal.
	SetRate(multiplier float64)
}

// NopBackend discards every request. Used when the embedder only wants
// events, and in tests.
type NopBackend struct{}

func (NopBackend) Prepare(string, uint64) error { return nil }
func (NopBackend) Start() error                 { return nil }
func (NopBackend) Pause() error                 { return nil }
func (NopBackend) SetRate(float64)              {}
