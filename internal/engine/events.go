// ABOUTME: Engine event queue definitions
// ABOUTME: Polled events replace callbacks across the embedding boundary
package engine

// EventKind discriminates engine events.
type EventKind int

const (
	// EventConnected fires once the server's Welcome arrives.
	EventConnected EventKind = iota
	// EventDisconnected fires when the session ends for any reason.
	EventDisconnected
	// EventSyncUpdated fires after a completed sync burst.
	EventSyncUpdated
	// EventScheduledPlay fires when a play command is armed.
	EventScheduledPlay
	// EventStarted fires when the armed timer elapses and playback begins.
	EventStarted
	// EventSkippedLate fires when a play deadline was already past.
	EventSkippedLate
	// EventPaused fires on a pause command.
	EventPaused
	// EventSyncRequired fires when the server asks for a fresh sync.
	EventSyncRequired
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventSyncUpdated:
		return "sync_updated"
	case EventScheduledPlay:
		return "scheduled_play"
	case EventStarted:
		return "started"
	case EventSkippedLate:
		return "skipped_late"
	case EventPaused:
		return "paused"
	case EventSyncRequired:
		return "sync_required"
	default:
		return "unknown"
	}
}

// Event is one observable engine occurrence. Fields are populated per
// kind; unused fields are zero.
type Event struct {
	Kind       EventKind
	SessionID  string
	TrackURL   string
	PositionMS uint64
	// ServerTime is the host-relative instant tied to the event, if any.
	ServerTime uint64
	// WaitUS is the scheduling delay for EventScheduledPlay.
	WaitUS uint64
	// OffsetUS and RTTUS accompany EventSyncUpdated.
	OffsetUS int64
	RTTUS    int64
}
