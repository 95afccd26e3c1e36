package shared

import "fmt"

type AnnounceEvent int32

// See BEP 3, "event". The variant is closed: anything a client sends is one of these or a
// protocol error.
const (
	// Default event, equivalent to unspecified. Also what "paused" (BEP 21) maps to.
	AnnounceEventNone AnnounceEvent = iota
	// Local peer just completed the torrent.
	AnnounceEventCompleted
	// local peer has just resumed this torrent.
	AnnounceEventStarted
	// Local peer is leaving the swarm.
	AnnounceEventStopped
)

func (me AnnounceEvent) String() string {
	switch me {
	case AnnounceEventNone:
		return ""
	case AnnounceEventCompleted:
		return "completed"
	case AnnounceEventStarted:
		return "started"
	case AnnounceEventStopped:
		return "stopped"
	}
	return fmt.Sprintf("AnnounceEvent(%d)", int32(me))
}

// ParseAnnounceEvent maps the "event" query value.
func ParseAnnounceEvent(s string) (AnnounceEvent, error) {
	switch s {
	case "", "empty", "paused":
		return AnnounceEventNone, nil
	case "completed":
		return AnnounceEventCompleted, nil
	case "started":
		return AnnounceEventStarted, nil
	case "stopped":
		return AnnounceEventStopped, nil
	}
	return 0, fmt.Errorf("unknown event %q", s)
}
