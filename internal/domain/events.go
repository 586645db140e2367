package domain

import "time"

// Event types published on the bus and forwarded to WebSocket clients
const (
	EventTrackPoint      = "track_point"
	EventPresenceOnline  = "presence_online"
	EventPresenceOffline = "presence_offline"
	EventKill            = "kill"
	EventAdmLine         = "adm_line"
)

// Event is the envelope for all bus/WebSocket traffic
type Event struct {
	Type      string      `json:"event"`
	GuildID   int64       `json:"guild_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// TrackPointEvent is published when a point is accepted into a track
type TrackPointEvent struct {
	PlayerID string      `json:"player_id"`
	Gamertag string      `json:"gamertag"`
	Point    PointRecord `json:"point"`
}

// PresenceOnlineEvent is published when a tracked target comes online
type PresenceOnlineEvent struct {
	Target string `json:"target"`
}

// PresenceOfflineEvent is published when a tracked target goes offline.
// LastX/LastZ carry the last known coordinate for the announcement.
type PresenceOfflineEvent struct {
	Target string  `json:"target"`
	LastX  float64 `json:"last_x"`
	LastZ  float64 `json:"last_z"`
}

// KillEvent is published for every parsed kill line
type KillEvent struct {
	Victim string `json:"victim"`
	Killer string `json:"killer"`
}

// AdmLineEvent is the downstream line callback payload: one per newly
// accepted, deduplicated ADM line. SourceRef encodes file name and
// approximate offset for replay debugging.
type AdmLineEvent struct {
	Line      string `json:"line"`
	SourceRef string `json:"source_ref"`
}
