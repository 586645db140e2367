package domain

import "time"

// Player is one entry in the gamertag -> player id index. The id is
// assigned on first sighting and reused forever.
type Player struct {
	ID        string    `json:"id"`
	Gamertag  string    `json:"gamertag"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// PointRecord is a single stored position
type PointRecord struct {
	TS     time.Time `json:"ts"`
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	Z      float64   `json:"z"`
	Source string    `json:"source,omitempty"`
}

// Track is a player's movement history, ordered by timestamp
type Track struct {
	PlayerID string        `json:"player_id"`
	Gamertag string        `json:"gamertag"`
	Points   []PointRecord `json:"points"`
}

// Target is a presence-tracking registration
type Target struct {
	GuildID   int64     `json:"guild_id"`
	Gamertag  string    `json:"gamertag"`
	CreatedAt time.Time `json:"created_at"`
}
