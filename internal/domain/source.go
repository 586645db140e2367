package domain

import "time"

// SourceCursor is the persisted read position for one guild's log
// source. ByteOffset is monotonically non-decreasing for a fixed
// FileName; a filename change or an offset past the current file size
// resets it to zero.
type SourceCursor struct {
	GuildID    int64  `json:"guild_id"`
	FileName   string `json:"file_name"`
	ByteOffset int64  `json:"byte_offset"`
	FileSize   int64  `json:"file_size"`
}

// SourceStatus is the per-tick heartbeat state of a guild's poll loop,
// exposed for the status API and CLI.
type SourceStatus struct {
	GuildID   int64     `json:"guild_id"`
	FileName  string    `json:"file_name"`
	Offset    int64     `json:"offset"`
	FileSize  int64     `json:"file_size"`
	ModTime   time.Time `json:"mod_time,omitempty"`
	LastTick  time.Time `json:"last_tick,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}
