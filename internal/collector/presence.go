package collector

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// PresenceCallbacks receive announcements on actual state changes. Offline
// carries the last known ground coordinate when one exists.
type PresenceCallbacks struct {
	Online  func(guildID int64, target string)
	Offline func(guildID int64, target string, x, z float64, ok bool)
}

// LastCoordFunc looks up a player's most recent stored track coordinate,
// used when a target disconnects without a fresher snapshot position.
type LastCoordFunc func(guildID int64, gamertag string) (x, z float64, ok bool)

const (
	announcedOnline  = "online"
	announcedOffline = "offline"
)

type presenceState struct {
	target        string // canonical gamertag as registered
	online        bool
	lastAnnounced string
	absent        int
	lastSig       uint64
	bootstrapped  bool // true once any definite signal has been observed
	haveCoord     bool
	lastX         float64
	lastZ         float64
}

// PresenceTracker derives online/offline status for registered targets from
// connect/disconnect lines and periodic PlayerList snapshots. A target is
// optimistically Online until proven otherwise, except that a target absent
// from its very first snapshot bootstraps straight to Offline.
type PresenceTracker struct {
	mu        sync.Mutex
	threshold int
	targets   map[int64]map[string]*presenceState // guild -> name key -> state
	cb        PresenceCallbacks
	lastCoord LastCoordFunc
	log       zerolog.Logger
}

func NewPresenceTracker(threshold int, cb PresenceCallbacks, lastCoord LastCoordFunc, log zerolog.Logger) *PresenceTracker {
	return &PresenceTracker{
		threshold: threshold,
		targets:   make(map[int64]map[string]*presenceState),
		cb:        cb,
		lastCoord: lastCoord,
		log:       log,
	}
}

func presenceKey(gamertag string) string {
	return strings.ToLower(strings.TrimSpace(gamertag))
}

// Track registers a target. Re-registering an already-tracked name is a
// no-op so an operator retry cannot reset a live state machine.
func (p *PresenceTracker) Track(guildID int64, gamertag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	guild := p.targets[guildID]
	if guild == nil {
		guild = make(map[string]*presenceState)
		p.targets[guildID] = guild
	}
	key := presenceKey(gamertag)
	if _, ok := guild[key]; ok {
		return
	}
	guild[key] = &presenceState{
		target:        gamertag,
		online:        true,
		lastAnnounced: announcedOnline,
	}
}

func (p *PresenceTracker) Untrack(guildID int64, gamertag string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	guild := p.targets[guildID]
	key := presenceKey(gamertag)
	if _, ok := guild[key]; !ok {
		return false
	}
	delete(guild, key)
	return true
}

// Targets returns the registered gamertags for a guild.
func (p *PresenceTracker) Targets(guildID int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, st := range p.targets[guildID] {
		out = append(out, st.target)
	}
	return out
}

// Online reports the current derived state of a target.
func (p *PresenceTracker) Online(guildID int64, gamertag string) (online, tracked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.targets[guildID][presenceKey(gamertag)]
	if !ok {
		return false, false
	}
	return st.online, true
}

// HandleConnect processes an explicit connect line.
func (p *PresenceTracker) HandleConnect(guildID int64, gamertag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.targets[guildID][presenceKey(gamertag)]
	if !ok {
		return
	}
	st.online = true
	st.absent = 0
	st.bootstrapped = true
	p.announceOnline(guildID, st)
}

// HandleDisconnect processes an explicit disconnect line. The offline
// announcement carries the freshest coordinate available: the last snapshot
// position, falling back to the stored track.
func (p *PresenceTracker) HandleDisconnect(guildID int64, gamertag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.targets[guildID][presenceKey(gamertag)]
	if !ok {
		return
	}
	p.captureCoord(guildID, st)
	st.online = false
	st.absent = 0
	st.bootstrapped = true
	p.announceOffline(guildID, st)
}

// HandleSnapshot advances every target's state machine against one
// PlayerList block. A repeated signature carries no new information and
// never advances absence counters.
func (p *PresenceTracker) HandleSnapshot(guildID int64, snap SnapshotData) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make(map[string]Coord, len(snap.Entries))
	for name, c := range snap.Entries {
		entries[presenceKey(name)] = c
	}

	for key, st := range p.targets[guildID] {
		coord, present := entries[key]
		if present {
			st.absent = 0
			st.bootstrapped = true
			st.haveCoord = true
			st.lastX, st.lastZ = coord.X, coord.Z
			st.lastSig = snap.Signature
			if !st.online {
				st.online = true
			}
			p.announceOnline(guildID, st)
			continue
		}

		if !st.bootstrapped {
			// First ever observation and the target is not in it:
			// it was never online, skip the grace period.
			st.bootstrapped = true
			st.online = false
			st.lastSig = snap.Signature
			p.announceOffline(guildID, st)
			continue
		}

		if snap.Signature == st.lastSig {
			continue
		}
		st.lastSig = snap.Signature
		st.absent++
		if st.online && st.absent >= p.threshold {
			p.captureCoord(guildID, st)
			st.online = false
			p.announceOffline(guildID, st)
		}
	}
}

// captureCoord fills the state's last coordinate from the stored track when
// no snapshot position has been seen. Callers hold the mutex.
func (p *PresenceTracker) captureCoord(guildID int64, st *presenceState) {
	if st.haveCoord || p.lastCoord == nil {
		return
	}
	if x, z, ok := p.lastCoord(guildID, st.target); ok {
		st.haveCoord = true
		st.lastX, st.lastZ = x, z
	}
}

func (p *PresenceTracker) announceOnline(guildID int64, st *presenceState) {
	if st.lastAnnounced == announcedOnline {
		return
	}
	st.lastAnnounced = announcedOnline
	p.log.Info().Int64("guild", guildID).Str("target", st.target).Msg("target online")
	if p.cb.Online != nil {
		p.cb.Online(guildID, st.target)
	}
}

func (p *PresenceTracker) announceOffline(guildID int64, st *presenceState) {
	if st.lastAnnounced == announcedOffline {
		return
	}
	st.lastAnnounced = announcedOffline
	p.log.Info().Int64("guild", guildID).Str("target", st.target).Msg("target offline")
	if p.cb.Offline != nil {
		p.cb.Offline(guildID, st.target, st.lastX, st.lastZ, st.haveCoord)
	}
}
