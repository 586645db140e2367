package collector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ernie/dayz-tracker/internal/bus"
	"github.com/ernie/dayz-tracker/internal/config"
	"github.com/ernie/dayz-tracker/internal/domain"
	"github.com/ernie/dayz-tracker/internal/storage"
	"github.com/ernie/dayz-tracker/internal/track"
)

// Manager runs one polling Source per configured guild and routes parsed
// events into the track store, the presence tracker, and the bus.
type Manager struct {
	cfg      *config.Config
	store    *storage.Store
	tracks   *track.Store
	presence *PresenceTracker
	pub      bus.Publisher
	log      zerolog.Logger

	ctx context.Context

	mu       sync.Mutex
	sources  map[int64]*Source
	archives []*Archive
	wg       sync.WaitGroup
}

func NewManager(cfg *config.Config, store *storage.Store, tracks *track.Store, pub bus.Publisher, log zerolog.Logger) *Manager {
	m := &Manager{
		cfg:     cfg,
		store:   store,
		tracks:  tracks,
		pub:     pub,
		log:     log,
		ctx:     context.Background(),
		sources: make(map[int64]*Source),
	}
	m.presence = NewPresenceTracker(cfg.Tracker.AbsenceThreshold, PresenceCallbacks{
		Online:  m.announceOnline,
		Offline: m.announceOffline,
	}, tracks.LastCoord, log)
	return m
}

// Start loads persisted target registrations and launches one poll loop per
// guild.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx = ctx

	targets, err := m.store.ListTargets(ctx, 0)
	if err != nil {
		return err
	}
	for _, t := range targets {
		m.presence.Track(t.GuildID, t.Gamertag)
	}
	if len(targets) > 0 {
		m.log.Info().Int("targets", len(targets)).Msg("restored presence registrations")
	}

	for _, g := range m.cfg.Guilds {
		var archive *Archive
		if m.cfg.Archive.Dir != "" {
			archive, err = OpenArchive(m.cfg.Archive.Dir, g.GuildID, m.log)
			if err != nil {
				m.log.Warn().Err(err).Int64("guild", g.GuildID).Msg("archive disabled")
				archive = nil
			} else {
				m.archives = append(m.archives, archive)
			}
		}

		src := NewSource(SourceOptions{
			Config:  g,
			Store:   m.store,
			Dial:    DialFTP,
			Dedup:   NewLineDeduplicator(m.cfg.Tracker.DedupWindow),
			Parser:  NewParser(m.log),
			Archive: archive,
			OnLine:  m.handleLine,
			OnEvent: m.handleEvent,
			Log:     m.log,
		})
		m.sources[g.GuildID] = src

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			src.Run(ctx)
		}()
		m.log.Info().Int64("guild", g.GuildID).Str("host", g.Host).Dur("interval", g.Interval()).Msg("polling started")
	}
	return nil
}

// Stop ends all poll loops and closes the archives.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, src := range m.sources {
		src.Stop()
	}
	m.mu.Unlock()
	m.wg.Wait()
	for _, a := range m.archives {
		if err := a.Close(); err != nil {
			m.log.Warn().Err(err).Msg("closing archive")
		}
	}
}

// Track registers a presence target, persisted across restarts.
func (m *Manager) Track(ctx context.Context, guildID int64, gamertag string) error {
	if err := m.store.AddTarget(ctx, guildID, gamertag); err != nil {
		return err
	}
	m.presence.Track(guildID, gamertag)
	return nil
}

// Untrack removes a presence target. Returns false if it was not tracked.
func (m *Manager) Untrack(ctx context.Context, guildID int64, gamertag string) (bool, error) {
	removed, err := m.store.RemoveTarget(ctx, guildID, gamertag)
	if err != nil {
		return false, err
	}
	m.presence.Untrack(guildID, gamertag)
	return removed, nil
}

// Targets lists persisted registrations; guildID 0 means all guilds.
func (m *Manager) Targets(ctx context.Context, guildID int64) ([]domain.Target, error) {
	return m.store.ListTargets(ctx, guildID)
}

// Statuses reports every source's heartbeat, ordered by guild id.
func (m *Manager) Statuses() []domain.SourceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SourceStatus, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, src.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out
}

func (m *Manager) handleLine(guildID int64, line, sourceRef string, ts time.Time) {
	m.publish(bus.SubjectAdmLine, guildID, domain.Event{
		Type:      domain.EventAdmLine,
		GuildID:   guildID,
		Timestamp: ts,
		Data:      domain.AdmLineEvent{Line: line, SourceRef: sourceRef},
	})
}

func (m *Manager) handleEvent(guildID int64, ev *LogEvent, sourceRef string) {
	switch data := ev.Data.(type) {
	case PositionData:
		m.appendPoint(guildID, data.Player, data.X, data.Y, data.Z, ev.Timestamp, sourceRef)
	case TeleportData:
		// Destination only: the departure point is already on the track.
		m.appendPoint(guildID, data.Player, data.X, data.Y, data.Z, ev.Timestamp, sourceRef)
	case ConnectData:
		m.presence.HandleConnect(guildID, data.Player)
	case DisconnectData:
		m.presence.HandleDisconnect(guildID, data.Player)
	case SnapshotData:
		m.presence.HandleSnapshot(guildID, data)
	case KillData:
		m.publish(bus.SubjectKill, guildID, domain.Event{
			Type:      domain.EventKill,
			GuildID:   guildID,
			Timestamp: ev.Timestamp,
			Data:      domain.KillEvent{Victim: data.Victim, Killer: data.Killer},
		})
	}
}

func (m *Manager) appendPoint(guildID int64, gamertag string, x, y, z float64, ts time.Time, source string) {
	if err := m.tracks.Append(m.ctx, guildID, gamertag, x, y, z, ts, source); err != nil {
		m.log.Error().Err(err).Int64("guild", guildID).Str("player", gamertag).Msg("appending track point")
	}
}

func (m *Manager) announceOnline(guildID int64, target string) {
	m.publish(bus.SubjectPresenceOnline, guildID, domain.Event{
		Type:      domain.EventPresenceOnline,
		GuildID:   guildID,
		Timestamp: time.Now().UTC(),
		Data:      domain.PresenceOnlineEvent{Target: target},
	})
}

func (m *Manager) announceOffline(guildID int64, target string, x, z float64, ok bool) {
	data := domain.PresenceOfflineEvent{Target: target}
	if ok {
		data.LastX, data.LastZ = x, z
	}
	m.publish(bus.SubjectPresenceOffline, guildID, domain.Event{
		Type:      domain.EventPresenceOffline,
		GuildID:   guildID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

func (m *Manager) publish(subject string, guildID int64, ev domain.Event) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(bus.GuildSubject(subject, guildID), ev); err != nil {
		m.log.Warn().Err(err).Str("subject", subject).Msg("publishing event")
	}
}
