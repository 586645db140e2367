package track

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ernie/dayz-tracker/internal/bus"
	"github.com/ernie/dayz-tracker/internal/domain"
	"github.com/ernie/dayz-tracker/internal/storage"
)

// Options wires a Store. Publisher is optional; a nil publisher disables
// live point events without affecting persistence.
type Options struct {
	DB             *storage.Store
	Publisher      bus.Publisher
	MaxPoints      int
	FlushThreshold int
	FlushInterval  time.Duration
	Log            zerolog.Logger
}

// playerBuffer holds one player's points between flushes plus the last
// accepted ground coordinate for adjacent-duplicate suppression.
type playerBuffer struct {
	id       string
	gamertag string
	pending  []domain.PointRecord
	lastX    float64
	lastZ    float64
	hasLast  bool
}

// Store is the buffered, durable per-player point ledger. Writes accumulate
// in memory and reach the database on a size threshold or a timed flush;
// reads flush first so a query always sees its own guild's recent points.
type Store struct {
	db             *storage.Store
	pub            bus.Publisher
	log            zerolog.Logger
	maxPoints      int
	flushThreshold int
	flushInterval  time.Duration

	mu      sync.Mutex
	players map[string]*playerBuffer // keyed by canonical name

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewStore(opts Options) *Store {
	return &Store{
		db:             opts.DB,
		pub:            opts.Publisher,
		log:            opts.Log,
		maxPoints:      opts.MaxPoints,
		flushThreshold: opts.FlushThreshold,
		flushInterval:  opts.FlushInterval,
		players:        make(map[string]*playerBuffer),
		done:           make(chan struct{}),
	}
}

// Start launches the timed flush loop.
func (s *Store) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.FlushAll(context.Background())
			}
		}
	}()
}

// Stop ends the flush loop and writes out everything still buffered.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	s.FlushAll(context.Background())
}

// Append accepts one observed position. The first sighting of a gamertag
// creates the player record; appending the same ground coordinate twice in a
// row is a no-op.
func (s *Store) Append(ctx context.Context, guildID int64, gamertag string, x, y, z float64, ts time.Time, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := s.bufferLocked(ctx, gamertag)
	if err != nil {
		return err
	}

	if buf.hasLast && buf.lastX == x && buf.lastZ == z {
		return nil
	}

	point := domain.PointRecord{TS: ts.UTC(), X: x, Y: y, Z: z, Source: source}
	buf.pending = append(buf.pending, point)
	buf.lastX, buf.lastZ = x, z
	buf.hasLast = true

	if s.pub != nil {
		ev := domain.Event{
			Type:      domain.EventTrackPoint,
			GuildID:   guildID,
			Timestamp: point.TS,
			Data: domain.TrackPointEvent{
				PlayerID: buf.id,
				Gamertag: buf.gamertag,
				Point:    point,
			},
		}
		if err := s.pub.Publish(bus.GuildSubject(bus.SubjectTrackPoint, guildID), ev); err != nil {
			s.log.Warn().Err(err).Msg("publishing track point")
		}
	}

	if len(buf.pending) >= s.flushThreshold {
		s.flushLocked(ctx, buf)
	}
	return nil
}

// bufferLocked finds or creates the buffer for a gamertag, seeding the
// duplicate-suppression coordinate from the stored track so a restart does
// not re-admit the player's standing position.
func (s *Store) bufferLocked(ctx context.Context, gamertag string) (*playerBuffer, error) {
	key := storage.NameKey(gamertag)
	if buf, ok := s.players[key]; ok {
		return buf, nil
	}

	player, err := s.db.ResolvePlayer(ctx, gamertag, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("resolving player %q: %w", gamertag, err)
	}
	buf := &playerBuffer{id: player.ID, gamertag: player.Gamertag}
	if last, err := s.db.LastPoint(ctx, player.ID); err != nil {
		s.log.Warn().Err(err).Str("player", player.Gamertag).Msg("seeding last point")
	} else if last != nil {
		buf.lastX, buf.lastZ = last.X, last.Z
		buf.hasLast = true
	}
	s.players[key] = buf
	return buf, nil
}

// flushLocked writes one buffer out. On failure the points stay pending for
// the next attempt; inserts are idempotent so a partial write cannot
// duplicate on retry.
func (s *Store) flushLocked(ctx context.Context, buf *playerBuffer) {
	if len(buf.pending) == 0 {
		return
	}
	if err := s.db.AppendPoints(ctx, buf.id, buf.pending); err != nil {
		s.log.Error().Err(err).Str("player", buf.gamertag).Int("points", len(buf.pending)).Msg("flush failed, retaining buffer")
		return
	}
	buf.pending = buf.pending[:0]
	if err := s.db.TrimTrack(ctx, buf.id, s.maxPoints); err != nil {
		s.log.Warn().Err(err).Str("player", buf.gamertag).Msg("trimming track")
	}
}

// FlushAll writes every buffer out.
func (s *Store) FlushAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, buf := range s.players {
		s.flushLocked(ctx, buf)
	}
}

// Query returns a player's track within the window, newest maxPoints only.
// The query string matches the exact gamertag first, then as a prefix.
// Returns nil when no player matches. windowHours <= 0 means no window.
func (s *Store) Query(ctx context.Context, query string, windowHours, maxPoints int) (*domain.Track, error) {
	player, err := s.db.FindPlayer(ctx, query)
	if err != nil {
		return nil, err
	}
	if player == nil {
		return nil, nil
	}

	s.mu.Lock()
	if buf, ok := s.players[storage.NameKey(player.Gamertag)]; ok {
		s.flushLocked(ctx, buf)
	}
	s.mu.Unlock()

	var since time.Time
	if windowHours > 0 {
		since = time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)
	}
	if maxPoints <= 0 || maxPoints > s.maxPoints {
		maxPoints = s.maxPoints
	}
	points, err := s.db.QueryTrack(ctx, player.ID, since, maxPoints)
	if err != nil {
		return nil, err
	}
	return &domain.Track{PlayerID: player.ID, Gamertag: player.Gamertag, Points: points}, nil
}

// LastCoord reports the freshest known ground coordinate for a gamertag,
// buffered or stored. Shaped for the presence tracker's fallback lookup.
func (s *Store) LastCoord(_ int64, gamertag string) (x, z float64, ok bool) {
	s.mu.Lock()
	if buf, found := s.players[storage.NameKey(gamertag)]; found && buf.hasLast {
		x, z = buf.lastX, buf.lastZ
		s.mu.Unlock()
		return x, z, true
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	player, err := s.db.FindPlayer(ctx, gamertag)
	if err != nil || player == nil {
		return 0, 0, false
	}
	last, err := s.db.LastPoint(ctx, player.ID)
	if err != nil || last == nil {
		return 0, 0, false
	}
	return last.X, last.Z, true
}
