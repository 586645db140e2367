package track

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ernie/dayz-tracker/internal/domain"
	"github.com/ernie/dayz-tracker/internal/storage"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []domain.Event
}

func (r *recordingPublisher) Publish(subject string, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.events = append(r.events, ev)
	return nil
}

func newTestTrackStore(t *testing.T, pub *recordingPublisher) *Store {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	opts := Options{
		DB:             db,
		MaxPoints:      100,
		FlushThreshold: 5,
		FlushInterval:  time.Hour, // timed flushes never fire in tests
		Log:            zerolog.Nop(),
	}
	if pub != nil {
		opts.Publisher = pub
	}
	return NewStore(opts)
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestTrackStore(t, nil)

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		err := s.Append(ctx, 1, "Foo", float64(100+i), 5, float64(200+i), base.Add(time.Duration(i)*time.Second), "ftp:a.ADM@~0+0")
		if err != nil {
			t.Fatal(err)
		}
	}

	// Query flushes the buffer first, so all three points are visible.
	track, err := s.Query(ctx, "Foo", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if track == nil || len(track.Points) != 3 {
		t.Fatalf("track = %+v", track)
	}
	if track.Gamertag != "Foo" {
		t.Fatalf("gamertag = %q", track.Gamertag)
	}
	for i := 1; i < len(track.Points); i++ {
		if track.Points[i].TS.Before(track.Points[i-1].TS) {
			t.Fatal("points out of order")
		}
	}
}

func TestAppendAdjacentDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestTrackStore(t, nil)

	ts := time.Now().UTC()
	for i := 0; i < 4; i++ {
		if err := s.Append(ctx, 1, "Foo", 100, 5, 200, ts.Add(time.Duration(i)*time.Second), ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Append(ctx, 1, "Foo", 101, 5, 200, ts.Add(10*time.Second), ""); err != nil {
		t.Fatal(err)
	}

	track, err := s.Query(ctx, "Foo", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(track.Points) != 2 {
		t.Fatalf("got %d points, want 2 (adjacent duplicates suppressed)", len(track.Points))
	}
}

func TestStablePlayerIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestTrackStore(t, nil)

	ts := time.Now().UTC()
	if err := s.Append(ctx, 1, "FooBar", 1, 0, 1, ts, ""); err != nil {
		t.Fatal(err)
	}
	// Same player, different casing: same track.
	if err := s.Append(ctx, 1, "FOOBAR", 2, 0, 2, ts.Add(time.Second), ""); err != nil {
		t.Fatal(err)
	}

	track, err := s.Query(ctx, "FooBar", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(track.Points) != 2 {
		t.Fatalf("got %d points, want 2", len(track.Points))
	}
}

func TestThresholdFlush(t *testing.T) {
	ctx := context.Background()
	s := newTestTrackStore(t, nil)

	ts := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, 1, "Foo", float64(i), 0, float64(i), ts.Add(time.Duration(i)*time.Second), ""); err != nil {
			t.Fatal(err)
		}
	}

	// The threshold flush already persisted the points; read the database
	// directly without the query-side flush.
	player, err := s.db.FindPlayer(ctx, "Foo")
	if err != nil || player == nil {
		t.Fatalf("player = %v, err = %v", player, err)
	}
	points, err := s.db.QueryTrack(ctx, player.ID, time.Time{}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 5 {
		t.Fatalf("persisted %d points, want 5", len(points))
	}
}

func TestQueryWindowAndLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestTrackStore(t, nil)

	now := time.Now().UTC()
	// Two old points outside a 1-hour window, three inside.
	for i, age := range []time.Duration{3 * time.Hour, 2 * time.Hour, 30 * time.Minute, 20 * time.Minute, 10 * time.Minute} {
		if err := s.Append(ctx, 1, "Foo", float64(i), 0, float64(i*2), now.Add(-age), ""); err != nil {
			t.Fatal(err)
		}
	}

	track, err := s.Query(ctx, "Foo", 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(track.Points) != 3 {
		t.Fatalf("got %d points in window, want 3", len(track.Points))
	}

	track, err = s.Query(ctx, "Foo", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(track.Points) != 2 {
		t.Fatalf("got %d points with limit, want 2", len(track.Points))
	}
	// The limit keeps the newest points.
	if track.Points[len(track.Points)-1].X != 4 {
		t.Fatalf("newest point = %+v", track.Points[len(track.Points)-1])
	}
}

func TestQueryUnknownPlayer(t *testing.T) {
	s := newTestTrackStore(t, nil)
	track, err := s.Query(context.Background(), "Nobody", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if track != nil {
		t.Fatalf("track = %+v, want nil", track)
	}
}

func TestPublishOnAppend(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	s := newTestTrackStore(t, pub)

	ts := time.Now().UTC()
	if err := s.Append(ctx, 7, "Foo", 1, 2, 3, ts, "ref"); err != nil {
		t.Fatal(err)
	}
	// Suppressed duplicate publishes nothing.
	if err := s.Append(ctx, 7, "Foo", 1, 2, 3, ts.Add(time.Second), "ref"); err != nil {
		t.Fatal(err)
	}

	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.events))
	}
	if pub.subjects[0] != "track.point.7" {
		t.Fatalf("subject = %q", pub.subjects[0])
	}
	ev := pub.events[0]
	if ev.Type != domain.EventTrackPoint || ev.GuildID != 7 {
		t.Fatalf("event = %+v", ev)
	}
	data := ev.Data.(domain.TrackPointEvent)
	if data.Gamertag != "Foo" || data.Point.X != 1 || data.Point.Z != 3 {
		t.Fatalf("payload = %+v", data)
	}
}

func TestLastCoord(t *testing.T) {
	ctx := context.Background()
	s := newTestTrackStore(t, nil)

	if _, _, ok := s.LastCoord(1, "Foo"); ok {
		t.Fatal("coord for unknown player")
	}

	if err := s.Append(ctx, 1, "Foo", 500, 10, 600, time.Now().UTC(), ""); err != nil {
		t.Fatal(err)
	}
	x, z, ok := s.LastCoord(1, "Foo")
	if !ok || x != 500 || z != 600 {
		t.Fatalf("coord = (%v, %v, %v)", x, z, ok)
	}
}

func TestStopFlushes(t *testing.T) {
	ctx := context.Background()
	s := newTestTrackStore(t, nil)
	s.Start()

	if err := s.Append(ctx, 1, "Foo", 1, 0, 1, time.Now().UTC(), ""); err != nil {
		t.Fatal(err)
	}
	s.Stop()

	player, err := s.db.FindPlayer(ctx, "Foo")
	if err != nil || player == nil {
		t.Fatalf("player = %v, err = %v", player, err)
	}
	points, err := s.db.QueryTrack(ctx, player.ID, time.Time{}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Fatalf("persisted %d points after stop, want 1", len(points))
	}
}
