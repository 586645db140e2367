package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ernie/dayz-tracker/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResolvePlayerStableID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p1, err := s.ResolvePlayer(ctx, "SurvivorDan", now)
	if err != nil {
		t.Fatalf("ResolvePlayer: %v", err)
	}
	if p1.ID == "" {
		t.Fatal("empty player id")
	}

	// Same name, different casing, later sighting: same id
	p2, err := s.ResolvePlayer(ctx, "survivordan", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ResolvePlayer: %v", err)
	}
	if p2.ID != p1.ID {
		t.Errorf("id changed: %s != %s", p2.ID, p1.ID)
	}
	if p2.Gamertag != "SurvivorDan" {
		t.Errorf("canonical name = %q, want SurvivorDan", p2.Gamertag)
	}
}

func TestFindPlayerPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.ResolvePlayer(ctx, "LongGamertag42", now); err != nil {
		t.Fatal(err)
	}

	p, err := s.FindPlayer(ctx, "longgamer")
	if err != nil {
		t.Fatalf("FindPlayer: %v", err)
	}
	if p == nil || p.Gamertag != "LongGamertag42" {
		t.Errorf("FindPlayer prefix = %+v", p)
	}

	missing, err := s.FindPlayer(ctx, "nobody")
	if err != nil {
		t.Fatalf("FindPlayer: %v", err)
	}
	if missing != nil {
		t.Errorf("FindPlayer(nobody) = %+v, want nil", missing)
	}
}

func TestAppendPointsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	p, err := s.ResolvePlayer(ctx, "Foo", now)
	if err != nil {
		t.Fatal(err)
	}

	pts := []domain.PointRecord{
		{TS: now, X: 100, Y: 5, Z: 200},
		{TS: now.Add(time.Second), X: 101, Y: 5, Z: 201},
	}
	if err := s.AppendPoints(ctx, p.ID, pts); err != nil {
		t.Fatalf("AppendPoints: %v", err)
	}
	// Retried flush with the same batch must not duplicate
	if err := s.AppendPoints(ctx, p.ID, pts); err != nil {
		t.Fatalf("AppendPoints retry: %v", err)
	}

	got, err := s.QueryTrack(ctx, p.ID, time.Time{}, 0)
	if err != nil {
		t.Fatalf("QueryTrack: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("stored %d points, want 2", len(got))
	}
}

func TestTrimTrack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	p, err := s.ResolvePlayer(ctx, "Foo", base)
	if err != nil {
		t.Fatal(err)
	}

	var pts []domain.PointRecord
	for i := 0; i < 10; i++ {
		pts = append(pts, domain.PointRecord{TS: base.Add(time.Duration(i) * time.Second), X: float64(i), Z: float64(i)})
	}
	if err := s.AppendPoints(ctx, p.ID, pts); err != nil {
		t.Fatal(err)
	}
	if err := s.TrimTrack(ctx, p.ID, 4); err != nil {
		t.Fatalf("TrimTrack: %v", err)
	}

	got, err := s.QueryTrack(ctx, p.ID, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("after trim: %d points, want 4", len(got))
	}
	// Oldest dropped, newest kept
	if got[0].X != 6 || got[3].X != 9 {
		t.Errorf("trim kept wrong points: first=%v last=%v", got[0].X, got[3].X)
	}
}

func TestQueryTrackWindowAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second).Add(-10 * time.Hour)

	p, err := s.ResolvePlayer(ctx, "Foo", base)
	if err != nil {
		t.Fatal(err)
	}
	var pts []domain.PointRecord
	for i := 0; i < 10; i++ {
		pts = append(pts, domain.PointRecord{TS: base.Add(time.Duration(i) * time.Hour), X: float64(i), Z: 1})
	}
	if err := s.AppendPoints(ctx, p.ID, pts); err != nil {
		t.Fatal(err)
	}

	since := base.Add(5 * time.Hour)
	got, err := s.QueryTrack(ctx, p.ID, since, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Errorf("window query: %d points, want 5", len(got))
	}

	got, err = s.QueryTrack(ctx, p.ID, time.Time{}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[2].X != 9 {
		t.Errorf("limit query: got %d points, last X=%v", len(got), got[len(got)-1].X)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.GetCursor(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Fatalf("cursor for unpolled guild = %+v, want nil", c)
	}

	want := domain.SourceCursor{GuildID: 42, FileName: "a.ADM", ByteOffset: 120, FileSize: 260}
	if err := s.SaveCursor(ctx, want); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	want.ByteOffset = 260
	if err := s.SaveCursor(ctx, want); err != nil {
		t.Fatalf("SaveCursor update: %v", err)
	}

	got, err := s.GetCursor(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got != want {
		t.Errorf("GetCursor = %+v, want %+v", got, want)
	}
}

func TestTargets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddTarget(ctx, 1, "Foo"); err != nil {
		t.Fatal(err)
	}
	// Duplicate registration is a no-op
	if err := s.AddTarget(ctx, 1, "foo"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddTarget(ctx, 2, "Bar"); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListTargets(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("ListTargets(all) = %d, want 2", len(all))
	}

	g1, err := s.ListTargets(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(g1) != 1 || g1[0].Gamertag != "Foo" {
		t.Errorf("ListTargets(1) = %+v", g1)
	}

	removed, err := s.RemoveTarget(ctx, 1, "FOO")
	if err != nil || !removed {
		t.Errorf("RemoveTarget = %v, %v", removed, err)
	}
	removed, err = s.RemoveTarget(ctx, 1, "FOO")
	if err != nil || removed {
		t.Errorf("second RemoveTarget = %v, %v", removed, err)
	}
}
