package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ernie/dayz-tracker/internal/domain"
	_ "modernc.org/sqlite"
)

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601 string.
// The Z suffix ensures the Go sqlite driver parses it back as UTC.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

//go:embed schema.sql
var schema string

// Store provides database access
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// NameKey normalizes a gamertag for index lookups
func NameKey(gamertag string) string {
	return strings.ToLower(strings.TrimSpace(gamertag))
}

// --- Player index ---

// ResolvePlayer returns the player record for a gamertag, creating one
// with a fresh id on first sighting. The canonical gamertag is the one
// first observed; last_seen is bumped on every call.
func (s *Store) ResolvePlayer(ctx context.Context, gamertag string, seen time.Time) (*domain.Player, error) {
	key := NameKey(gamertag)
	if key == "" {
		return nil, fmt.Errorf("empty gamertag")
	}
	if seen.IsZero() {
		seen = time.Now().UTC()
	}

	var p domain.Player
	err := s.db.QueryRowContext(ctx, `
		SELECT id, gamertag, first_seen, last_seen FROM players WHERE name_key = ?
	`, key).Scan(&p.ID, &p.Gamertag, &p.FirstSeen, &p.LastSeen)

	if err == sql.ErrNoRows {
		p = domain.Player{
			ID:        uuid.NewString(),
			Gamertag:  strings.TrimSpace(gamertag),
			FirstSeen: seen,
			LastSeen:  seen,
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO players (id, gamertag, name_key, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?)
		`, p.ID, p.Gamertag, key, formatTimestamp(seen), formatTimestamp(seen))
		if err != nil {
			return nil, fmt.Errorf("creating player: %w", err)
		}
		return &p, nil
	}
	if err != nil {
		return nil, err
	}

	if seen.After(p.LastSeen) {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE players SET last_seen = ? WHERE id = ?
		`, formatTimestamp(seen), p.ID); err != nil {
			return nil, err
		}
		p.LastSeen = seen
	}
	return &p, nil
}

// FindPlayer looks up a player by exact name, falling back to a unique
// prefix match. Returns nil when nothing matches.
func (s *Store) FindPlayer(ctx context.Context, query string) (*domain.Player, error) {
	key := NameKey(query)
	var p domain.Player
	err := s.db.QueryRowContext(ctx, `
		SELECT id, gamertag, first_seen, last_seen FROM players WHERE name_key = ?
	`, key).Scan(&p.ID, &p.Gamertag, &p.FirstSeen, &p.LastSeen)
	if err == nil {
		return &p, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT id, gamertag, first_seen, last_seen FROM players
		WHERE name_key LIKE ? || '%' ORDER BY last_seen DESC LIMIT 1
	`, key).Scan(&p.ID, &p.Gamertag, &p.FirstSeen, &p.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlayers returns all known players, most recently seen first
func (s *Store) ListPlayers(ctx context.Context) ([]domain.Player, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, gamertag, first_seen, last_seen FROM players ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []domain.Player
	for rows.Next() {
		var p domain.Player
		if err := rows.Scan(&p.ID, &p.Gamertag, &p.FirstSeen, &p.LastSeen); err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

// --- Track points ---

// AppendPoints writes a batch of points for one player. Inserts are
// idempotent on (player_id, ts, x, z) so retried flushes are harmless.
func (s *Store) AppendPoints(ctx context.Context, playerID string, points []domain.PointRecord) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO track_points (player_id, ts, x, y, z, source)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, playerID, formatTimestamp(p.TS), p.X, p.Y, p.Z, p.Source); err != nil {
			return fmt.Errorf("inserting point: %w", err)
		}
	}
	return tx.Commit()
}

// TrimTrack drops the oldest points beyond max for a player
func (s *Store) TrimTrack(ctx context.Context, playerID string, max int) error {
	if max <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM track_points WHERE player_id = ? AND id NOT IN (
			SELECT id FROM track_points WHERE player_id = ?
			ORDER BY ts DESC, id DESC LIMIT ?
		)
	`, playerID, playerID, max)
	return err
}

// QueryTrack returns a player's points ordered by timestamp. A zero
// since means no time filter; maxPoints <= 0 means no count limit.
func (s *Store) QueryTrack(ctx context.Context, playerID string, since time.Time, maxPoints int) ([]domain.PointRecord, error) {
	q := `
		SELECT ts, x, y, z, source FROM track_points
		WHERE player_id = ?`
	args := []interface{}{playerID}
	if !since.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, formatTimestamp(since))
	}
	q += ` ORDER BY ts ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []domain.PointRecord
	for rows.Next() {
		var p domain.PointRecord
		if err := rows.Scan(&p.TS, &p.X, &p.Y, &p.Z, &p.Source); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if maxPoints > 0 && len(points) > maxPoints {
		points = points[len(points)-maxPoints:]
	}
	return points, nil
}

// LastPoint returns a player's most recent stored point, or nil
func (s *Store) LastPoint(ctx context.Context, playerID string) (*domain.PointRecord, error) {
	var p domain.PointRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT ts, x, y, z, source FROM track_points
		WHERE player_id = ? ORDER BY ts DESC, id DESC LIMIT 1
	`, playerID).Scan(&p.TS, &p.X, &p.Y, &p.Z, &p.Source)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Guild cursors ---

// GetCursor returns the persisted cursor for a guild, or nil if the
// guild has never been polled.
func (s *Store) GetCursor(ctx context.Context, guildID int64) (*domain.SourceCursor, error) {
	var c domain.SourceCursor
	err := s.db.QueryRowContext(ctx, `
		SELECT guild_id, file_name, byte_offset, file_size FROM guild_cursors WHERE guild_id = ?
	`, guildID).Scan(&c.GuildID, &c.FileName, &c.ByteOffset, &c.FileSize)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveCursor upserts a guild's cursor
func (s *Store) SaveCursor(ctx context.Context, c domain.SourceCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guild_cursors (guild_id, file_name, byte_offset, file_size, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			file_name = excluded.file_name,
			byte_offset = excluded.byte_offset,
			file_size = excluded.file_size,
			updated_at = excluded.updated_at
	`, c.GuildID, c.FileName, c.ByteOffset, c.FileSize, formatTimestamp(time.Now()))
	return err
}

// --- Targets ---

// AddTarget registers a gamertag for presence tracking in a guild
func (s *Store) AddTarget(ctx context.Context, guildID int64, gamertag string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (guild_id, name_key, gamertag, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id, name_key) DO NOTHING
	`, guildID, NameKey(gamertag), strings.TrimSpace(gamertag), formatTimestamp(time.Now()))
	return err
}

// RemoveTarget drops a presence registration. Returns true when a row
// was actually removed.
func (s *Store) RemoveTarget(ctx context.Context, guildID int64, gamertag string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM targets WHERE guild_id = ? AND name_key = ?
	`, guildID, NameKey(gamertag))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListTargets returns all presence registrations, optionally filtered
// by guild (guildID = 0 means all guilds).
func (s *Store) ListTargets(ctx context.Context, guildID int64) ([]domain.Target, error) {
	q := `SELECT guild_id, gamertag, created_at FROM targets`
	var args []interface{}
	if guildID != 0 {
		q += ` WHERE guild_id = ?`
		args = append(args, guildID)
	}
	q += ` ORDER BY guild_id, name_key`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []domain.Target
	for rows.Next() {
		var t domain.Target
		if err := rows.Scan(&t.GuildID, &t.Gamertag, &t.CreatedAt); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// --- Users ---

// User is an API account
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

// CreateUser adds an API account
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, is_admin, created_at)
		VALUES (?, ?, ?, ?)
	`, username, passwordHash, isAdmin, formatTimestamp(time.Now()))
	return err
}

// GetUserByUsername returns a user, or nil when unknown
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at FROM users WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all API accounts
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, is_admin, created_at FROM users ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUser removes an API account
func (s *Store) DeleteUser(ctx context.Context, username string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateUserPassword replaces a user's password hash
func (s *Store) UpdateUserPassword(ctx context.Context, username, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ? WHERE username = ?
	`, passwordHash, username)
	return err
}
