package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/birdwatch-im/birdwatch/internal/directory"
)

// PGTrackStore implements directory.TrackStore backed by Postgres.
type PGTrackStore struct {
	db *sql.DB
}

func NewPGTrackStore(db *sql.DB) *PGTrackStore {
	return &PGTrackStore{db: db}
}

func (s *PGTrackStore) Due(ctx context.Context, now time.Time) ([]*directory.Track, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.query, t.max_seen, t.last_update, t.next_update
		 FROM tracks t
		 WHERE t.next_update <= $1
		   AND EXISTS (SELECT 1 FROM user_tracks ut WHERE ut.track_id = t.id)
		 ORDER BY t.next_update ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("due tracks: %w", err)
	}
	defer rows.Close()
	return scanTracks(rows)
}

func (s *PGTrackStore) SaveTrack(ctx context.Context, t *directory.Track) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tracks SET max_seen = $1, last_update = $2, next_update = $3 WHERE id = $4`,
		t.MaxSeen, t.LastUpdate, t.NextUpdate, t.ID)
	if err != nil {
		return fmt.Errorf("save track %q: %w", t.Query, err)
	}
	return nil
}

func (s *PGTrackStore) Add(ctx context.Context, userID uuid.UUID, query string) (*directory.Track, error) {
	key := normalizeQuery(query)

	t, err := s.byKey(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		id := uuid.New()
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO tracks (id, query, query_key, max_seen, last_update, next_update)
			 VALUES ($1, $2, $3, 0, to_timestamp(0), to_timestamp(0))
			 ON CONFLICT (query_key) DO NOTHING`,
			id, query, key)
		if err != nil {
			return nil, fmt.Errorf("create track %q: %w", query, err)
		}
		t, err = s.byKey(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("load track %q: %w", query, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_tracks (user_id, track_id, created_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		userID, t.ID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("watch track %q: %w", query, err)
	}
	return t, nil
}

func (s *PGTrackStore) Remove(ctx context.Context, userID uuid.UUID, query string) error {
	t, err := s.byKey(ctx, normalizeQuery(query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load track %q: %w", query, err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM user_tracks WHERE user_id = $1 AND track_id = $2`, userID, t.ID)
	if err != nil {
		return fmt.Errorf("unwatch track %q: %w", query, err)
	}
	return nil
}

func (s *PGTrackStore) ListFor(ctx context.Context, userID uuid.UUID) ([]*directory.Track, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.query, t.max_seen, t.last_update, t.next_update
		 FROM tracks t
		 JOIN user_tracks ut ON ut.track_id = t.id
		 WHERE ut.user_id = $1
		 ORDER BY t.query ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tracks: %w", err)
	}
	defer rows.Close()
	return scanTracks(rows)
}

func (s *PGTrackStore) Watchers(ctx context.Context, trackID uuid.UUID) ([]*directory.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixed("u", userColumns)+`
		 FROM users u
		 JOIN user_tracks ut ON ut.user_id = u.id
		 WHERE ut.track_id = $1
		 ORDER BY u.identity ASC`, trackID)
	if err != nil {
		return nil, fmt.Errorf("watchers: %w", err)
	}
	defer rows.Close()

	d := &PGDirectory{db: s.db}
	var out []*directory.User
	for rows.Next() {
		u, err := d.scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watcher: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PGTrackStore) ActiveWatcherCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(DISTINCT ut.user_id)
		 FROM user_tracks ut
		 JOIN users u ON u.id = ut.user_id
		 WHERE u.active AND u.status NOT IN ('dnd', 'offline', 'unavailable', 'unsubscribed')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("active watchers: %w", err)
	}
	return n, nil
}

func (s *PGTrackStore) byKey(ctx context.Context, key string) (*directory.Track, error) {
	var t directory.Track
	err := s.db.QueryRowContext(ctx,
		`SELECT id, query, max_seen, last_update, next_update FROM tracks WHERE query_key = $1`,
		key).Scan(&t.ID, &t.Query, &t.MaxSeen, &t.LastUpdate, &t.NextUpdate)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTracks(rows *sql.Rows) ([]*directory.Track, error) {
	var out []*directory.Track
	for rows.Next() {
		var t directory.Track
		if err := rows.Scan(&t.ID, &t.Query, &t.MaxSeen, &t.LastUpdate, &t.NextUpdate); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
