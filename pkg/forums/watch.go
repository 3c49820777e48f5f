package forums

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WatchKind says what a watch follows
type WatchKind string

const (
	WatchForum  WatchKind = "forum"
	WatchThread WatchKind = "thread"
)

// Valid reports whether k is a known kind
func (k WatchKind) Valid() bool {
	return k == WatchForum || k == WatchThread
}

// Watch records that a user follows a forum or a thread for updates
type Watch struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Kind      WatchKind `json:"kind"`
	TargetID  int64     `json:"target_id"`
	CreatedAt time.Time `json:"created_at"`
}

// WatchStore persists watches
type WatchStore struct {
	db     *sql.DB
	forums *Store
}

// NewWatchStore creates a watch store. Forum watches are checked against forums.
func NewWatchStore(db *sql.DB, forums *Store) *WatchStore {
	return &WatchStore{db: db, forums: forums}
}

// Watch subscribes userID to a target. Watching twice returns the existing row.
func (s *WatchStore) Watch(ctx context.Context, userID int64, kind WatchKind, targetID int64) (*Watch, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: watches require a user", ErrInvalidForum)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown watch kind %q", ErrInvalidForum, kind)
	}
	if targetID <= 0 {
		return nil, fmt.Errorf("%w: invalid target id %d", ErrInvalidForum, targetID)
	}
	if kind == WatchForum && s.forums != nil {
		exists, err := s.forums.Exists(ctx, targetID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrForumNotFound
		}
	}

	insert := `
		INSERT INTO watches (user_id, kind, target_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, kind, target_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, insert, userID, string(kind), targetID, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to create watch: %w", err)
	}

	query := `
		SELECT id, user_id, kind, target_id, created_at
		FROM watches
		WHERE user_id = $1 AND kind = $2 AND target_id = $3
	`
	w, err := scanWatch(s.db.QueryRowContext(ctx, query, userID, string(kind), targetID))
	if err != nil {
		return nil, fmt.Errorf("failed to get watch: %w", err)
	}
	return w, nil
}

// Unwatch removes a watch. Removing a missing watch is not an error.
func (s *WatchStore) Unwatch(ctx context.Context, userID int64, kind WatchKind, targetID int64) error {
	query := `DELETE FROM watches WHERE user_id = $1 AND kind = $2 AND target_id = $3`
	if _, err := s.db.ExecContext(ctx, query, userID, string(kind), targetID); err != nil {
		return fmt.Errorf("failed to delete watch: %w", err)
	}
	return nil
}

// ListForUser lists the watches of userID, newest first
func (s *WatchStore) ListForUser(ctx context.Context, userID int64) ([]Watch, error) {
	query := `
		SELECT id, user_id, kind, target_id, created_at
		FROM watches
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list watches: %w", err)
	}
	defer rows.Close()

	var watches []Watch
	for rows.Next() {
		w, err := scanWatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan watch: %w", err)
		}
		watches = append(watches, *w)
	}
	return watches, rows.Err()
}

// Watchers returns the ids of users watching a target
func (s *WatchStore) Watchers(ctx context.Context, kind WatchKind, targetID int64) ([]int64, error) {
	query := `SELECT user_id FROM watches WHERE kind = $1 AND target_id = $2 ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, string(kind), targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list watchers: %w", err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan watcher: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func scanWatch(scanner interface {
	Scan(dest ...interface{}) error
}) (*Watch, error) {
	var w Watch
	var kind string
	if err := scanner.Scan(&w.ID, &w.UserID, &kind, &w.TargetID, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.Kind = WatchKind(kind)
	return &w, nil
}
