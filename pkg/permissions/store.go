package permissions

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ForumChecker reports whether a forum exists
type ForumChecker interface {
	Exists(ctx context.Context, forumID int64) (bool, error)
}

// OverrideReader is the read side of the override store used by the resolver
type OverrideReader interface {
	GetOverrides(ctx context.Context, scope ScopeRef, forumID *int64) (map[Key]Value, error)
}

// Store persists permission overrides
type Store struct {
	db       *sql.DB
	forums   ForumChecker
	registry *Registry
	now      func() time.Time
}

// NewStore creates a new override store. forums is consulted on every write.
func NewStore(db *sql.DB, forums ForumChecker, registry *Registry) *Store {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Store{
		db:       db,
		forums:   forums,
		registry: registry,
		now:      time.Now,
	}
}

// forumColumn maps an optional forum to the stored forum_id (0 for global rank rows)
func forumColumn(scope ScopeRef, forumID *int64) (int64, error) {
	if forumID == nil {
		if scope.Kind != ScopeRank {
			return 0, &ValidationError{Field: "forum_id", Message: fmt.Sprintf("%s scope requires a forum", scope.Kind)}
		}
		return 0, nil
	}
	if *forumID <= 0 {
		return 0, &ValidationError{Field: "forum_id", Message: fmt.Sprintf("invalid forum id %d", *forumID)}
	}
	return *forumID, nil
}

// GetOverrides returns every stored value for one scope on one forum. Rank scopes
// accept a nil forum for their global overrides. Rows holding keys that are no
// longer registered are skipped.
func (s *Store) GetOverrides(ctx context.Context, scope ScopeRef, forumID *int64) (map[Key]Value, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	fid, err := forumColumn(scope, forumID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT permission, value
		FROM forum_permission_overrides
		WHERE scope_kind = $1 AND scope_id = $2 AND forum_id = $3
	`

	rows, err := s.db.QueryContext(ctx, query, string(scope.Kind), scope.ID, fid)
	if err != nil {
		return nil, fmt.Errorf("failed to get overrides: %w", err)
	}
	defer rows.Close()

	values := make(map[Key]Value)
	for rows.Next() {
		var key string
		var value sql.NullBool
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		if !s.registry.Contains(Key(key)) {
			continue
		}
		values[Key(key)] = valueFromNullBool(value)
	}

	return values, rows.Err()
}

// ListOverrides returns every stored row of a scope across forums
func (s *Store) ListOverrides(ctx context.Context, scope ScopeRef) ([]Override, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, forum_id, permission, value, updated_at
		FROM forum_permission_overrides
		WHERE scope_kind = $1 AND scope_id = $2
		ORDER BY forum_id ASC, permission ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(scope.Kind), scope.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		var o Override
		var fid int64
		var key string
		var value sql.NullBool
		if err := rows.Scan(&o.ID, &fid, &key, &value, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		o.Scope = scope
		if fid != 0 {
			o.ForumID = &fid
		}
		o.Permission = Key(key)
		o.Value = valueFromNullBool(value)
		overrides = append(overrides, o)
	}

	return overrides, rows.Err()
}

// UpsertOverride creates or updates the single row for (scope, forum, key).
// Writing Unset keeps the row with a NULL value, which falls through on resolve.
func (s *Store) UpsertOverride(ctx context.Context, scope ScopeRef, forumID *int64, key Key, value Value) error {
	if err := s.validateWrite(ctx, scope, forumID, key); err != nil {
		return err
	}
	fid, _ := forumColumn(scope, forumID)

	query := `
		INSERT INTO forum_permission_overrides (scope_kind, scope_id, forum_id, permission, value, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope_kind, scope_id, forum_id, permission)
		DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		string(scope.Kind),
		scope.ID,
		fid,
		string(key),
		value.nullBool(),
		s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert override: %w", err)
	}

	return nil
}

func (s *Store) validateWrite(ctx context.Context, scope ScopeRef, forumID *int64, key Key) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if !s.registry.Contains(key) {
		return &ValidationError{Field: "permission", Message: fmt.Sprintf("unknown permission %q", key)}
	}
	if _, err := forumColumn(scope, forumID); err != nil {
		return err
	}
	if forumID == nil {
		return nil
	}
	exists, err := s.forums.Exists(ctx, *forumID)
	if err != nil {
		return fmt.Errorf("failed to check forum: %w", err)
	}
	if !exists {
		return &ValidationError{Field: "forum_id", Message: fmt.Sprintf("forum %d does not exist", *forumID)}
	}
	return nil
}
