package forums

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultPathCacheSize = 1024
	defaultPathCacheTTL  = 5 * time.Minute
)

// Store persists the forum tree
type Store struct {
	db    *sql.DB
	paths *expirable.LRU[string, int64]
	now   func() time.Time
}

// NewStore creates a forum store. Path lookups are kept in a bounded LRU of
// pathCacheSize entries that expire after pathCacheTTL.
func NewStore(db *sql.DB, pathCacheSize int, pathCacheTTL time.Duration) *Store {
	if pathCacheSize <= 0 {
		pathCacheSize = defaultPathCacheSize
	}
	if pathCacheTTL <= 0 {
		pathCacheTTL = defaultPathCacheTTL
	}
	return &Store{
		db:    db,
		paths: expirable.NewLRU[string, int64](pathCacheSize, nil, pathCacheTTL),
		now:   time.Now,
	}
}

const forumColumns = `id, parent_id, name, slug, description, is_active, threads_per_page,
	thread_count, post_count, last_post_id, ordering, created_at, updated_at`

func scanForum(scanner interface {
	Scan(dest ...interface{}) error
}) (*Forum, error) {
	var f Forum
	var parentID, lastPostID sql.NullInt64
	var description sql.NullString

	err := scanner.Scan(
		&f.ID,
		&parentID,
		&f.Name,
		&f.Slug,
		&description,
		&f.IsActive,
		&f.ThreadsPerPage,
		&f.ThreadCount,
		&f.PostCount,
		&lastPostID,
		&f.Ordering,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		f.ParentID = &parentID.Int64
	}
	if lastPostID.Valid {
		f.LastPostID = &lastPostID.Int64
	}
	f.Description = description.String
	return &f, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// Create inserts a forum. An empty slug is derived from the name; a taken or
// reserved slug gets "_" appended until it is unique among its siblings.
func (s *Store) Create(ctx context.Context, f *Forum) error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidForum)
	}
	if f.ThreadsPerPage < 0 {
		return fmt.Errorf("%w: threads_per_page must not be negative", ErrInvalidForum)
	}
	if f.ParentID != nil {
		exists, err := s.Exists(ctx, *f.ParentID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: parent %d does not exist", ErrInvalidForum, *f.ParentID)
		}
	}

	base := f.Slug
	if base == "" {
		base = Slugify(f.Name)
	}
	slug, err := s.uniqueSlug(ctx, base, f.ParentID, 0)
	if err != nil {
		return err
	}
	f.Slug = slug

	query := `
		INSERT INTO forums (parent_id, name, slug, description, is_active, threads_per_page, ordering, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	now := s.now()
	err = s.db.QueryRowContext(ctx, query,
		nullInt64(f.ParentID),
		f.Name,
		f.Slug,
		f.Description,
		f.IsActive,
		f.ThreadsPerPage,
		f.Ordering,
		now,
		now,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("failed to create forum: %w", err)
	}

	f.CreatedAt = now
	f.UpdatedAt = now
	f.hierarchy = nil
	s.paths.Purge()
	return nil
}

// Update saves the editable fields of a forum. Moving a forum or changing its
// slug re-checks sibling uniqueness. A forum cannot be moved under itself or
// any of its descendants.
func (s *Store) Update(ctx context.Context, f *Forum) error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidForum)
	}
	if f.ThreadsPerPage < 0 {
		return fmt.Errorf("%w: threads_per_page must not be negative", ErrInvalidForum)
	}
	if f.ParentID != nil {
		if err := s.checkParent(ctx, f.ID, *f.ParentID); err != nil {
			return err
		}
	}
	if f.Slug == "" {
		f.Slug = Slugify(f.Name)
	}
	slug, err := s.uniqueSlug(ctx, f.Slug, f.ParentID, f.ID)
	if err != nil {
		return err
	}
	f.Slug = slug

	query := `
		UPDATE forums
		SET parent_id = $1, name = $2, slug = $3, description = $4, is_active = $5,
		    threads_per_page = $6, ordering = $7, updated_at = $8
		WHERE id = $9
	`

	now := s.now()
	result, err := s.db.ExecContext(ctx, query,
		nullInt64(f.ParentID),
		f.Name,
		f.Slug,
		f.Description,
		f.IsActive,
		f.ThreadsPerPage,
		f.Ordering,
		now,
		f.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update forum: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrForumNotFound
	}

	f.UpdatedAt = now
	f.hierarchy = nil
	s.paths.Purge()
	return nil
}

// checkParent walks up from parentID and fails if forumID is on the way
func (s *Store) checkParent(ctx context.Context, forumID, parentID int64) error {
	seen := make(map[int64]bool)
	for id := &parentID; id != nil; {
		if *id == forumID {
			return fmt.Errorf("%w: forum %d cannot be moved under itself or its descendants", ErrInvalidForum, forumID)
		}
		if seen[*id] {
			return fmt.Errorf("forum %d: cycle in parent chain", *id)
		}
		seen[*id] = true

		ancestor, err := s.Get(ctx, *id)
		if errors.Is(err, ErrForumNotFound) {
			return fmt.Errorf("%w: parent %d does not exist", ErrInvalidForum, *id)
		} else if err != nil {
			return err
		}
		id = ancestor.ParentID
	}
	return nil
}

func (s *Store) uniqueSlug(ctx context.Context, slug string, parentID *int64, selfID int64) (string, error) {
	for {
		if !reservedSlugs[slug] {
			taken, err := s.slugTaken(ctx, slug, parentID, selfID)
			if err != nil {
				return "", err
			}
			if !taken {
				return slug, nil
			}
		}
		slug += "_"
	}
}

func (s *Store) slugTaken(ctx context.Context, slug string, parentID *int64, selfID int64) (bool, error) {
	var query string
	var args []interface{}
	if parentID == nil {
		query = `SELECT COUNT(*) FROM forums WHERE parent_id IS NULL AND slug = $1 AND id <> $2`
		args = []interface{}{slug, selfID}
	} else {
		query = `SELECT COUNT(*) FROM forums WHERE parent_id = $1 AND slug = $2 AND id <> $3`
		args = []interface{}{*parentID, slug, selfID}
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check slug: %w", err)
	}
	return count > 0, nil
}

// Get retrieves a forum by id
func (s *Store) Get(ctx context.Context, id int64) (*Forum, error) {
	query := `SELECT ` + forumColumns + ` FROM forums WHERE id = $1`

	f, err := scanForum(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrForumNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get forum: %w", err)
	}
	return f, nil
}

// Exists reports whether a forum with id exists, active or not
func (s *Store) Exists(ctx context.Context, id int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM forums WHERE id = $1`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check forum: %w", err)
	}
	return count > 0, nil
}

// ForumIDs lists forum ids in tree order
func (s *Store) ForumIDs(ctx context.Context, activeOnly bool) ([]int64, error) {
	query := `SELECT id FROM forums`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY parent_id, ordering, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list forums: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan forum id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListActive lists every active forum
func (s *Store) ListActive(ctx context.Context) ([]Forum, error) {
	query := `SELECT ` + forumColumns + ` FROM forums WHERE is_active = TRUE ORDER BY parent_id, ordering, name`
	return s.list(ctx, query)
}

// Children lists the active children of parentID, or the top-level categories
// when parentID is nil
func (s *Store) Children(ctx context.Context, parentID *int64) ([]Forum, error) {
	if parentID == nil {
		query := `SELECT ` + forumColumns + ` FROM forums WHERE parent_id IS NULL AND is_active = TRUE ORDER BY ordering, name`
		return s.list(ctx, query)
	}
	query := `SELECT ` + forumColumns + ` FROM forums WHERE parent_id = $1 AND is_active = TRUE ORDER BY ordering, name`
	return s.list(ctx, query, *parentID)
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]Forum, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list forums: %w", err)
	}
	defer rows.Close()

	var forums []Forum
	for rows.Next() {
		f, err := scanForum(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan forum: %w", err)
		}
		forums = append(forums, *f)
	}
	return forums, rows.Err()
}

// Hierarchy returns the ancestors of f from the root down to f itself. The
// result is memoised on f.
func (s *Store) Hierarchy(ctx context.Context, f *Forum) ([]*Forum, error) {
	if f.hierarchy != nil {
		return f.hierarchy, nil
	}

	chain := []*Forum{f}
	seen := map[int64]bool{f.ID: true}
	for parentID := f.ParentID; parentID != nil; {
		if seen[*parentID] {
			return nil, fmt.Errorf("forum %d: cycle in parent chain", f.ID)
		}
		parent, err := s.Get(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		seen[parent.ID] = true
		chain = append(chain, parent)
		parentID = parent.ParentID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	f.hierarchy = chain
	return chain, nil
}

// Path returns the slugs of f's hierarchy joined with "/"
func (s *Store) Path(ctx context.Context, f *Forum) (string, error) {
	chain, err := s.Hierarchy(ctx, f)
	if err != nil {
		return "", err
	}
	slugs := make([]string, len(chain))
	for i, node := range chain {
		slugs[i] = node.Slug
	}
	return strings.Join(slugs, "/"), nil
}

// WithPath finds the active forum at path, walking one slug per level
func (s *Store) WithPath(ctx context.Context, path string) (*Forum, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, ErrForumNotFound
	}

	if id, ok := s.paths.Get(path); ok {
		f, err := s.Get(ctx, id)
		if err == nil && f.IsActive {
			return f, nil
		}
		s.paths.Remove(path)
	}

	var forum *Forum
	for _, slug := range strings.Split(path, "/") {
		var parentID *int64
		if forum != nil {
			parentID = &forum.ID
		}
		next, err := s.childBySlug(ctx, parentID, slug)
		if err != nil {
			return nil, err
		}
		forum = next
	}

	s.paths.Add(path, forum.ID)
	return forum, nil
}

func (s *Store) childBySlug(ctx context.Context, parentID *int64, slug string) (*Forum, error) {
	var row *sql.Row
	if parentID == nil {
		query := `SELECT ` + forumColumns + ` FROM forums WHERE parent_id IS NULL AND slug = $1 AND is_active = TRUE`
		row = s.db.QueryRowContext(ctx, query, slug)
	} else {
		query := `SELECT ` + forumColumns + ` FROM forums WHERE parent_id = $1 AND slug = $2 AND is_active = TRUE`
		row = s.db.QueryRowContext(ctx, query, *parentID, slug)
	}

	f, err := scanForum(row)
	if err == sql.ErrNoRows {
		return nil, ErrForumNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find forum %q: %w", slug, err)
	}
	return f, nil
}

// Ping checks that the forum table is reachable
func (s *Store) Ping(ctx context.Context) error {
	var categories int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM forums WHERE parent_id IS NULL`).Scan(&categories); err != nil {
		return fmt.Errorf("forum table unavailable: %w", err)
	}
	return nil
}
