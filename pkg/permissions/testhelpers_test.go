package permissions

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE forums (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_id INTEGER,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT 1,
			threads_per_page INTEGER NOT NULL DEFAULT 0,
			thread_count INTEGER NOT NULL DEFAULT 0,
			post_count INTEGER NOT NULL DEFAULT 0,
			last_post_id INTEGER,
			ordering INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE forum_profiles (
			user_id INTEGER PRIMARY KEY,
			group_id INTEGER,
			post_count INTEGER NOT NULL DEFAULT 0,
			is_staff BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE ranks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			posts_required INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			is_special BOOLEAN NOT NULL DEFAULT 0,
			ordering INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE rank_members (
			rank_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			PRIMARY KEY (rank_id, user_id)
		);

		CREATE TABLE forum_permission_overrides (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope_kind TEXT NOT NULL,
			scope_id INTEGER NOT NULL DEFAULT 0,
			forum_id INTEGER NOT NULL DEFAULT 0,
			permission TEXT NOT NULL,
			value BOOLEAN,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(scope_kind, scope_id, forum_id, permission)
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create test schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// insertForum adds a forum row directly and returns its id
func insertForum(t *testing.T, db *sql.DB, name string, active bool) int64 {
	t.Helper()
	result, err := db.Exec(
		`INSERT INTO forums (name, slug, is_active) VALUES (?, ?, ?)`,
		name, name, active,
	)
	if err != nil {
		t.Fatalf("Failed to insert forum: %v", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		t.Fatalf("Failed to get forum id: %v", err)
	}
	return id
}

func int64Ptr(v int64) *int64 {
	return &v
}

// fakeForums is an in-memory ForumChecker and ForumLister
type fakeForums struct {
	mu        sync.Mutex
	active    map[int64]bool
	err       error
	listCalls int
}

func newFakeForums(ids ...int64) *fakeForums {
	f := &fakeForums{active: make(map[int64]bool)}
	for _, id := range ids {
		f.active[id] = true
	}
	return f
}

func (f *fakeForums) Exists(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.active[id]
	return ok, nil
}

func (f *fakeForums) ForumIDs(_ context.Context, activeOnly bool) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.err != nil {
		return nil, f.err
	}
	var ids []int64
	for id, active := range f.active {
		if activeOnly && !active {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// overrideKey addresses one stored row of fakeOverrides
type overrideKey struct {
	scope   ScopeRef
	forumID int64
}

// fakeOverrides is an in-memory OverrideWriter
type fakeOverrides struct {
	mu      sync.Mutex
	rows    map[overrideKey]map[Key]Value
	writes  int
	failOn  map[Key]error
	readErr error
}

func newFakeOverrides() *fakeOverrides {
	return &fakeOverrides{
		rows:   make(map[overrideKey]map[Key]Value),
		failOn: make(map[Key]error),
	}
}

func fakeForumKey(forumID *int64) int64 {
	if forumID == nil {
		return 0
	}
	return *forumID
}

func (f *fakeOverrides) set(scope ScopeRef, forumID *int64, key Key, value Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := overrideKey{scope: scope, forumID: fakeForumKey(forumID)}
	if f.rows[k] == nil {
		f.rows[k] = make(map[Key]Value)
	}
	f.rows[k][key] = value
}

func (f *fakeOverrides) GetOverrides(_ context.Context, scope ScopeRef, forumID *int64) (map[Key]Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make(map[Key]Value)
	for k, v := range f.rows[overrideKey{scope: scope, forumID: fakeForumKey(forumID)}] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeOverrides) UpsertOverride(_ context.Context, scope ScopeRef, forumID *int64, key Key, value Value) error {
	f.mu.Lock()
	err := f.failOn[key]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.set(scope, forumID, key, value)
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return nil
}

// fakeRanks resolves ranks from a fixed user → rank map
type fakeRanks struct {
	byUser map[int64]*Rank
	err    error
	calls  int
}

func (f *fakeRanks) ResolveRank(_ context.Context, subject *Subject) (*Rank, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if subject.IsAnonymous() {
		return nil, nil
	}
	return f.byUser[subject.UserID], nil
}

// recordingInvalidator records invalidated forums
type recordingInvalidator struct {
	mu     sync.Mutex
	forums []int64
	err    error
}

func (r *recordingInvalidator) InvalidateForum(_ context.Context, forumID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forums = append(r.forums, forumID)
	return r.err
}

func (r *recordingInvalidator) invalidated() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]int64(nil), r.forums...)
	return out
}

// failingCache is a Cache whose backend is down
type failingCache struct {
	gets, puts int
}

var errCacheDown = errors.New("cache unavailable")

func (c *failingCache) Get(context.Context, string, int64) (Set, bool, error) {
	c.gets++
	return nil, false, errCacheDown
}

func (c *failingCache) Generation(context.Context, int64) (uint64, error) {
	return 0, errCacheDown
}

func (c *failingCache) Put(context.Context, string, int64, uint64, Set, time.Duration) error {
	c.puts++
	return errCacheDown
}

func (c *failingCache) InvalidateForum(context.Context, int64) error {
	return errCacheDown
}

func defaultTestDefaults() Defaults {
	return NewDefaults(DefaultRegistry(), map[Key]bool{
		ViewForumHome: true,
		ViewForum:     true,
	})
}

// gatedOverrides holds the first read after loading it until release is
// closed, then fails it if its context was cancelled meanwhile
type gatedOverrides struct {
	*fakeOverrides
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedOverrides(inner *fakeOverrides) *gatedOverrides {
	return &gatedOverrides{
		fakeOverrides: inner,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedOverrides) GetOverrides(ctx context.Context, scope ScopeRef, forumID *int64) (map[Key]Value, error) {
	values, err := g.fakeOverrides.GetOverrides(ctx, scope, forumID)
	first := false
	g.once.Do(func() { first = true })
	if !first {
		return values, err
	}
	close(g.entered)
	<-g.release
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return values, err
}
