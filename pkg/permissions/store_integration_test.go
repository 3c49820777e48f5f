//go:build integration

package permissions

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/platinummonkey/vcboard/pkg/forums"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a Postgres container and applies the forum and
// permission migrations
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("vcboard_test"),
		postgres.WithUsername("vcboard"),
		postgres.WithPassword("vcboard_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	logger, _ := test.NewNullLogger()
	require.NoError(t, forums.RunMigrations(ctx, db, logger))
	require.NoError(t, RunMigrations(ctx, db, logger))
	// applying twice is a no-op
	require.NoError(t, RunMigrations(ctx, db, logger))
	return db
}

func TestPostgres_ResolveAndEdit(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()

	forumStore := forums.NewStore(db, 0, 0)
	general := &forums.Forum{Name: "General", IsActive: true}
	require.NoError(t, forumStore.Create(ctx, general))
	archive := &forums.Forum{Name: "Archive", IsActive: false}
	require.NoError(t, forumStore.Create(ctx, archive))

	store := NewStore(db, forumStore, nil)
	ranks := NewRankStore(db)
	subjects := NewSubjectStore(db)

	veteran := &Rank{Title: "Veteran", PostsRequired: 100, IsActive: true}
	require.NoError(t, ranks.CreateRank(ctx, veteran))
	require.NoError(t, subjects.SaveProfile(ctx, Profile{UserID: 5, GroupID: int64Ptr(2), PostCount: 150}))

	cache := NewMemoryCache(100, time.Minute)
	resolver := NewResolver(store, forumStore, ranks, nil, defaultTestDefaults())
	service := NewService(resolver, cache, time.Minute, nil, nil)
	editor := NewEditor(store, service, forumStore, nil, nil, nil)

	subject, err := subjects.LoadSubject(ctx, 5)
	require.NoError(t, err)
	set, err := service.Resolve(ctx, subject, general.ID)
	require.NoError(t, err)
	assert.False(t, set[AttachFiles])

	changed, err := editor.ApplyMatrixEdits(ctx, RankScope(veteran.ID), nil, nil, map[EditKey]Value{
		{ForumID: 0, Permission: AttachFiles}:           Allow,
		{ForumID: general.ID, Permission: StartThreads}: Allow,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, changed)
	assert.Zero(t, cache.Len())

	subject, err = subjects.LoadSubject(ctx, 5)
	require.NoError(t, err)
	set, err = service.Resolve(ctx, subject, general.ID)
	require.NoError(t, err)
	assert.True(t, set[AttachFiles])
	assert.True(t, set[StartThreads])

	// unset keeps one row per tuple with a NULL value
	require.NoError(t, store.UpsertOverride(ctx, RankScope(veteran.ID), &general.ID, StartThreads, Unset))
	require.NoError(t, store.UpsertOverride(ctx, RankScope(veteran.ID), &general.ID, StartThreads, Unset))
	rows, err := store.ListOverrides(ctx, RankScope(veteran.ID))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].ForumID)
	assert.Equal(t, Unset, rows[1].Value)

	ids, err := forumStore.ForumIDs(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{general.ID}, ids)
}
