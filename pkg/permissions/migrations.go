package permissions

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/vcboard/pkg/migrate"
	"github.com/sirupsen/logrus"
)

// Migrations returns the Postgres schema of profiles, ranks and overrides. The
// forum tree must be migrated first.
func Migrations() []migrate.Migration {
	return []migrate.Migration{
		{
			Version:     1,
			Description: "Create forum_profiles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS forum_profiles (
					user_id BIGINT PRIMARY KEY,
					group_id BIGINT,
					post_count INT NOT NULL DEFAULT 0,
					is_staff BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_forum_profiles_group_id ON forum_profiles(group_id);
			`,
		},
		{
			Version:     2,
			Description: "Create ranks tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS ranks (
					id BIGSERIAL PRIMARY KEY,
					title VARCHAR(100) NOT NULL,
					posts_required INT NOT NULL DEFAULT 0 CHECK (posts_required >= 0),
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_special BOOLEAN NOT NULL DEFAULT FALSE,
					ordering INT NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS rank_members (
					rank_id BIGINT NOT NULL REFERENCES ranks(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL,
					PRIMARY KEY (rank_id, user_id)
				);

				CREATE INDEX IF NOT EXISTS idx_ranks_earned ON ranks(is_active, is_special, posts_required);
				CREATE INDEX IF NOT EXISTS idx_rank_members_user_id ON rank_members(user_id);
			`,
		},
		{
			Version:     3,
			Description: "Create forum_permission_overrides table",
			SQL: `
				CREATE TABLE IF NOT EXISTS forum_permission_overrides (
					id BIGSERIAL PRIMARY KEY,
					scope_kind VARCHAR(16) NOT NULL CHECK (scope_kind IN ('forum', 'group', 'rank', 'user')),
					scope_id BIGINT NOT NULL DEFAULT 0,
					forum_id BIGINT NOT NULL DEFAULT 0,
					permission VARCHAR(64) NOT NULL,
					value BOOLEAN,
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(scope_kind, scope_id, forum_id, permission)
				);

				CREATE INDEX IF NOT EXISTS idx_overrides_forum_id ON forum_permission_overrides(forum_id);
			`,
		},
	}
}

// RunMigrations applies the pending permission migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	return migrate.Apply(ctx, db, "permission_migrations", Migrations(), logger)
}
