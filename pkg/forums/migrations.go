package forums

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/vcboard/pkg/migrate"
	"github.com/sirupsen/logrus"
)

// Migrations returns the Postgres schema of the forum tree and watches
func Migrations() []migrate.Migration {
	return []migrate.Migration{
		{
			Version:     1,
			Description: "Create forums table",
			SQL: `
				CREATE TABLE IF NOT EXISTS forums (
					id BIGSERIAL PRIMARY KEY,
					parent_id BIGINT REFERENCES forums(id) ON DELETE CASCADE,
					name VARCHAR(100) NOT NULL,
					slug VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					threads_per_page INT NOT NULL DEFAULT 0,
					thread_count INT NOT NULL DEFAULT 0,
					post_count INT NOT NULL DEFAULT 0,
					last_post_id BIGINT,
					ordering INT NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_forums_parent_slug ON forums(parent_id, slug) WHERE parent_id IS NOT NULL;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_forums_root_slug ON forums(slug) WHERE parent_id IS NULL;
				CREATE INDEX IF NOT EXISTS idx_forums_active ON forums(is_active);
			`,
		},
		{
			Version:     2,
			Description: "Create watches table",
			SQL: `
				CREATE TABLE IF NOT EXISTS watches (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL,
					kind VARCHAR(16) NOT NULL CHECK (kind IN ('forum', 'thread')),
					target_id BIGINT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(user_id, kind, target_id)
				);

				CREATE INDEX IF NOT EXISTS idx_watches_target ON watches(kind, target_id);
			`,
		},
	}
}

// RunMigrations applies the pending forum migrations
func RunMigrations(ctx context.Context, db *sql.DB, logger logrus.FieldLogger) error {
	return migrate.Apply(ctx, db, "forum_migrations", Migrations(), logger)
}
