package permissions

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Rank is a member title that can carry its own permission overrides
type Rank struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	PostsRequired int       `json:"posts_required"`
	IsActive      bool      `json:"is_active"`
	IsSpecial     bool      `json:"is_special"` // special ranks are only held by assignment
	Ordering      int       `json:"ordering"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RankResolver picks the single rank used for a subject
type RankResolver interface {
	ResolveRank(ctx context.Context, subject *Subject) (*Rank, error)
}

// RankStore handles rank persistence and rank resolution
type RankStore struct {
	db *sql.DB
}

// NewRankStore creates a new rank store
func NewRankStore(db *sql.DB) *RankStore {
	return &RankStore{db: db}
}

const rankColumns = `id, title, posts_required, is_active, is_special, ordering, created_at, updated_at`

func scanRank(scanner interface {
	Scan(dest ...interface{}) error
}) (*Rank, error) {
	var r Rank
	err := scanner.Scan(
		&r.ID,
		&r.Title,
		&r.PostsRequired,
		&r.IsActive,
		&r.IsSpecial,
		&r.Ordering,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRank creates a new rank
func (s *RankStore) CreateRank(ctx context.Context, rank *Rank) error {
	if rank.Title == "" {
		return &ValidationError{Field: "title", Message: "rank title is required"}
	}
	if rank.PostsRequired < 0 {
		return &ValidationError{Field: "posts_required", Message: "must not be negative"}
	}

	query := `
		INSERT INTO ranks (title, posts_required, is_active, is_special, ordering, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	now := time.Now()
	err := s.db.QueryRowContext(ctx, query,
		rank.Title,
		rank.PostsRequired,
		rank.IsActive,
		rank.IsSpecial,
		rank.Ordering,
		now,
		now,
	).Scan(&rank.ID)
	if err != nil {
		return fmt.Errorf("failed to create rank: %w", err)
	}

	rank.CreatedAt = now
	rank.UpdatedAt = now
	return nil
}

// GetRank retrieves a rank by ID
func (s *RankStore) GetRank(ctx context.Context, rankID int64) (*Rank, error) {
	query := `SELECT ` + rankColumns + ` FROM ranks WHERE id = $1`

	rank, err := scanRank(s.db.QueryRowContext(ctx, query, rankID))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Resource: "rank", ID: rankID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rank: %w", err)
	}
	return rank, nil
}

// ListRanks lists all ranks in display order
func (s *RankStore) ListRanks(ctx context.Context) ([]Rank, error) {
	query := `SELECT ` + rankColumns + ` FROM ranks ORDER BY ordering ASC, title ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list ranks: %w", err)
	}
	defer rows.Close()

	var ranks []Rank
	for rows.Next() {
		rank, err := scanRank(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rank: %w", err)
		}
		ranks = append(ranks, *rank)
	}
	return ranks, rows.Err()
}

// AssignRank gives userID an explicit rank. Assigning twice is a no-op.
func (s *RankStore) AssignRank(ctx context.Context, userID, rankID int64) error {
	query := `
		INSERT INTO rank_members (rank_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (rank_id, user_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, rankID, userID); err != nil {
		return fmt.Errorf("failed to assign rank: %w", err)
	}
	return nil
}

// UnassignRank removes an explicit rank from userID
func (s *RankStore) UnassignRank(ctx context.Context, userID, rankID int64) error {
	query := `DELETE FROM rank_members WHERE rank_id = $1 AND user_id = $2`
	if _, err := s.db.ExecContext(ctx, query, rankID, userID); err != nil {
		return fmt.Errorf("failed to unassign rank: %w", err)
	}
	return nil
}

// ResolveRank returns the one rank used for subject, or nil.
//
// An explicit assignment wins; when a user holds several, the lowest rank id is
// used. Otherwise the active, non-special rank with the highest posts_required not
// above the subject's post count is chosen (lowest id on ties). The result is
// memoised on the subject.
func (s *RankStore) ResolveRank(ctx context.Context, subject *Subject) (*Rank, error) {
	if subject.IsAnonymous() {
		return nil, nil
	}
	if rank, ok := subject.cachedRank(); ok {
		return rank, nil
	}

	rank, err := s.explicitRank(ctx, subject.UserID)
	if err != nil {
		return nil, err
	}
	if rank == nil {
		rank, err = s.earnedRank(ctx, subject.PostCount)
		if err != nil {
			return nil, err
		}
	}

	subject.setRank(rank)
	return rank, nil
}

func (s *RankStore) explicitRank(ctx context.Context, userID int64) (*Rank, error) {
	query := `
		SELECT r.id, r.title, r.posts_required, r.is_active, r.is_special, r.ordering, r.created_at, r.updated_at
		FROM ranks r
		JOIN rank_members m ON m.rank_id = r.id
		WHERE m.user_id = $1
		ORDER BY r.id ASC
		LIMIT 1
	`

	rank, err := scanRank(s.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assigned rank: %w", err)
	}
	return rank, nil
}

func (s *RankStore) earnedRank(ctx context.Context, postCount int) (*Rank, error) {
	query := `
		SELECT ` + rankColumns + `
		FROM ranks
		WHERE is_active = $1 AND is_special = $2 AND posts_required <= $3
		ORDER BY posts_required DESC, id ASC
		LIMIT 1
	`

	rank, err := scanRank(s.db.QueryRowContext(ctx, query, true, false, postCount))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get earned rank: %w", err)
	}
	return rank, nil
}
