package permissions

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
)

// Subject is the party whose permissions are resolved: a forum member or the
// anonymous visitor. A Subject lives for one request.
type Subject struct {
	UserID    int64  // zero for the anonymous subject
	GroupID   *int64 // optional group membership
	PostCount int
	IsStaff   bool

	mu         sync.Mutex
	rank       *Rank
	rankLoaded bool
}

// Anonymous returns a new anonymous subject
func Anonymous() *Subject {
	return &Subject{}
}

// NewUserSubject returns a subject for an identified user
func NewUserSubject(userID int64, groupID *int64, postCount int) *Subject {
	return &Subject{UserID: userID, GroupID: groupID, PostCount: postCount}
}

// IsAnonymous reports whether the subject carries no identity
func (s *Subject) IsAnonymous() bool {
	return s == nil || s.UserID == 0
}

// CacheKey returns the cache key component for the subject: "anon" or "u<id>"
func (s *Subject) CacheKey() string {
	if s.IsAnonymous() {
		return "anon"
	}
	return "u" + strconv.FormatInt(s.UserID, 10)
}

// cachedRank returns the memoised rank, if one was resolved already
func (s *Subject) cachedRank() (*Rank, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rank, s.rankLoaded
}

func (s *Subject) setRank(r *Rank) {
	s.mu.Lock()
	s.rank = r
	s.rankLoaded = true
	s.mu.Unlock()
}

// SubjectStore loads forum profiles (group, post count, staff flag) for users
type SubjectStore struct {
	db *sql.DB
}

// NewSubjectStore creates a profile-backed subject loader
func NewSubjectStore(db *sql.DB) *SubjectStore {
	return &SubjectStore{db: db}
}

// LoadSubject builds the subject for userID. A user without a forum profile is
// returned with no group, no posts and no staff flag. userID zero yields the
// anonymous subject.
func (s *SubjectStore) LoadSubject(ctx context.Context, userID int64) (*Subject, error) {
	if userID == 0 {
		return Anonymous(), nil
	}

	query := `
		SELECT group_id, post_count, is_staff
		FROM forum_profiles
		WHERE user_id = $1
	`

	var groupID sql.NullInt64
	subject := &Subject{UserID: userID}
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&groupID, &subject.PostCount, &subject.IsStaff)
	if err == sql.ErrNoRows {
		return subject, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load forum profile: %w", err)
	}

	if groupID.Valid {
		gid := groupID.Int64
		subject.GroupID = &gid
	}
	return subject, nil
}

// Profile is the forum-side data of a user that feeds permission resolution
type Profile struct {
	UserID    int64  `json:"user_id"`
	GroupID   *int64 `json:"group_id,omitempty"`
	PostCount int    `json:"post_count"`
	IsStaff   bool   `json:"is_staff"`
}

// SaveProfile creates or replaces the forum profile of p.UserID
func (s *SubjectStore) SaveProfile(ctx context.Context, p Profile) error {
	if p.UserID <= 0 {
		return &ValidationError{Field: "user_id", Message: "must be positive"}
	}
	if p.PostCount < 0 {
		return &ValidationError{Field: "post_count", Message: "must not be negative"}
	}

	var groupID sql.NullInt64
	if p.GroupID != nil {
		groupID = sql.NullInt64{Int64: *p.GroupID, Valid: true}
	}

	query := `
		INSERT INTO forum_profiles (user_id, group_id, post_count, is_staff)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			group_id = EXCLUDED.group_id,
			post_count = EXCLUDED.post_count,
			is_staff = EXCLUDED.is_staff
	`
	if _, err := s.db.ExecContext(ctx, query, p.UserID, groupID, p.PostCount, p.IsStaff); err != nil {
		return fmt.Errorf("failed to save forum profile: %w", err)
	}
	return nil
}
