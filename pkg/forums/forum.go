package forums

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrForumNotFound is returned when a forum id or path does not resolve
	ErrForumNotFound = errors.New("forum not found")

	// ErrInvalidForum is returned for forum writes that fail validation
	ErrInvalidForum = errors.New("invalid forum")
)

// Forum is a node of the board tree. A forum without a parent is a top-level
// category.
type Forum struct {
	ID             int64     `json:"id"`
	ParentID       *int64    `json:"parent_id,omitempty"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"` // unique among siblings
	Description    string    `json:"description,omitempty"`
	IsActive       bool      `json:"is_active"`
	ThreadsPerPage int       `json:"threads_per_page"` // 0 means the site default
	ThreadCount    int       `json:"thread_count"`
	PostCount      int       `json:"post_count"`
	LastPostID     *int64    `json:"last_post_id,omitempty"`
	Ordering       int       `json:"ordering"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	hierarchy []*Forum
}

// IsCategory reports whether the forum sits at the top of the tree
func (f *Forum) IsCategory() bool {
	return f.ParentID == nil
}

// EffectiveThreadsPerPage returns the forum page size, or siteDefault when unset
func (f *Forum) EffectiveThreadsPerPage(siteDefault int) int {
	if f.ThreadsPerPage > 0 {
		return f.ThreadsPerPage
	}
	return siteDefault
}

var (
	slugStrip = regexp.MustCompile(`[^\w\s-]`)
	slugSpace = regexp.MustCompile(`[-\s]+`)
)

// reservedSlugs end routes nested under a forum path, such as
// /api/v1/forums/by-path/{path}/permissions
var reservedSlugs = map[string]bool{
	"permissions": true,
}

// Slugify lowercases s, drops punctuation and joins words with hyphens
func Slugify(s string) string {
	s = slugStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "")
	s = strings.Trim(slugSpace.ReplaceAllString(s, "-"), "-")
	if s == "" {
		return "forum"
	}
	return s
}
