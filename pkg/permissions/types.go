package permissions

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Key identifies a forum permission, e.g. "start_threads"
type Key string

// Value is the tri-state value of an override
type Value int8

const (
	// Unset defers to the next scope
	Unset Value = iota
	// Allow grants the permission
	Allow
	// Deny refuses the permission
	Deny
)

// String returns the wire form of a value
func (v Value) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "inherit"
	}
}

// ParseValue parses "inherit", "allow" or "deny" (and the boolean spellings)
func ParseValue(s string) (Value, error) {
	switch s {
	case "", "inherit", "unset", "null":
		return Unset, nil
	case "allow", "true":
		return Allow, nil
	case "deny", "false":
		return Deny, nil
	}
	return Unset, fmt.Errorf("invalid override value: %q", s)
}

// ValueOf converts a boolean to Allow or Deny
func ValueOf(b bool) Value {
	if b {
		return Allow
	}
	return Deny
}

// MarshalJSON encodes the value as "inherit", "allow" or "deny"
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON accepts the string form, a boolean, or null
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = Unset
	case bool:
		*v = ValueOf(t)
	case string:
		parsed, err := ParseValue(t)
		if err != nil {
			return err
		}
		*v = parsed
	default:
		return fmt.Errorf("invalid override value: %s", string(data))
	}
	return nil
}

// nullBool maps a value to its column form (NULL for Unset)
func (v Value) nullBool() sql.NullBool {
	switch v {
	case Allow:
		return sql.NullBool{Bool: true, Valid: true}
	case Deny:
		return sql.NullBool{Bool: false, Valid: true}
	default:
		return sql.NullBool{}
	}
}

func valueFromNullBool(b sql.NullBool) Value {
	if !b.Valid {
		return Unset
	}
	return ValueOf(b.Bool)
}

// ScopeKind is the level at which an override is declared
type ScopeKind string

const (
	// ScopeForum is the forum-default scope; it applies to every subject
	ScopeForum ScopeKind = "forum"
	ScopeGroup ScopeKind = "group"
	ScopeRank  ScopeKind = "rank"
	ScopeUser  ScopeKind = "user"
)

// ParseScopeKind validates a scope kind name
func ParseScopeKind(s string) (ScopeKind, error) {
	switch k := ScopeKind(s); k {
	case ScopeForum, ScopeGroup, ScopeRank, ScopeUser:
		return k, nil
	}
	return "", &ValidationError{Field: "scope_kind", Message: fmt.Sprintf("unknown scope kind %q", s)}
}

// ScopeRef identifies the owner of a set of overrides. ID is zero for ScopeForum.
type ScopeRef struct {
	Kind ScopeKind `json:"kind"`
	ID   int64     `json:"id,omitempty"`
}

// ForumScope returns the forum-default scope
func ForumScope() ScopeRef { return ScopeRef{Kind: ScopeForum} }

// GroupScope returns the scope of a user group
func GroupScope(groupID int64) ScopeRef { return ScopeRef{Kind: ScopeGroup, ID: groupID} }

// RankScope returns the scope of a rank
func RankScope(rankID int64) ScopeRef { return ScopeRef{Kind: ScopeRank, ID: rankID} }

// UserScope returns the scope of a single user
func UserScope(userID int64) ScopeRef { return ScopeRef{Kind: ScopeUser, ID: userID} }

// String returns a representation such as "group:3"
func (s ScopeRef) String() string {
	if s.Kind == ScopeForum {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s:%d", s.Kind, s.ID)
}

// Validate checks the kind and the presence of an id
func (s ScopeRef) Validate() error {
	if _, err := ParseScopeKind(string(s.Kind)); err != nil {
		return err
	}
	if s.Kind == ScopeForum {
		if s.ID != 0 {
			return &ValidationError{Field: "scope_id", Message: "forum scope does not take an id"}
		}
		return nil
	}
	if s.ID <= 0 {
		return &ValidationError{Field: "scope_id", Message: fmt.Sprintf("%s scope requires an id", s.Kind)}
	}
	return nil
}

// Override is a single stored fact: scope S says permission P on forum F is Value
type Override struct {
	ID         int64     `json:"id"`
	Scope      ScopeRef  `json:"scope"`
	ForumID    *int64    `json:"forum_id,omitempty"` // nil for global rank overrides
	Permission Key       `json:"permission"`
	Value      Value     `json:"value"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Set is the effective permission set for one (subject, forum) pair
type Set map[Key]bool

// HasPermission reports whether the set grants key. Unknown keys are denied.
func HasPermission(set Set, key Key) bool {
	if set == nil {
		return false
	}
	return set[key]
}

// Clone returns a copy of the set
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
