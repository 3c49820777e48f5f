package permissions

// Built-in permission keys
const (
	ViewForumHome        Key = "view_forum_home"
	ViewForum            Key = "view_forum"
	ViewOtherThreads     Key = "view_other_threads"
	ViewProfiles         Key = "view_profiles"
	StartThreads         Key = "start_threads"
	ReplyToOwnThreads    Key = "reply_to_own_threads"
	ReplyToOtherThreads  Key = "reply_to_other_threads"
	EditOwnThreads       Key = "edit_own_threads"
	EditOtherThreads     Key = "edit_other_threads"
	EditOwnReplies       Key = "edit_own_replies"
	EditOtherReplies     Key = "edit_other_replies"
	DeleteOwnThreads     Key = "delete_own_threads"
	DeleteOtherThreads   Key = "delete_other_threads"
	DeleteOwnReplies     Key = "delete_own_replies"
	DeleteOtherReplies   Key = "delete_other_replies"
	CloseOtherThreads    Key = "close_other_threads"
	OpenOtherThreads     Key = "open_other_threads"
	MoveOtherThreads     Key = "move_other_threads"
	StickyThreads        Key = "sticky_threads"
	AttachFiles          Key = "attach_files"
	CreatePolls          Key = "create_polls"
	VoteInPolls          Key = "vote_in_polls"
)

// Definition describes one registry entry
type Definition struct {
	Key         Key    `json:"key"`
	Description string `json:"description"`
	// Visibility permissions may have a configurable fallback for identified users.
	// Action permissions always fall back to false.
	Visibility bool `json:"visibility"`
}

// Registry is the fixed, ordered set of forum permissions
type Registry struct {
	defs  []Definition
	index map[Key]int
}

// NewRegistry builds a registry from definitions. Duplicate keys keep the first entry.
func NewRegistry(defs []Definition) *Registry {
	r := &Registry{index: make(map[Key]int, len(defs))}
	for _, d := range defs {
		if _, dup := r.index[d.Key]; dup {
			continue
		}
		r.index[d.Key] = len(r.defs)
		r.defs = append(r.defs, d)
	}
	return r
}

var defaultRegistry = NewRegistry([]Definition{
	{Key: ViewForumHome, Description: "Can see the forum index", Visibility: true},
	{Key: ViewForum, Description: "Can see the forum and its thread list", Visibility: true},
	{Key: ViewOtherThreads, Description: "Can read threads started by others"},
	{Key: ViewProfiles, Description: "Can view member profiles"},
	{Key: StartThreads, Description: "Can start new threads"},
	{Key: ReplyToOwnThreads, Description: "Can reply to own threads"},
	{Key: ReplyToOtherThreads, Description: "Can reply to threads started by others"},
	{Key: EditOwnThreads, Description: "Can edit own threads"},
	{Key: EditOtherThreads, Description: "Can edit threads started by others"},
	{Key: EditOwnReplies, Description: "Can edit own replies"},
	{Key: EditOtherReplies, Description: "Can edit replies by others"},
	{Key: DeleteOwnThreads, Description: "Can delete own threads"},
	{Key: DeleteOtherThreads, Description: "Can delete threads started by others"},
	{Key: DeleteOwnReplies, Description: "Can delete own replies"},
	{Key: DeleteOtherReplies, Description: "Can delete replies by others"},
	{Key: CloseOtherThreads, Description: "Can close threads started by others"},
	{Key: OpenOtherThreads, Description: "Can reopen threads started by others"},
	{Key: MoveOtherThreads, Description: "Can move threads to another forum"},
	{Key: StickyThreads, Description: "Can sticky and unsticky threads"},
	{Key: AttachFiles, Description: "Can attach files to posts"},
	{Key: CreatePolls, Description: "Can start polls"},
	{Key: VoteInPolls, Description: "Can vote in polls"},
})

// DefaultRegistry returns the built-in forum permission registry
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Definitions returns the entries in registry order
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Keys returns the permission keys in registry order
func (r *Registry) Keys() []Key {
	keys := make([]Key, len(r.defs))
	for i, d := range r.defs {
		keys[i] = d.Key
	}
	return keys
}

// Lookup returns the definition for key
func (r *Registry) Lookup(key Key) (Definition, bool) {
	i, ok := r.index[key]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// Contains reports whether key is registered
func (r *Registry) Contains(key Key) bool {
	_, ok := r.index[key]
	return ok
}

// position returns the registry order of key, or -1
func (r *Registry) position(key Key) int {
	if i, ok := r.index[key]; ok {
		return i
	}
	return -1
}

// Len returns the number of registered permissions
func (r *Registry) Len() int {
	return len(r.defs)
}

// Defaults holds the fallback applied to identified users when every scope is unset
type Defaults struct {
	visible map[Key]bool
}

// NewDefaults returns fallbacks for the given visibility keys. Keys that are not
// visibility permissions in reg are ignored: action permissions always fall back to false.
func NewDefaults(reg *Registry, visible map[Key]bool) Defaults {
	d := Defaults{visible: make(map[Key]bool)}
	for k, v := range visible {
		def, ok := reg.Lookup(k)
		if !ok || !def.Visibility {
			continue
		}
		d.visible[k] = v
	}
	return d
}

// For returns the fallback value of key for an identified user
func (d Defaults) For(key Key) bool {
	return d.visible[key]
}
