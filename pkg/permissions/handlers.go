package permissions

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/vcboard/pkg/forums"
	"github.com/platinummonkey/vcboard/pkg/httputil"
	"github.com/sirupsen/logrus"
)

// Handlers provides HTTP handlers for permission lookups and administration
type Handlers struct {
	service  *Service
	editor   *Editor
	store    *Store
	ranks    *RankStore
	subjects *SubjectStore
	forums   ForumFinder
	logger   logrus.FieldLogger
}

// NewHandlers creates new permission handlers
func NewHandlers(service *Service, editor *Editor, store *Store, ranks *RankStore, subjects *SubjectStore, forums ForumFinder, logger logrus.FieldLogger) *Handlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handlers{
		service:  service,
		editor:   editor,
		store:    store,
		ranks:    ranks,
		subjects: subjects,
		forums:   forums,
		logger:   logger,
	}
}

// RegisterRoutes registers the permission routes. Admin routes require staff.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/permissions/registry", h.GetRegistry).Methods("GET")
	router.HandleFunc("/api/v1/forums/{forum_id:[0-9]+}/permissions", h.GetForumPermissions).Methods("GET")
	router.HandleFunc("/api/v1/forums/by-path/{path:.+}/permissions", h.GetForumPermissions).Methods("GET")

	admin := router.PathPrefix("/api/v1/admin").Subrouter()
	admin.Use(RequireStaff)

	// Matrix editing
	admin.HandleFunc("/permissions/{scope}/matrix", h.GetMatrix).Methods("GET")
	admin.HandleFunc("/permissions/{scope}/matrix", h.ApplyMatrix).Methods("POST")
	admin.HandleFunc("/permissions/{scope}/{scope_id:[0-9]+}/matrix", h.GetMatrix).Methods("GET")
	admin.HandleFunc("/permissions/{scope}/{scope_id:[0-9]+}/matrix", h.ApplyMatrix).Methods("POST")
	admin.HandleFunc("/permissions/{scope}/overrides", h.ListOverrides).Methods("GET")
	admin.HandleFunc("/permissions/{scope}/{scope_id:[0-9]+}/overrides", h.ListOverrides).Methods("GET")

	// Ranks
	admin.HandleFunc("/ranks", h.ListRanks).Methods("GET")
	admin.HandleFunc("/ranks", h.CreateRank).Methods("POST")
	admin.HandleFunc("/ranks/{rank_id:[0-9]+}", h.GetRank).Methods("GET")
	admin.HandleFunc("/ranks/{rank_id:[0-9]+}/members/{user_id:[0-9]+}", h.AssignRank).Methods("POST")
	admin.HandleFunc("/ranks/{rank_id:[0-9]+}/members/{user_id:[0-9]+}", h.UnassignRank).Methods("DELETE")

	// Profiles
	admin.HandleFunc("/profiles/{user_id:[0-9]+}", h.SaveProfile).Methods("PUT")
}

// writeError maps store and resolver errors to status codes
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case IsValidation(err):
		httputil.WriteBadRequest(w, err.Error())
	case IsNotFound(err), errors.Is(err, forums.ErrForumNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	default:
		httputil.LoggerFrom(r, h.logger).WithError(err).Error("permission request failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}

// GetRegistry lists the registered permissions in display order
func (h *Handlers) GetRegistry(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{
		"permissions": h.service.Registry().Definitions(),
	})
}

// GetForumPermissions returns the effective permission set of the caller on a
// forum addressed by id or by slug path
func (h *Handlers) GetForumPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := SubjectFrom(ctx)

	var (
		forum *forums.Forum
		err   error
	)
	vars := mux.Vars(r)
	if path, ok := vars["path"]; ok {
		forum, err = h.forums.WithPath(ctx, path)
	} else {
		forumID, ok := httputil.ParsePathInt64OrError(w, r, "forum_id")
		if !ok {
			return
		}
		forum, err = h.forums.Get(ctx, forumID)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !forum.IsActive && !subject.IsStaff {
		httputil.WriteNotFoundError(w, "forum not found")
		return
	}

	set, err := h.service.Resolve(ctx, subject, forum.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"forum_id":    forum.ID,
		"permissions": set,
	})
}

// scopeFromRequest reads {scope} and the optional {scope_id}
func scopeFromRequest(r *http.Request) (ScopeRef, error) {
	vars := mux.Vars(r)
	kind, err := ParseScopeKind(vars["scope"])
	if err != nil {
		return ScopeRef{}, err
	}
	scope := ScopeRef{Kind: kind}
	if raw, ok := vars["scope_id"]; ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ScopeRef{}, &ValidationError{Field: "scope_id", Message: "invalid id " + raw}
		}
		scope.ID = id
	}
	return scope, scope.Validate()
}

// GetMatrix renders the edit grid of a scope. Repeated ?forum= parameters limit
// the rows.
func (h *Handlers) GetMatrix(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	forumIDs, err := httputil.ParseQueryInt64List(r, "forum")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	grid, err := h.editor.Grid(r.Context(), scope, forumIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, grid)
}

type matrixEdit struct {
	ForumID    int64 `json:"forum_id"`
	Permission Key   `json:"permission"`
	Value      Value `json:"value"`
}

// MatrixRequest is the body of a matrix edit. Forums and Permissions bound the
// matrix; when empty any forum or registered permission may be edited.
type MatrixRequest struct {
	Forums      []int64      `json:"forums,omitempty"`
	Permissions []Key        `json:"permissions,omitempty"`
	Edits       []matrixEdit `json:"edits"`
}

// MatrixEditError reports one rejected edit
type MatrixEditError struct {
	ForumID    int64  `json:"forum_id"`
	Permission Key    `json:"permission"`
	Error      string `json:"error"`
}

// MatrixResponse reports the outcome of a matrix edit
type MatrixResponse struct {
	Changed int               `json:"changed"`
	Errors  []MatrixEditError `json:"errors"`
}

// ApplyMatrix applies a batch of tri-state edits to one scope. Partially failed
// batches answer 422 with the applied count and the rejected edits.
func (h *Handlers) ApplyMatrix(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req MatrixRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	// later edits of the same cell win
	edits := make(map[EditKey]Value, len(req.Edits))
	for _, e := range req.Edits {
		edits[EditKey{ForumID: e.ForumID, Permission: e.Permission}] = e.Value
	}

	changed, err := h.editor.ApplyMatrixEdits(r.Context(), scope, req.Forums, req.Permissions, edits)
	resp := MatrixResponse{Changed: changed, Errors: []MatrixEditError{}}

	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		for _, f := range matrixErr.Failures {
			resp.Errors = append(resp.Errors, MatrixEditError{
				ForumID:    f.Edit.ForumID,
				Permission: f.Edit.Permission,
				Error:      f.Err.Error(),
			})
		}
		httputil.LoggerFrom(r, h.logger).WithFields(logrus.Fields{
			"scope":   scope.String(),
			"changed": changed,
			"failed":  len(resp.Errors),
		}).Warn("matrix edit partially failed")
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.LoggerFrom(r, h.logger).WithFields(logrus.Fields{
		"scope":   scope.String(),
		"changed": changed,
	}).Info("matrix edit applied")
	httputil.WriteSuccess(w, resp)
}

// ListOverrides lists every stored override of a scope
func (h *Handlers) ListOverrides(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	overrides, err := h.store.ListOverrides(r.Context(), scope)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if overrides == nil {
		overrides = []Override{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"scope":     scope,
		"overrides": overrides,
	})
}

// ListRanks lists every rank
func (h *Handlers) ListRanks(w http.ResponseWriter, r *http.Request) {
	ranks, err := h.ranks.ListRanks(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ranks == nil {
		ranks = []Rank{}
	}
	httputil.WriteSuccess(w, ranks)
}

// CreateRank creates a rank
func (h *Handlers) CreateRank(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title         string `json:"title"`
		PostsRequired int    `json:"posts_required"`
		IsActive      *bool  `json:"is_active,omitempty"`
		IsSpecial     bool   `json:"is_special"`
		Ordering      int    `json:"ordering"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	rank := &Rank{
		Title:         req.Title,
		PostsRequired: req.PostsRequired,
		IsActive:      req.IsActive == nil || *req.IsActive,
		IsSpecial:     req.IsSpecial,
		Ordering:      req.Ordering,
	}
	if err := h.ranks.CreateRank(r.Context(), rank); err != nil {
		h.writeError(w, r, err)
		return
	}

	// a new earned rank can change the rank of existing members
	if !rank.IsSpecial && rank.IsActive {
		h.editor.InvalidateAll(r.Context(), fmt.Sprintf("rank:%d created", rank.ID))
	}
	httputil.WriteJSON(w, http.StatusCreated, rank)
}

// GetRank retrieves a rank
func (h *Handlers) GetRank(w http.ResponseWriter, r *http.Request) {
	rankID, ok := httputil.ParsePathInt64OrError(w, r, "rank_id")
	if !ok {
		return
	}
	rank, err := h.ranks.GetRank(r.Context(), rankID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, rank)
}

func (h *Handlers) rankMembership(w http.ResponseWriter, r *http.Request, assign bool) {
	ctx := r.Context()
	rankID, ok := httputil.ParsePathInt64OrError(w, r, "rank_id")
	if !ok {
		return
	}
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}
	if _, err := h.ranks.GetRank(ctx, rankID); err != nil {
		h.writeError(w, r, err)
		return
	}

	var err error
	if assign {
		err = h.ranks.AssignRank(ctx, userID, rankID)
	} else {
		err = h.ranks.UnassignRank(ctx, userID, rankID)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.editor.InvalidateAll(ctx, fmt.Sprintf("rank:%d members", rankID))
	httputil.WriteNoContent(w)
}

// AssignRank gives a user an explicit rank
func (h *Handlers) AssignRank(w http.ResponseWriter, r *http.Request) {
	h.rankMembership(w, r, true)
}

// UnassignRank removes an explicit rank from a user
func (h *Handlers) UnassignRank(w http.ResponseWriter, r *http.Request) {
	h.rankMembership(w, r, false)
}

// SaveProfile creates or replaces a user's forum profile
func (h *Handlers) SaveProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	var req struct {
		GroupID   *int64 `json:"group_id"`
		PostCount int    `json:"post_count"`
		IsStaff   bool   `json:"is_staff"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	profile := Profile{
		UserID:    userID,
		GroupID:   req.GroupID,
		PostCount: req.PostCount,
		IsStaff:   req.IsStaff,
	}
	if err := h.subjects.SaveProfile(r.Context(), profile); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.editor.InvalidateAll(r.Context(), fmt.Sprintf("user:%d profile", userID))
	httputil.WriteSuccess(w, profile)
}
