package forums

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/vcboard/pkg/httputil"
	"github.com/sirupsen/logrus"
)

// UserIDFunc returns the id of the requesting user, or 0 when anonymous
type UserIDFunc func(r *http.Request) int64

// Handlers provides HTTP handlers for the forum tree and watches
type Handlers struct {
	store          *Store
	watches        *WatchStore
	userID         UserIDFunc
	threadsPerPage int
	logger         logrus.FieldLogger
}

// NewHandlers creates new forum handlers. threadsPerPage is the site-wide page
// size used by forums that do not set their own.
func NewHandlers(store *Store, watches *WatchStore, userID UserIDFunc, threadsPerPage int, logger logrus.FieldLogger) *Handlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handlers{
		store:          store,
		watches:        watches,
		userID:         userID,
		threadsPerPage: threadsPerPage,
		logger:         logger,
	}
}

// RegisterRoutes registers the forum routes. canView gates routes that address
// one forum; staffOnly gates forum administration.
func (h *Handlers) RegisterRoutes(router *mux.Router, canView, staffOnly mux.MiddlewareFunc) {
	router.HandleFunc("/api/v1/forums", h.ListForums).Methods("GET")
	router.Handle("/api/v1/forums/{forum_id:[0-9]+}", canView(http.HandlerFunc(h.GetForum))).Methods("GET")
	router.Handle("/api/v1/forums/by-path/{path:.+}", canView(http.HandlerFunc(h.GetForum))).Methods("GET")

	// Watches
	router.Handle("/api/v1/forums/{forum_id:[0-9]+}/watch", canView(http.HandlerFunc(h.WatchForum))).Methods("POST")
	router.HandleFunc("/api/v1/forums/{forum_id:[0-9]+}/watch", h.UnwatchForum).Methods("DELETE")
	router.HandleFunc("/api/v1/watches", h.ListWatches).Methods("GET")

	// Administration
	router.Handle("/api/v1/admin/forums", staffOnly(http.HandlerFunc(h.CreateForum))).Methods("POST")
	router.Handle("/api/v1/admin/forums/{forum_id:[0-9]+}", staffOnly(http.HandlerFunc(h.UpdateForum))).Methods("PUT")
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrForumNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrInvalidForum):
		httputil.WriteBadRequest(w, err.Error())
	default:
		httputil.LoggerFrom(r, h.logger).WithError(err).Error("forum request failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}

// forumView is a forum with its slug path and effective page size
type forumView struct {
	*Forum
	Path     string `json:"path"`
	PageSize int    `json:"page_size"`
}

func (h *Handlers) view(r *http.Request, f *Forum) (forumView, error) {
	path, err := h.store.Path(r.Context(), f)
	if err != nil {
		return forumView{}, err
	}
	return forumView{Forum: f, Path: path, PageSize: f.EffectiveThreadsPerPage(h.threadsPerPage)}, nil
}

// ListForums lists the active children of ?parent=, or the categories
func (h *Handlers) ListForums(w http.ResponseWriter, r *http.Request) {
	parents, err := httputil.ParseQueryInt64List(r, "parent")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	var parentID *int64
	if len(parents) > 0 {
		parentID = &parents[0]
	}

	list, err := h.store.Children(r.Context(), parentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []Forum{}
	}
	httputil.WriteSuccess(w, list)
}

// GetForum returns one forum. The forum is looked up again so that the
// handler also works without the permission gate.
func (h *Handlers) GetForum(w http.ResponseWriter, r *http.Request) {
	var (
		f   *Forum
		err error
	)
	if path, ok := mux.Vars(r)["path"]; ok {
		f, err = h.store.WithPath(r.Context(), path)
	} else {
		id, ok := httputil.ParsePathInt64OrError(w, r, "forum_id")
		if !ok {
			return
		}
		f, err = h.store.Get(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	v, err := h.view(r, f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, v)
}

// requireUser returns the caller's id or writes a 401
func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID := h.userID(r)
	if userID <= 0 {
		httputil.WriteUnauthorized(w, "login required")
		return 0, false
	}
	return userID, true
}

// WatchForum subscribes the caller to a forum
func (h *Handlers) WatchForum(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	forumID, ok := httputil.ParsePathInt64OrError(w, r, "forum_id")
	if !ok {
		return
	}

	watch, err := h.watches.Watch(r.Context(), userID, WatchForum, forumID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, watch)
}

// UnwatchForum removes the caller's watch on a forum
func (h *Handlers) UnwatchForum(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	forumID, ok := httputil.ParsePathInt64OrError(w, r, "forum_id")
	if !ok {
		return
	}

	if err := h.watches.Unwatch(r.Context(), userID, WatchForum, forumID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListWatches lists the caller's watches
func (h *Handlers) ListWatches(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	watches, err := h.watches.ListForUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if watches == nil {
		watches = []Watch{}
	}
	httputil.WriteSuccess(w, watches)
}

type forumRequest struct {
	ParentID       *int64 `json:"parent_id,omitempty"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	IsActive       *bool  `json:"is_active,omitempty"`
	ThreadsPerPage int    `json:"threads_per_page"`
	Ordering       int    `json:"ordering"`
}

func (req forumRequest) apply(f *Forum) {
	f.ParentID = req.ParentID
	f.Name = req.Name
	f.Description = req.Description
	f.IsActive = req.IsActive == nil || *req.IsActive
	f.ThreadsPerPage = req.ThreadsPerPage
	f.Ordering = req.Ordering
}

// CreateForum creates a forum
func (h *Handlers) CreateForum(w http.ResponseWriter, r *http.Request) {
	var req forumRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	f := &Forum{}
	req.apply(f)
	if err := h.store.Create(r.Context(), f); err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.LoggerFrom(r, h.logger).WithFields(logrus.Fields{
		"forum_id": f.ID,
		"slug":     f.Slug,
	}).Info("forum created")
	httputil.WriteJSON(w, http.StatusCreated, f)
}

// UpdateForum replaces the editable fields of a forum
func (h *Handlers) UpdateForum(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "forum_id")
	if !ok {
		return
	}
	var req forumRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	f, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req.apply(f)
	if err := h.store.Update(r.Context(), f); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, f)
}
