package permissions

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/vcboard/pkg/contextkeys"
	"github.com/platinummonkey/vcboard/pkg/forums"
	"github.com/platinummonkey/vcboard/pkg/httputil"
	"github.com/sirupsen/logrus"
)

// DefaultUserHeader carries the user id set by the authenticating proxy
const DefaultUserHeader = "X-Forum-User"

// SubjectLoader builds subjects from user ids
type SubjectLoader interface {
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// ForumFinder locates forums for permission-gated routes
type ForumFinder interface {
	Get(ctx context.Context, id int64) (*forums.Forum, error)
	WithPath(ctx context.Context, path string) (*forums.Forum, error)
}

// IdentityMiddleware loads the subject named by header into the request
// context. Requests without the header are anonymous.
func IdentityMiddleware(subjects SubjectLoader, header string, logger logrus.FieldLogger) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultUserHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(header))
			if raw == "" {
				next.ServeHTTP(w, r.WithContext(contextkeys.WithSubject(r.Context(), Anonymous())))
				return
			}

			userID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || userID <= 0 {
				httputil.WriteBadRequest(w, "invalid "+header+" header")
				return
			}

			subject, err := subjects.LoadSubject(r.Context(), userID)
			if err != nil {
				httputil.LoggerFrom(r, logger).WithFields(logrus.Fields{
					"user_id": userID,
					"error":   err,
				}).Error("failed to load subject")
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "failed to load user")
				return
			}

			next.ServeHTTP(w, r.WithContext(contextkeys.WithSubject(r.Context(), subject)))
		})
	}
}

// SubjectFrom returns the subject stored by IdentityMiddleware, or the
// anonymous subject
func SubjectFrom(ctx context.Context) *Subject {
	if s, ok := ctx.Value(contextkeys.SubjectKey).(*Subject); ok && s != nil {
		return s
	}
	return Anonymous()
}

// ForumFrom returns the forum checked by RequirePermission
func ForumFrom(ctx context.Context) *forums.Forum {
	f, _ := ctx.Value(contextkeys.ForumKey).(*forums.Forum)
	return f
}

// Gate builds permission-checking middleware
type Gate struct {
	service *Service
	forums  ForumFinder
	logger  logrus.FieldLogger
}

// NewGate creates a new gate
func NewGate(service *Service, forums ForumFinder, logger logrus.FieldLogger) *Gate {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gate{service: service, forums: forums, logger: logger}
}

// lookupForum resolves the forum from the {forum_id} or {path} route variable
func (g *Gate) lookupForum(r *http.Request) (*forums.Forum, error) {
	vars := mux.Vars(r)
	if raw, ok := vars["forum_id"]; ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &ValidationError{Field: "forum_id", Message: "invalid forum id " + raw}
		}
		return g.forums.Get(r.Context(), id)
	}
	if path, ok := vars["path"]; ok {
		return g.forums.WithPath(r.Context(), path)
	}
	return nil, &ValidationError{Field: "forum_id", Message: "route has no forum"}
}

// RequirePermission lets a request through only when the subject holds key on
// the routed forum. Unknown or inactive forums answer 404, anonymous denials 401
// and other denials 403.
func (g *Gate) RequirePermission(key Key) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := SubjectFrom(r.Context())

			forum, err := g.lookupForum(r)
			switch {
			case errors.Is(err, forums.ErrForumNotFound):
				httputil.WriteNotFoundError(w, "forum not found")
				return
			case IsValidation(err):
				httputil.WriteBadRequest(w, err.Error())
				return
			case err != nil:
				g.internalError(w, r, err)
				return
			}
			if !forum.IsActive && !subject.IsStaff {
				httputil.WriteNotFoundError(w, "forum not found")
				return
			}

			allowed, err := g.service.HasPermission(r.Context(), subject, forum.ID, key)
			if IsNotFound(err) {
				httputil.WriteNotFoundError(w, "forum not found")
				return
			}
			if err != nil {
				g.internalError(w, r, err)
				return
			}

			if !allowed {
				if subject.IsAnonymous() {
					httputil.WriteUnauthorized(w, "login required")
				} else {
					httputil.WriteForbidden(w, "permission denied: "+string(key))
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(contextkeys.WithForum(r.Context(), forum)))
		})
	}
}

func (g *Gate) internalError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.LoggerFrom(r, g.logger).WithError(err).Error("permission check failed")
	httputil.WriteErrorMessage(w, http.StatusInternalServerError, "permission check failed")
}

// RequireStaff lets only staff members through
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFrom(r.Context())
		if subject.IsAnonymous() {
			httputil.WriteUnauthorized(w, "login required")
			return
		}
		if !subject.IsStaff {
			httputil.WriteForbidden(w, "staff only")
			return
		}
		next.ServeHTTP(w, r)
	})
}
