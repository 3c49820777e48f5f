package permissions

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EditKey addresses one cell of the matrix. ForumID 0 addresses the global row
// of a rank scope.
type EditKey struct {
	ForumID    int64 `json:"forum_id"`
	Permission Key   `json:"permission"`
}

// OverrideWriter is the override store as used by the matrix editor
type OverrideWriter interface {
	OverrideReader
	UpsertOverride(ctx context.Context, scope ScopeRef, forumID *int64, key Key, value Value) error
}

// Invalidator drops cached permission sets of a forum
type Invalidator interface {
	InvalidateForum(ctx context.Context, forumID int64) error
}

// ForumLister lists forum ids
type ForumLister interface {
	ForumChecker
	ForumIDs(ctx context.Context, activeOnly bool) ([]int64, error)
}

// Editor applies bulk override edits and renders edit grids
type Editor struct {
	store       OverrideWriter
	invalidator Invalidator
	forums      ForumLister
	registry    *Registry
	logger      logrus.FieldLogger
	metrics     *Metrics
}

// NewEditor creates a matrix editor
func NewEditor(store OverrideWriter, invalidator Invalidator, forums ForumLister, registry *Registry, logger logrus.FieldLogger, metrics *Metrics) *Editor {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Editor{
		store:       store,
		invalidator: invalidator,
		forums:      forums,
		registry:    registry,
		logger:      logger,
		metrics:     metrics,
	}
}

func forumPtr(forumID int64) *int64 {
	if forumID == 0 {
		return nil
	}
	return &forumID
}

// sortedEdits orders edits by forum, then registry position
func (e *Editor) sortedEdits(edits map[EditKey]Value) []EditKey {
	keys := make([]EditKey, 0, len(edits))
	for k := range edits {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ForumID != keys[j].ForumID {
			return keys[i].ForumID < keys[j].ForumID
		}
		pi, pj := e.registry.position(keys[i].Permission), e.registry.position(keys[j].Permission)
		if pi != pj {
			return pi < pj
		}
		return keys[i].Permission < keys[j].Permission
	})
	return keys
}

// ApplyMatrixEdits writes every edit whose value differs from the stored one and
// returns how many cells changed. Empty forumSet or permissionSet mean any forum
// or any permission; edits outside a non-empty set fail validation. Failed edits
// are reported together in a *MatrixError and do not stop the rest of the batch.
// Each forum that changed is invalidated once, after all writes.
func (e *Editor) ApplyMatrixEdits(ctx context.Context, scope ScopeRef, forumSet []int64, permissionSet []Key, edits map[EditKey]Value) (int, error) {
	ctx, span := tracer.Start(ctx, "permissions.ApplyMatrixEdits", trace.WithAttributes(
		attribute.String("scope", scope.String()),
		attribute.Int("edits", len(edits)),
	))
	defer span.End()

	changed, err := e.applyMatrixEdits(ctx, scope, forumSet, permissionSet, edits)
	span.SetAttributes(attribute.Int("changed", changed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return changed, err
}

func (e *Editor) applyMatrixEdits(ctx context.Context, scope ScopeRef, forumSet []int64, permissionSet []Key, edits map[EditKey]Value) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}

	allowedForums := make(map[int64]bool, len(forumSet))
	for _, id := range forumSet {
		allowedForums[id] = true
	}
	allowedKeys := make(map[Key]bool, len(permissionSet))
	for _, k := range permissionSet {
		allowedKeys[k] = true
	}

	var failures []EditFailure
	current := make(map[int64]map[Key]Value)
	loadErrs := make(map[int64]error)
	checked := make(map[int64]error)
	touched := make(map[int64]bool)
	changed := 0

	for _, edit := range e.sortedEdits(edits) {
		value := edits[edit]

		if err := e.checkEdit(scope, edit, allowedForums, allowedKeys); err != nil {
			failures = append(failures, EditFailure{Edit: edit, Err: err})
			continue
		}
		// an unset on a missing forum would otherwise pass as a no-op
		if edit.ForumID != 0 {
			if err := e.checkForum(ctx, edit.ForumID, checked); err != nil {
				failures = append(failures, EditFailure{Edit: edit, Err: err})
				continue
			}
		}

		stored, ok := current[edit.ForumID]
		if !ok {
			if err, failed := loadErrs[edit.ForumID]; failed {
				failures = append(failures, EditFailure{Edit: edit, Err: err})
				continue
			}
			var err error
			stored, err = e.store.GetOverrides(ctx, scope, forumPtr(edit.ForumID))
			if err != nil {
				loadErrs[edit.ForumID] = err
				failures = append(failures, EditFailure{Edit: edit, Err: err})
				continue
			}
			current[edit.ForumID] = stored
		}

		if stored[edit.Permission] == value {
			continue
		}

		if err := e.store.UpsertOverride(ctx, scope, forumPtr(edit.ForumID), edit.Permission, value); err != nil {
			failures = append(failures, EditFailure{Edit: edit, Err: err})
			continue
		}
		stored[edit.Permission] = value
		touched[edit.ForumID] = true
		changed++
	}

	e.metrics.MatrixEditsChangedTotal.Add(float64(changed))
	e.invalidate(ctx, scope.String(), touched)

	if len(failures) > 0 {
		return changed, &MatrixError{Failures: failures}
	}
	return changed, nil
}

func (e *Editor) checkEdit(scope ScopeRef, edit EditKey, allowedForums map[int64]bool, allowedKeys map[Key]bool) error {
	if !e.registry.Contains(edit.Permission) {
		return &ValidationError{Field: "permission", Message: fmt.Sprintf("unknown permission %q", edit.Permission)}
	}
	if len(allowedKeys) > 0 && !allowedKeys[edit.Permission] {
		return &ValidationError{Field: "permission", Message: fmt.Sprintf("permission %q is not part of this matrix", edit.Permission)}
	}
	if edit.ForumID == 0 {
		if scope.Kind != ScopeRank {
			return &ValidationError{Field: "forum_id", Message: fmt.Sprintf("%s scope requires a forum", scope.Kind)}
		}
		return nil
	}
	if len(allowedForums) > 0 && !allowedForums[edit.ForumID] {
		return &ValidationError{Field: "forum_id", Message: fmt.Sprintf("forum %d is not part of this matrix", edit.ForumID)}
	}
	return nil
}

func (e *Editor) checkForum(ctx context.Context, forumID int64, checked map[int64]error) error {
	if err, ok := checked[forumID]; ok {
		return err
	}
	exists, err := e.forums.Exists(ctx, forumID)
	switch {
	case err != nil:
		err = fmt.Errorf("failed to check forum: %w", err)
	case !exists:
		err = &ValidationError{Field: "forum_id", Message: fmt.Sprintf("forum %d does not exist", forumID)}
	}
	checked[forumID] = err
	return err
}

// invalidate drops the cache of every touched forum exactly once. A changed
// global rank row affects every forum. Failures are logged, not returned.
func (e *Editor) invalidate(ctx context.Context, scope string, touched map[int64]bool) {
	if len(touched) == 0 || e.invalidator == nil {
		return
	}

	if touched[0] {
		delete(touched, 0)
		ids, err := e.forums.ForumIDs(ctx, false)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"scope": scope,
				"error": err,
			}).Error("failed to list forums for global rank invalidation")
		}
		for _, id := range ids {
			touched[id] = true
		}
	}

	ids := make([]int64, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := e.invalidator.InvalidateForum(ctx, id); err != nil {
			e.logger.WithFields(logrus.Fields{
				"forum_id": id,
				"scope":    scope,
				"error":    err,
			}).Error("failed to invalidate permission cache")
		}
	}
}

// InvalidateAll drops the cached sets of every forum. Rank membership changes
// use it since a user's rank applies on every forum.
func (e *Editor) InvalidateAll(ctx context.Context, reason string) {
	e.invalidate(ctx, reason, map[int64]bool{0: true})
}

// GridRow is one forum of an edit grid
type GridRow struct {
	ForumID int64         `json:"forum_id"` // 0 for the global rank row
	Cells   map[Key]Value `json:"cells"`
}

// Grid is the editable view of one scope: rows are forums, columns are
// registry keys and cells are tri-state values.
type Grid struct {
	Scope       ScopeRef  `json:"scope"`
	Permissions []Key     `json:"permissions"`
	Rows        []GridRow `json:"rows"`
}

// Grid renders the stored overrides of scope. With no forum ids every active
// forum is listed, preceded by the global row for rank scopes.
func (e *Editor) Grid(ctx context.Context, scope ScopeRef, forumIDs []int64) (*Grid, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	if len(forumIDs) == 0 {
		ids, err := e.forums.ForumIDs(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("failed to list forums: %w", err)
		}
		if scope.Kind == ScopeRank {
			forumIDs = append([]int64{0}, ids...)
		} else {
			forumIDs = ids
		}
	}

	keys := e.registry.Keys()
	grid := &Grid{
		Scope:       scope,
		Permissions: keys,
		Rows:        make([]GridRow, 0, len(forumIDs)),
	}

	for _, forumID := range forumIDs {
		stored, err := e.store.GetOverrides(ctx, scope, forumPtr(forumID))
		if err != nil {
			return nil, err
		}
		cells := make(map[Key]Value, len(keys))
		for _, k := range keys {
			cells[k] = stored[k]
		}
		grid.Rows = append(grid.Rows, GridRow{ForumID: forumID, Cells: cells})
	}

	return grid, nil
}
