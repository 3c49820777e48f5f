package permissions

import (
	"context"
	"fmt"
)

// Resolver computes effective permission sets. It holds no mutable state and never
// touches the cache.
type Resolver struct {
	overrides OverrideReader
	forums    ForumChecker
	ranks     RankResolver
	registry  *Registry
	defaults  Defaults
}

// NewResolver creates a resolver over the given collaborators
func NewResolver(overrides OverrideReader, forums ForumChecker, ranks RankResolver, registry *Registry, defaults Defaults) *Resolver {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Resolver{
		overrides: overrides,
		forums:    forums,
		ranks:     ranks,
		registry:  registry,
		defaults:  defaults,
	}
}

// Registry returns the registry the resolver iterates
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Resolve returns the effective value of every registered permission for subject
// on forumID. Per key the first set value wins, in this order: user, rank on the
// forum, global rank, group, forum default. When every scope is unset the
// anonymous subject gets false and users get the configured default.
func (r *Resolver) Resolve(ctx context.Context, subject *Subject, forumID int64) (Set, error) {
	exists, err := r.forums.Exists(ctx, forumID)
	if err != nil {
		return nil, fmt.Errorf("failed to check forum: %w", err)
	}
	if !exists {
		return nil, &NotFoundError{Resource: "forum", ID: forumID}
	}

	layers, err := r.layers(ctx, subject, forumID)
	if err != nil {
		return nil, err
	}

	anonymous := subject.IsAnonymous()
	set := make(Set, r.registry.Len())
	for _, key := range r.registry.Keys() {
		set[key] = r.resolveKey(key, layers, anonymous)
	}
	return set, nil
}

func (r *Resolver) resolveKey(key Key, layers []map[Key]Value, anonymous bool) bool {
	for _, layer := range layers {
		if v := layer[key]; v != Unset {
			return v == Allow
		}
	}
	if anonymous {
		return false
	}
	return r.defaults.For(key)
}

// layers loads the override maps in precedence order. Scopes that do not apply
// to the subject are left out.
func (r *Resolver) layers(ctx context.Context, subject *Subject, forumID int64) ([]map[Key]Value, error) {
	var layers []map[Key]Value
	forum := &forumID

	load := func(scope ScopeRef, fid *int64) error {
		values, err := r.overrides.GetOverrides(ctx, scope, fid)
		if err != nil {
			return fmt.Errorf("failed to load %s overrides: %w", scope, err)
		}
		layers = append(layers, values)
		return nil
	}

	if !subject.IsAnonymous() {
		if err := load(UserScope(subject.UserID), forum); err != nil {
			return nil, err
		}

		if r.ranks != nil {
			rank, err := r.ranks.ResolveRank(ctx, subject)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve rank: %w", err)
			}
			if rank != nil {
				if err := load(RankScope(rank.ID), forum); err != nil {
					return nil, err
				}
				if err := load(RankScope(rank.ID), nil); err != nil {
					return nil, err
				}
			}
		}

		if subject.GroupID != nil {
			if err := load(GroupScope(*subject.GroupID), forum); err != nil {
				return nil, err
			}
		}
	}

	if err := load(ForumScope(), forum); err != nil {
		return nil, err
	}
	return layers, nil
}
