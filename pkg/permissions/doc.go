// Package permissions resolves what a forum member, or an anonymous visitor,
// may do in a given forum.
//
// # Overview
//
// Every forum permission is a key in a fixed Registry (view_forum,
// start_threads, sticky_threads, ...). Staff attach tri-state overrides to a
// key at four scopes:
//
//	forum  - the forum default, applies to every subject
//	group  - members of one user group
//	rank   - holders of one rank, per forum or globally (forum_id 0)
//	user   - one user
//
// An override is Allow, Deny or Unset. Unset defers to the next scope.
//
// # Resolution
//
// Resolver.Resolve walks the scopes of a subject for one forum. Per key the
// first value that is not Unset wins:
//
//	user on the forum
//	rank on the forum
//	rank globally
//	group on the forum
//	forum default
//
// When all of them are unset the anonymous subject is denied, and identified
// users get the configured visibility default (view_forum_home and view_forum
// only; every other key falls back to false).
//
// A subject holds at most one rank: an explicitly assigned rank wins (the
// lowest rank id when several are assigned); otherwise the active, non-special
// rank with the highest posts_required not above the user's post count.
//
// # Caching
//
// Service wraps the resolver with a Cache keyed by (subject, forum). Two
// implementations exist: MemoryCache, an expiring LRU with a per-forum key
// index, and RedisCache, shared between processes with a per-forum SET of entry
// keys. Cache errors never fail a lookup: the set is resolved directly and the
// error is logged at warn level.
//
//	cache := permissions.NewMemoryCache(10000, 10*time.Minute)
//	service := permissions.NewService(resolver, cache, 10*time.Minute, logger, metrics)
//	ok, err := service.HasPermission(ctx, subject, forumID, permissions.StartThreads)
//
// # Matrix editing
//
// Editor.ApplyMatrixEdits writes a batch of (forum, key) cells for one scope,
// skips cells whose stored value is unchanged, and then invalidates every
// touched forum exactly once. Editing the global row of a rank invalidates all
// forums. Rejected cells are returned together in a *MatrixError while the rest
// of the batch is applied.
//
//	changed, err := editor.ApplyMatrixEdits(ctx, permissions.GroupScope(3), nil, nil,
//		map[permissions.EditKey]permissions.Value{
//			{ForumID: 7, Permission: permissions.StartThreads}: permissions.Deny,
//		})
//
// # HTTP
//
// IdentityMiddleware reads the user id header set by the authenticating proxy
// and stores the Subject in the request context. Gate.RequirePermission guards
// forum routes, and Handlers exposes the registry, effective sets, the edit
// grids, ranks and profiles.
package permissions
