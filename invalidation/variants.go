package invalidation

import (
	"context"
	"fmt"
)

// KeyFunc derives a cache key from an event's old/new handles. ok is false
// when the key does not apply to this event (e.g. NewKey on a delete).
type KeyFunc func(ev Event) (key string, ok bool)

// Point invalidates up to two keys on Target: old_key if present, and
// new_key if present and different from old_key (spec §4.I "Point").
type Point struct {
	OldKey KeyFunc
	NewKey KeyFunc
	Target Invalidator
}

func (p Point) Propagate(ctx context.Context, ev Event) ([]string, error) {
	oldKey, hasOld := "", false
	if p.OldKey != nil {
		oldKey, hasOld = p.OldKey(ev)
	}
	newKey, hasNew := "", false
	if p.NewKey != nil {
		newKey, hasNew = p.NewKey(ev)
	}

	var keys []string
	var firstErr error
	if hasOld {
		if err := p.Target.InvalidateKey(ctx, oldKey); err != nil && firstErr == nil {
			firstErr = err
		}
		keys = append(keys, oldKey)
	}
	if hasNew && (!hasOld || newKey != oldKey) {
		if err := p.Target.InvalidateKey(ctx, newKey); err != nil && firstErr == nil {
			firstErr = err
		}
		keys = append(keys, newKey)
	}
	return keys, firstErr
}

// ListLocal dispatches on the mutation kind against callbacks a list cache
// exposes directly (spec §4.I "List-local"). A cache that only implements
// OnModified receives the raw event regardless of kind.
type ListLocal struct {
	OnCreated  func(ctx context.Context, new any) error
	OnDeleted  func(ctx context.Context, old any) error
	OnUpdated  func(ctx context.Context, old, new any) error
	OnModified func(ctx context.Context, ev Event) error
}

// Propagate returns no keys: a local list cache invalidates itself through
// its own callback, not through any key this graph can name.
func (l ListLocal) Propagate(ctx context.Context, ev Event) ([]string, error) {
	if l.OnModified != nil {
		return nil, l.OnModified(ctx, ev)
	}
	switch ev.Kind {
	case Created:
		if l.OnCreated != nil {
			return nil, l.OnCreated(ctx, ev.New)
		}
	case Deleted:
		if l.OnDeleted != nil {
			return nil, l.OnDeleted(ctx, ev.Old)
		}
	case Updated:
		if l.OnUpdated != nil {
			return nil, l.OnUpdated(ctx, ev.Old, ev.New)
		}
	}
	return nil, nil
}

// Resolver looks up the target keys affected by one side (old or new) of
// an event, asynchronously (e.g. a join-table query) — spec §4.I "Via
// (async resolver)".
type Resolver func(ctx context.Context, key string) ([]string, error)

// Via resolves old_key and new_key (when present and different) through
// Resolve, then invalidates every returned target key on Target.
type Via struct {
	OldKey  KeyFunc
	NewKey  KeyFunc
	Resolve Resolver
	Target  Invalidator
}

func (v Via) Propagate(ctx context.Context, ev Event) ([]string, error) {
	oldKey, hasOld := "", false
	if v.OldKey != nil {
		oldKey, hasOld = v.OldKey(ev)
	}
	newKey, hasNew := "", false
	if v.NewKey != nil {
		newKey, hasNew = v.NewKey(ev)
	}
	if hasNew && hasOld && newKey == oldKey {
		hasNew = false
	}

	var keys []string
	var firstErr error
	resolveAndInvalidate := func(key string) {
		targets, err := v.Resolve(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		for _, t := range targets {
			if err := v.Target.InvalidateKey(ctx, t); err != nil && firstErr == nil {
				firstErr = err
			}
			keys = append(keys, t)
		}
	}
	if hasOld {
		resolveAndInvalidate(oldKey)
	}
	if hasNew {
		resolveAndInvalidate(newKey)
	}
	return keys, firstErr
}

// ListTarget is one group a ListVia resolver names: Filters identify the
// group (e.g. {"author_id": "42"}), SortValue, if present, narrows
// invalidation to the one page containing that value.
type ListTarget struct {
	Filters   map[string]string
	SortValue *string
}

// ListResolver returns the groups affected by key, or a nil/empty slice to
// mean "nothing specific" — the whole target pattern should be invalidated
// (spec §4.I "List-via").
type ListResolver func(ctx context.Context, key string) ([]ListTarget, error)

// ListVia is the list-cache counterpart of Via: each resolved target
// dispatches to per-page invalidation (SortValue present), whole-group
// invalidation (SortValue absent), or — if the resolver names no targets
// at all — invalidation of the target's entire pattern.
type ListVia struct {
	OldKey  KeyFunc
	NewKey  KeyFunc
	Resolve ListResolver
	Target  Invalidator
	Matcher *KeyPatternMatcher // validates Pattern, and resolves it against Snapshot when set
	Pattern string             // the target's full pattern, e.g. "posts-by-author:*"

	// Snapshot, if set, is called for the target's current key set when the
	// resolver names no specific targets. With a snapshot, the fallback
	// invalidates only the keys Pattern actually matches instead of the
	// whole pattern — for targets that track their own keys but cannot
	// answer InvalidatePattern cheaply.
	Snapshot func(ctx context.Context) []string
}

func (l ListVia) Propagate(ctx context.Context, ev Event) ([]string, error) {
	oldKey, hasOld := "", false
	if l.OldKey != nil {
		oldKey, hasOld = l.OldKey(ev)
	}
	newKey, hasNew := "", false
	if l.NewKey != nil {
		newKey, hasNew = l.NewKey(ev)
	}
	if hasNew && hasOld && newKey == oldKey {
		hasNew = false
	}

	var keys []string
	var firstErr error
	dispatch := func(key string) {
		targets, err := l.Resolve(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if len(targets) == 0 {
			if l.Pattern == "" {
				return
			}
			if l.Matcher != nil {
				if err := l.Matcher.ValidatePattern(l.Pattern); err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("invalidation: list-via fallback pattern %q: %w", l.Pattern, err)
					}
					return
				}
			}
			if l.Matcher != nil && l.Snapshot != nil {
				for _, matched := range l.Matcher.Match(l.Pattern, l.Snapshot(ctx)) {
					if err := l.Target.InvalidateKey(ctx, matched); err != nil && firstErr == nil {
						firstErr = err
					}
					keys = append(keys, matched)
				}
				return
			}
			if err := l.Target.InvalidatePattern(ctx, l.Pattern); err != nil && firstErr == nil {
				firstErr = err
			}
			keys = append(keys, l.Pattern)
			return
		}
		for _, t := range targets {
			groupKey := groupCacheKey(t.Filters)
			if t.SortValue != nil {
				pageKey := groupKey + ":" + *t.SortValue
				if err := l.Target.InvalidateKey(ctx, pageKey); err != nil && firstErr == nil {
					firstErr = err
				}
				keys = append(keys, pageKey)
				continue
			}
			if err := l.Target.InvalidateKey(ctx, groupKey); err != nil && firstErr == nil {
				firstErr = err
			}
			keys = append(keys, groupKey)
		}
	}
	if hasOld {
		dispatch(oldKey)
	}
	if hasNew {
		dispatch(newKey)
	}
	return keys, firstErr
}

// groupCacheKey renders a ListTarget's filter set as a stable cache key
// component. Deterministic ordering matters for hit rate, not correctness,
// so a simple sorted-join is enough here.
func groupCacheKey(filters map[string]string) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sortStrings(keys)
	out := ""
	for _, k := range keys {
		if out != "" {
			out += ","
		}
		out += k + "=" + filters[k]
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
