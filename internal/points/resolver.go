package points

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"raidline/internal/db"
)

var tracer = otel.Tracer("points")

// OverrideStore reads configured per-activity overrides.
type OverrideStore interface {
	// MaxOverride returns the highest override for the activity among roles.
	// A nil roles slice matches every role including the role-less row.
	MaxOverride(ctx context.Context, q db.Querier, communityID string, category Category, activityKey string, roles []string) (Amount, bool, error)
}

// Resolver resolves point values from overrides and category defaults.
type Resolver struct {
	Store OverrideStore
	cache *cache.Cache
}

func NewResolver(store OverrideStore) *Resolver {
	return &Resolver{
		Store: store,
		cache: cache.New(time.Minute, 5*time.Minute),
	}
}

// Resolve returns the point value for an actor role set. With no roles the
// best override across the whole community wins. With roles, only overrides
// on exactly those roles count, otherwise the category default applies.
func (r *Resolver) Resolve(ctx context.Context, q db.Querier, communityID string, category Category, activityKey string, roles []string) (Amount, error) {
	ctx, span := tracer.Start(ctx, "Points.Resolver.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("community_id", communityID),
		attribute.String("category", string(category)),
		attribute.String("activity_key", activityKey),
	)

	key := cacheKey(communityID, category, activityKey, roles)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v.(Amount), nil
		}
	}

	value, err := r.resolve(ctx, q, communityID, category, activityKey, roles)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if r.cache != nil {
		r.cache.SetDefault(key, value)
	}
	return value, nil
}

func (r *Resolver) resolve(ctx context.Context, q db.Querier, communityID string, category Category, activityKey string, roles []string) (Amount, error) {
	roles = normalizeRoles(roles)
	if len(roles) == 0 {
		roles = nil
	}
	v, ok, err := r.Store.MaxOverride(ctx, q, communityID, category, activityKey, roles)
	if err != nil {
		return 0, err
	}
	if !ok {
		return category.Default(), nil
	}
	return v, nil
}

// Invalidate drops cached values for a community after overrides change.
func (r *Resolver) Invalidate(communityID string) {
	if r.cache == nil {
		return
	}
	prefix := communityID + "|"
	for k := range r.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			r.cache.Delete(k)
		}
	}
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

func cacheKey(communityID string, category Category, activityKey string, roles []string) string {
	return communityID + "|" + string(category) + "|" + activityKey + "|" + strings.Join(normalizeRoles(roles), ",")
}
