package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"studyhub.dev/internal/auth"
)

// SubjectPlaceholder in a catalog ownedByUser is replaced by the subject id when
// a role is materialized.
const SubjectPlaceholder = "$subject"

// RoleSource reports the roles a subject currently holds.
type RoleSource interface {
	Roles(ctx context.Context, subjectID string) ([]string, error)
}

// GroupMembership reports whether a user belongs to a group.
type GroupMembership interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

// Catalog maps role names to the permissions the role grants. Templates carry
// no subject.
type Catalog map[string][]auth.Permission

// Validate rejects templates that would recurse into role logic.
func (c Catalog) Validate() error {
	for role, perms := range c {
		if strings.TrimSpace(role) == "" {
			return errors.New("policy: role name is required")
		}
		for _, p := range perms {
			if p.CustomLogic == LogicRole {
				return fmt.Errorf("policy: role %q may not reference the %s logic", role, LogicRole)
			}
		}
	}
	return nil
}

// ErrUnknownLogic marks a catalog permission whose custom logic is not
// registered.
var ErrUnknownLogic = errors.New("policy: unknown custom logic")

func (c Catalog) checkLogics(registered []string) error {
	for _, role := range c.Names() {
		for i, p := range c[role] {
			if p.CustomLogic != "" && !slices.Contains(registered, p.CustomLogic) {
				return fmt.Errorf("%w: role %q permission %d uses %q", ErrUnknownLogic, role, i, p.CustomLogic)
			}
		}
	}
	return nil
}

// Names lists catalog roles in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Materialize returns the role's Authorization for subjectID.
func (c Catalog) Materialize(role, subjectID string) (auth.Authorization, bool) {
	perms, ok := c[role]
	if !ok {
		return auth.Authorization{}, false
	}
	out := auth.Authorization{SubjectID: subjectID, Permissions: make([]auth.Permission, 0, len(perms))}
	for _, p := range perms {
		cp := p
		cp.AuthorizedActions = slices.Clone(p.AuthorizedActions)
		cp.AuthorizedResource.Types = slices.Clone(p.AuthorizedResource.Types)
		cp.AuthorizedResource.ResourceIDs = slices.Clone(p.AuthorizedResource.ResourceIDs)
		cp.CustomLogicData = slices.Clone(p.CustomLogicData)
		if cp.AuthorizedResource.OwnedByUser == SubjectPlaceholder {
			cp.AuthorizedResource.OwnedByUser = subjectID
		}
		out.Permissions = append(out.Permissions, cp)
	}
	return out, true
}

// StaticRoles is a RoleSource backed by a fixed user to roles map.
type StaticRoles map[string][]string

func (s StaticRoles) Roles(_ context.Context, subjectID string) ([]string, error) {
	return slices.Clone(s[subjectID]), nil
}

// StaticGroups is a GroupMembership backed by a fixed group to members map.
type StaticGroups map[string][]string

func (s StaticGroups) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	return slices.Contains(s[groupID], userID), nil
}

// RoleCache memoizes RoleSource lookups for a short TTL.
type RoleCache struct {
	src   RoleSource
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewRoleCache wraps src. A non-positive ttl disables caching.
func NewRoleCache(src RoleSource, ttl time.Duration) (*RoleCache, error) {
	if src == nil {
		return nil, errors.New("policy: role source is required")
	}
	rc := &RoleCache{src: src, ttl: ttl}
	if ttl <= 0 {
		return rc, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("policy: role cache: %w", err)
	}
	rc.cache = cache
	return rc, nil
}

func (c *RoleCache) Roles(ctx context.Context, subjectID string) ([]string, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(subjectID); ok {
			if roles, ok := v.([]string); ok {
				return slices.Clone(roles), nil
			}
		}
	}
	roles, err := c.src.Roles(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.SetWithTTL(subjectID, slices.Clone(roles), 1, c.ttl)
		c.cache.Wait()
	}
	return roles, nil
}

// Invalidate drops the cached roles of subjectID.
func (c *RoleCache) Invalidate(subjectID string) {
	if c.cache != nil {
		c.cache.Del(subjectID)
		c.cache.Wait()
	}
}

func (c *RoleCache) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}
