package policy

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"studyhub.dev/internal/auth"
)

// Built-in custom logic names.
const (
	LogicRole        = "role"
	LogicGroupMember = "group-member"
)

// RoleData is the customLogicData of the role logic.
type RoleData struct {
	Role string `json:"role"`
}

// GroupData is the customLogicData of the group-member logic. An empty GroupID
// means the accessed resource id names the group.
type GroupData struct {
	GroupID string `json:"groupId"`
}

// RoleLogic approves when the subject currently holds data.Role and that role's
// catalog grant also permits the access.
func RoleLogic(svc *auth.Service, catalog Catalog, roles RoleSource) auth.Logic {
	return auth.Typed(func(ctx context.Context, subjectID string, access auth.Access, data RoleData) (bool, error) {
		if data.Role == "" {
			return false, fmt.Errorf("%w: role logic requires a role", auth.ErrTokenFormat)
		}
		held, err := roles.Roles(ctx, subjectID)
		if err != nil {
			return false, fmt.Errorf("policy: load roles: %w", err)
		}
		if !slices.Contains(held, data.Role) {
			return false, nil
		}
		grant, ok := catalog.Materialize(data.Role, subjectID)
		if !ok {
			return false, nil
		}
		if err := svc.AuditWithoutToken(ctx, grant, access); err != nil {
			if errors.Is(err, auth.ErrPermissionDenied) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	})
}

// GroupMemberLogic approves when the subject belongs to the group.
func GroupMemberLogic(groups GroupMembership) auth.Logic {
	return auth.Typed(func(ctx context.Context, subjectID string, access auth.Access, data GroupData) (bool, error) {
		group := data.GroupID
		if group == "" {
			group = access.ResourceID
		}
		if group == "" {
			return false, nil
		}
		ok, err := groups.IsMember(ctx, group, subjectID)
		if err != nil {
			return false, fmt.Errorf("policy: group membership: %w", err)
		}
		return ok, nil
	})
}

// Install registers the built-in logics on the service's registry. A nil
// groups disables group-member. Catalog permissions naming a logic that is not
// registered afterwards are rejected.
func Install(svc *auth.Service, catalog Catalog, roles RoleSource, groups GroupMembership) error {
	if svc == nil || svc.Logics() == nil {
		return errors.New("policy: service with a logic registry is required")
	}
	if err := catalog.Validate(); err != nil {
		return err
	}
	if roles != nil {
		if err := svc.Logics().Register(LogicRole, RoleLogic(svc, catalog, roles)); err != nil {
			return err
		}
	}
	if groups != nil {
		if err := svc.Logics().Register(LogicGroupMember, GroupMemberLogic(groups)); err != nil {
			return err
		}
	}
	return catalog.checkLogics(svc.Logics().Names())
}
