package pg

import (
	"context"
	"errors"
	"strings"

	"studyhub.dev/internal/policy"
)

var (
	_ policy.RoleSource      = (*Store)(nil)
	_ policy.GroupMembership = (*Store)(nil)
)

// Roles lists the roles currently granted to userID.
func (s *Store) Roles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select role from user_roles where user_id = $1 order by role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GrantRole is idempotent.
func (s *Store) GrantRole(ctx context.Context, userID, role string) error {
	userID, role = strings.TrimSpace(userID), strings.TrimSpace(role)
	if userID == "" || role == "" {
		return errors.New("pg: user id and role are required")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles (user_id, role, created_at)
		values ($1, $2, $3)
		on conflict (user_id, role) do nothing
	`, userID, role, millis(s.now()))
	return err
}

func (s *Store) RevokeRole(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `delete from user_roles where user_id = $1 and role = $2`, userID, role)
	return err
}

// IsMember reports whether userID belongs to groupID.
func (s *Store) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from group_members where group_id = $1 and user_id = $2
	`, groupID, userID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddMember is idempotent.
func (s *Store) AddMember(ctx context.Context, groupID, userID string) error {
	groupID, userID = strings.TrimSpace(groupID), strings.TrimSpace(userID)
	if groupID == "" || userID == "" {
		return errors.New("pg: group id and user id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into group_members (group_id, user_id, created_at)
		values ($1, $2, $3)
		on conflict (group_id, user_id) do nothing
	`, groupID, userID, millis(s.now()))
	return err
}

func (s *Store) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx, `delete from group_members where group_id = $1 and user_id = $2`, groupID, userID)
	return err
}
