package auth

import "slices"

// Matches reports whether permission p statically covers access. Custom logic is
// not consulted here.
func Matches(p Permission, access Access) bool {
	return matchList(p.AuthorizedActions, access.Action) &&
		MatchesResource(p.AuthorizedResource, access)
}

// MatchesResource applies the resource filter alone: owner, type and id must all match.
func MatchesResource(r AuthorizedResource, access Access) bool {
	if r.OwnedByUser != "" && r.OwnedByUser != access.OwnerID {
		return false
	}
	return matchList(r.Types, access.Type) && matchList(r.ResourceIDs, access.ResourceID)
}

// matchList implements wildcard-on-absence: nil matches anything, an empty
// non-nil list matches nothing.
func matchList(allowed []string, value string) bool {
	if allowed == nil {
		return true
	}
	return slices.Contains(allowed, value)
}
