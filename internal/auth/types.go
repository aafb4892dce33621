package auth

import (
	"encoding/json"
	"time"
)

// AuthorizedResource filters the resources a permission applies to.
//
// A zero-value field is a wildcard: an empty OwnedByUser or a nil slice matches
// every access, including accesses that carry no owner, type or id. A non-nil but
// empty slice matches nothing. The two states survive JSON encoding as null and
// [] respectively, so the slices deliberately have no omitempty.
type AuthorizedResource struct {
	OwnedByUser string   `json:"ownedByUser,omitempty"`
	Types       []string `json:"types"`
	ResourceIDs []string `json:"resourceIds"`
}

// Permission grants actions over the resources selected by AuthorizedResource.
// A nil AuthorizedActions authorizes every action. When CustomLogic is set the
// static match is necessary but not sufficient: the named logic must approve too,
// receiving CustomLogicData as its typed input.
type Permission struct {
	AuthorizedActions  []string           `json:"authorizedActions"`
	AuthorizedResource AuthorizedResource `json:"authorizedResource"`
	CustomLogic        string             `json:"customLogic,omitempty"`
	CustomLogicData    json.RawMessage    `json:"customLogicData,omitempty"`
}

// Authorization is the complete grant held by a subject.
type Authorization struct {
	SubjectID   string       `json:"subjectId"`
	Permissions []Permission `json:"permissions"`
}

// Access is one request checked against an Authorization. Empty OwnerID, Type or
// ResourceID mean the requested resource has no such attribute.
type Access struct {
	Action     string
	OwnerID    string
	Type       string
	ResourceID string
}

// TokenPayload is what a signed token carries.
type TokenPayload struct {
	Authorization Authorization
	SignedAt      time.Time
	ValidUntil    time.Time
}
