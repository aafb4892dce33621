package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi"

	"studyhub.dev/internal/audit"
	"studyhub.dev/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Extractor pulls the owner id and resource id of the requested resource out of a
// request. Either may be empty when the route does not name it.
type Extractor func(r *http.Request) (ownerID, resourceID string)

// NoResource is the Extractor for routes that act on a resource type as a whole.
func NoResource(*http.Request) (string, string) { return "", "" }

// URLParams reads the owner and resource ids from chi route parameters. An
// empty parameter name leaves that attribute absent.
func URLParams(ownerParam, idParam string) Extractor {
	return func(r *http.Request) (string, string) {
		var owner, id string
		if ownerParam != "" {
			owner = chi.URLParam(r, ownerParam)
		}
		if idParam != "" {
			id = chi.URLParam(r, idParam)
		}
		return owner, id
	}
}

// Guard rejects requests whose bearer token does not authorize action on
// resourceType. The verified Authorization and token are stored in the request
// context for the handler.
func Guard(svc *auth.Service, action, resourceType string, extract Extractor) func(http.Handler) http.Handler {
	if extract == nil {
		extract = NoResource
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, r, http.StatusUnauthorized, string(auth.KindInvalidToken), err.Error())
				return
			}
			owner, id := extract(r)
			access := auth.Access{Action: action, OwnerID: owner, Type: resourceType, ResourceID: id}
			authz, err := svc.Audit(r.Context(), token, access)
			if err != nil {
				if errors.Is(err, auth.ErrPermissionDenied) {
					logDenied(r, access, err)
				}
				writeAuthError(w, r, err)
				return
			}
			ctx := auth.ContextWithAuthorization(r.Context(), authz)
			ctx = auth.ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken returns the token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	return extractBearerToken(r.Header.Get(authHeader))
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func logDenied(r *http.Request, access auth.Access, err error) {
	fields := map[string]any{
		"action":      access.Action,
		"owner_id":    access.OwnerID,
		"type":        access.Type,
		"resource_id": access.ResourceID,
		"path":        r.URL.Path,
	}
	var denied *auth.PermissionDeniedError
	if !errors.As(err, &denied) {
		fields["error"] = err.Error()
	}
	_ = audit.LogEvent(r.Context(), audit.EventAccessDenied, fields)
}
