package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"studyhub.dev/internal/audit"
	"studyhub.dev/internal/auth"
	"studyhub.dev/internal/obs"
)

type errorBody struct {
	Error     string      `json:"error"`
	Code      string      `json:"code"`
	RequestID string      `json:"request_id,omitempty"`
	Denied    *deniedBody `json:"denied,omitempty"`
}

type deniedBody struct {
	Action  string `json:"action"`
	OwnerID string `json:"owner_id,omitempty"`
	Type    string `json:"type,omitempty"`
	ID      string `json:"id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{
		Error:     msg,
		Code:      code,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

// writeAuthError maps classified auth and session failures to their status.
// Unclassified errors are logged and reported as internal.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.KindOf(err)
	if kind == "" {
		obs.Logger().Error("request failed",
			"request_id", audit.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, string(auth.KindIntegrity), "internal error")
		return
	}
	body := errorBody{
		Error:     err.Error(),
		Code:      string(kind),
		RequestID: audit.RequestIDFromContext(r.Context()),
	}
	if kind == auth.KindIntegrity {
		body.Error = "internal error"
	}
	var denied *auth.PermissionDeniedError
	if errors.As(err, &denied) {
		body.Denied = &deniedBody{Action: denied.Action, OwnerID: denied.OwnerID, Type: denied.Type, ID: denied.ID}
	}
	if kind == auth.KindInvalidToken || kind == auth.KindTokenFormat {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	writeJSON(w, auth.StatusOf(err), body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
