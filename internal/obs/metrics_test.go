package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi"
)

func TestCanonicalPath(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			seen = CanonicalPath(req)
		})
	})
	r.Get("/v1/questions/{id}", func(w http.ResponseWriter, r *http.Request) {})

	cases := map[string]string{
		"/v1/questions/abc": "/v1/questions/{id}",
		"/v1/questions/xyz": "/v1/questions/{id}",
	}
	for input, expected := range cases {
		seen = ""
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, input, nil))
		if seen != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, seen, expected)
		}
	}

	bare := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	if got := CanonicalPath(bare); got != "unmatched" {
		t.Fatalf("expected unmatched for request outside router, got %q", got)
	}
}

func TestLoggerLevelAndOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	defer SetLevel("info")

	SetLevel("warn")
	Logger().Info("hidden")
	Logger().Warn("shown", "k", "v")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected a single log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	if entry["msg"] != "shown" || entry["k"] != "v" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
