package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"studyhub.dev/internal/obs"
)

// LogicRequest is the input handed to a custom logic.
type LogicRequest struct {
	SubjectID string
	Access    Access
	Data      json.RawMessage
}

// Logic is a named policy predicate referenced from Permission.CustomLogic.
type Logic interface {
	Evaluate(ctx context.Context, req LogicRequest) (bool, error)
}

// LogicFunc adapts a function to Logic.
type LogicFunc func(ctx context.Context, req LogicRequest) (bool, error)

func (f LogicFunc) Evaluate(ctx context.Context, req LogicRequest) (bool, error) {
	return f(ctx, req)
}

// Typed adapts a predicate over a concrete data type. Permission data is decoded
// into T before fn runs; absent data yields the zero T. Data that does not decode
// is ErrTokenFormat, since it arrived inside a signed payload.
func Typed[T any](fn func(ctx context.Context, subjectID string, access Access, data T) (bool, error)) Logic {
	return LogicFunc(func(ctx context.Context, req LogicRequest) (bool, error) {
		var data T
		if raw := bytes.TrimSpace(req.Data); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&data); err != nil {
				return false, fmt.Errorf("%w: custom logic data: %v", ErrTokenFormat, err)
			}
		}
		return fn(ctx, req.SubjectID, req.Access, data)
	})
}

// Registry maps custom logic names to their implementations. Logics are installed
// at startup; a name can be registered once.
type Registry struct {
	mu     sync.RWMutex
	logics map[string]Logic
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{logics: make(map[string]Logic)}
}

// Register installs logic under name.
func (r *Registry) Register(name string, logic Logic) error {
	name = strings.TrimSpace(name)
	if name == "" || logic == nil {
		return fmt.Errorf("auth: custom logic name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.logics[name]; ok {
		return fmt.Errorf("%w: %s", ErrLogicExists, name)
	}
	r.logics[name] = logic
	return nil
}

// Invoke runs the logic registered under name.
func (r *Registry) Invoke(ctx context.Context, name string, req LogicRequest) (bool, error) {
	r.mu.RLock()
	logic, ok := r.logics[name]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownLogic, name)
	}
	start := time.Now()
	defer func() {
		obs.CustomLogicDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()
	return logic.Evaluate(ctx, req)
}

// Names lists registered logic names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.logics))
	for name := range r.logics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
