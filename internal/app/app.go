// Package app assembles the services from a loaded configuration. The server
// and the operator CLI share it so they see the same stores and policies.
package app

import (
	"context"
	"errors"
	"fmt"

	"studyhub.dev/internal/auth"
	"studyhub.dev/internal/config"
	"studyhub.dev/internal/migrate"
	"studyhub.dev/internal/obs"
	"studyhub.dev/internal/policy"
	"studyhub.dev/internal/session"
	"studyhub.dev/internal/store/pg"
	"studyhub.dev/internal/store/redisstore"
)

// Pinger reports backing store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RoleGranter persists role grants. The memory driver has none; its roles
// come from the user_roles config section.
type RoleGranter interface {
	GrantRole(ctx context.Context, userID, role string) error
}

// Backend is the storage selected by store.driver.
type Backend struct {
	Sessions session.Store
	Logs     session.RefreshLogStore
	Roles    policy.RoleSource
	Groups   policy.GroupMembership
	Grants   RoleGranter
	// Ready is nil for the memory driver.
	Ready Pinger

	close func() error
}

func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// OpenBackend connects the configured store. SQLite databases are migrated on
// open; Postgres is expected to be migrated with cmd/migrate and only reports
// pending migrations.
func OpenBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	switch cfg.Store.Driver {
	case "memory":
		mem := session.NewMemoryStore()
		return &Backend{
			Sessions: mem,
			Logs:     mem,
			Roles:    policy.StaticRoles(cfg.UserRoles),
			Groups:   policy.StaticGroups(cfg.Groups),
		}, nil
	case "postgres", "sqlite":
		st, err := pg.Open(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
		}
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ping %s store: %w", cfg.Store.Driver, err)
		}
		if err := checkSchema(ctx, cfg.Store.Driver, st); err != nil {
			_ = st.Close()
			return nil, err
		}
		return &Backend{
			Sessions: st,
			Logs:     st,
			Roles:    st,
			Groups:   st,
			Grants:   st,
			Ready:    st,
			close:    st.Close,
		}, nil
	case "redis":
		st, err := redisstore.Open(ctx, cfg.Store.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return &Backend{
			Sessions: st,
			Logs:     st,
			Roles:    st,
			Groups:   st,
			Grants:   st,
			Ready:    st,
			close:    st.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func checkSchema(ctx context.Context, driver string, st *pg.Store) error {
	mgr := migrate.NewManager(st.DB(), nil)
	if driver == "sqlite" {
		ran, err := mgr.Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate sqlite store: %w", err)
		}
		if len(ran) > 0 {
			obs.Logger().Info("migrations applied", "names", ran)
		}
		return nil
	}
	_, pending, err := mgr.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	if len(pending) > 0 {
		obs.Logger().Warn("pending migrations", "names", pending)
	}
	return nil
}

// App holds the wired services.
type App struct {
	Config   *config.Config
	Auth     *auth.Service
	Sessions *session.Service
	Catalog  policy.Catalog
	Backend  *Backend

	roles *policy.RoleCache
}

// New opens the backend and builds the authorization and session services with
// the built-in policies installed.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	codec, err := auth.NewCodec([]byte(cfg.Auth.Secret), auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		return nil, err
	}
	authSvc, err := auth.NewService(codec, nil)
	if err != nil {
		return nil, err
	}
	backend, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	roles, err := policy.NewRoleCache(backend.Roles, cfg.Policy.RoleCacheTTL)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	if err := policy.Install(authSvc, catalog, roles, backend.Groups); err != nil {
		roles.Close()
		_ = backend.Close()
		return nil, err
	}
	sessions, err := session.NewService(authSvc, backend.Sessions, backend.Logs,
		session.WithAccessTTL(cfg.Auth.AccessTTL),
		session.WithRefreshTTL(cfg.Auth.RefreshTTL),
		session.WithSessionTTL(cfg.Auth.SessionTTL),
	)
	if err != nil {
		roles.Close()
		_ = backend.Close()
		return nil, err
	}
	return &App{
		Config:   cfg,
		Auth:     authSvc,
		Sessions: sessions,
		Catalog:  catalog,
		Backend:  backend,
		roles:    roles,
	}, nil
}

// GrantRole persists a role grant and drops the cached roles of userID.
func (a *App) GrantRole(ctx context.Context, userID, role string) error {
	if _, ok := a.Catalog[role]; !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	if a.Backend.Grants == nil {
		return fmt.Errorf("store driver %q cannot persist role grants", a.Config.Store.Driver)
	}
	if err := a.Backend.Grants.GrantRole(ctx, userID, role); err != nil {
		return err
	}
	a.roles.Invalidate(userID)
	return nil
}

func (a *App) Close() error {
	a.roles.Close()
	return a.Backend.Close()
}
