// Package config loads service configuration.
//
// Values come from defaults, then an optional YAML file, then STUDYHUB_*
// environment variables, and are validated last.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"studyhub.dev/internal/auth"
	"studyhub.dev/internal/policy"
)

const envPrefix = "STUDYHUB_"

// Config is the root configuration.
type Config struct {
	HTTP   HTTPConfig   `yaml:"http"`
	GRPC   GRPCConfig   `yaml:"grpc"`
	Store  StoreConfig  `yaml:"store"`
	Auth   AuthConfig   `yaml:"auth"`
	Policy PolicyConfig `yaml:"policy"`
	Log    LogConfig    `yaml:"log"`

	// Roles is the role catalog consulted by the role logic.
	Roles map[string][]RolePermission `yaml:"roles"`
	// UserRoles backs the role source when the store keeps no memberships.
	UserRoles map[string][]string `yaml:"user_roles"`
	// Groups maps group id to member user ids for the same stores.
	Groups map[string][]string `yaml:"groups"`
}

type HTTPConfig struct {
	Addr        string          `yaml:"addr" validate:"required"`
	CORSOrigins []string        `yaml:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	// TrustedProxies lists the CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For header identifies the client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// ProxyPrefixes parses TrustedProxies. A bare address is a single-host prefix.
func (h HTTPConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(h.TrustedProxies))
	for _, raw := range h.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("config: http.trusted_proxies: %q is not an address or CIDR", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// RateLimitConfig limits session endpoint calls per client. Zero PerSecond
// disables limiting.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`
}

// GRPCConfig enables the gRPC listener when Addr is set.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Driver    string `yaml:"driver" validate:"oneof=postgres sqlite redis memory"`
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Driver redis"`
}

type AuthConfig struct {
	Secret     string        `yaml:"secret" validate:"required,min=32"`
	Issuer     string        `yaml:"issuer" validate:"required"`
	AccessTTL  time.Duration `yaml:"access_ttl" validate:"gt=0"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" validate:"gt=0"`
	SessionTTL time.Duration `yaml:"session_ttl" validate:"gt=0"`
}

type PolicyConfig struct {
	RoleCacheTTL time.Duration `yaml:"role_cache_ttl" validate:"gte=0"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// RolePermission is the YAML form of one catalog permission. Omitted lists are
// wildcards; an explicit empty list matches nothing.
type RolePermission struct {
	Actions         []string       `yaml:"actions"`
	OwnedByUser     string         `yaml:"owned_by_user"`
	Types           []string       `yaml:"types"`
	ResourceIDs     []string       `yaml:"resource_ids"`
	CustomLogic     string         `yaml:"custom_logic"`
	CustomLogicData map[string]any `yaml:"custom_logic_data"`
}

// Default returns the configuration used before any file or env override.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:      ":8080",
			RateLimit: RateLimitConfig{PerSecond: 5, Burst: 10},
		},
		Store: StoreConfig{Driver: "memory"},
		Auth: AuthConfig{
			Issuer:     "studyhub",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 14 * 24 * time.Hour,
			SessionTTL: 30 * 24 * time.Hour,
		},
		Policy: PolicyConfig{RoleCacheTTL: 30 * time.Second},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("GRPC_ADDR", &c.GRPC.Addr)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_DSN", &c.Store.DSN)
	str("REDIS_ADDR", &c.Store.RedisAddr)
	str("AUTH_SECRET", &c.Auth.Secret)
	str("AUTH_ISSUER", &c.Auth.Issuer)
	str("LOG_LEVEL", &c.Log.Level)
	dur("ACCESS_TTL", &c.Auth.AccessTTL)
	dur("REFRESH_TTL", &c.Auth.RefreshTTL)
	dur("SESSION_TTL", &c.Auth.SessionTTL)
	dur("ROLE_CACHE_TTL", &c.Policy.RoleCacheTTL)

	if v := strings.TrimSpace(getenv(envPrefix + "CORS_ORIGINS")); v != "" {
		c.HTTP.CORSOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.HTTP.CORSOrigins = append(c.HTTP.CORSOrigins, origin)
			}
		}
	}
	if v := strings.TrimSpace(getenv(envPrefix + "TRUSTED_PROXIES")); v != "" {
		c.HTTP.TrustedProxies = nil
		for _, proxy := range strings.Split(v, ",") {
			if proxy = strings.TrimSpace(proxy); proxy != "" {
				c.HTTP.TrustedProxies = append(c.HTTP.TrustedProxies, proxy)
			}
		}
	}
	if v := strings.TrimSpace(getenv(envPrefix + "RATE_LIMIT_PER_SECOND")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %sRATE_LIMIT_PER_SECOND: %w", envPrefix, err))
		} else {
			c.HTTP.RateLimit.PerSecond = f
		}
	}
	return errors.Join(errs...)
}

var validate = validator.New()

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("config: %s failed %q", fe.Namespace(), fe.Tag()))
		}
	}
	if (c.Store.Driver == "postgres" || c.Store.Driver == "sqlite") && strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, fmt.Errorf("config: store.dsn is required for driver %s", c.Store.Driver))
	}
	if _, err := c.HTTP.ProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if catalog, err := c.Catalog(); err != nil {
		errs = append(errs, err)
	} else if err := catalog.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Catalog converts the configured roles into a policy catalog.
func (c *Config) Catalog() (policy.Catalog, error) {
	catalog := make(policy.Catalog, len(c.Roles))
	for role, perms := range c.Roles {
		out := make([]auth.Permission, 0, len(perms))
		for i, p := range perms {
			perm := auth.Permission{
				AuthorizedActions: p.Actions,
				AuthorizedResource: auth.AuthorizedResource{
					OwnedByUser: p.OwnedByUser,
					Types:       p.Types,
					ResourceIDs: p.ResourceIDs,
				},
				CustomLogic: p.CustomLogic,
			}
			if len(p.CustomLogicData) > 0 {
				raw, err := json.Marshal(p.CustomLogicData)
				if err != nil {
					return nil, fmt.Errorf("config: roles.%s[%d].custom_logic_data: %w", role, i, err)
				}
				perm.CustomLogicData = raw
			}
			out = append(out, perm)
		}
		catalog[role] = out
	}
	return catalog, nil
}
