// Command sessionctl issues and inspects session tokens for operators.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"studyhub.dev/internal/app"
	"studyhub.dev/internal/auth"
	"studyhub.dev/internal/config"
	"studyhub.dev/internal/obs"
)

const usage = `usage: sessionctl [--config FILE] <command> [flags]

commands:
  issue   --user U --role R [--grant] [--exchange]   create a session for a catalog role
  inspect TOKEN                                      print a token payload without verifying it
  verify  TOKEN                                      verify a token and print its payload
  revoke  REFRESH_TOKEN                              revoke the session of a refresh token
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "sessionctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := pflag.NewFlagSet("sessionctl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	configPath := global.StringP("config", "c", os.Getenv("STUDYHUB_CONFIG"), "path to the YAML config file")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	obs.SetLevel("warn")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "issue":
		return issue(ctx, a, rest, out)
	case "inspect":
		token, err := single(cmd, rest)
		if err != nil {
			return err
		}
		payload, err := a.Auth.Decode(token)
		if err != nil {
			return err
		}
		return printJSON(out, viewOf(payload))
	case "verify":
		token, err := single(cmd, rest)
		if err != nil {
			return err
		}
		payload, err := a.Auth.VerifyPayload(token)
		if err != nil {
			return err
		}
		return printJSON(out, viewOf(payload))
	case "revoke":
		token, err := single(cmd, rest)
		if err != nil {
			return err
		}
		if err := a.Sessions.RevokeSession(ctx, token); err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, "revoked")
		return err
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type payloadView struct {
	Authorization auth.Authorization `json:"authorization"`
	SignedAt      time.Time          `json:"signedAt"`
	ValidUntil    time.Time          `json:"validUntil"`
}

func viewOf(p auth.TokenPayload) payloadView {
	return payloadView{Authorization: p.Authorization, SignedAt: p.SignedAt, ValidUntil: p.ValidUntil}
}

type issued struct {
	RefreshToken     string     `json:"refresh_token"`
	AccessToken      string     `json:"access_token,omitempty"`
	AccessExpiresAt  *time.Time `json:"access_expires_at,omitempty"`
	RefreshExpiresAt *time.Time `json:"refresh_expires_at,omitempty"`
}

func issue(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("issue", pflag.ContinueOnError)
	user := fs.StringP("user", "u", "", "subject id")
	role := fs.StringP("role", "r", "", "catalog role to materialize")
	grant := fs.Bool("grant", false, "also persist the role grant in the store")
	exchange := fs.Bool("exchange", false, "rotate once and print an access token too")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" || *role == "" {
		return errors.New("issue: --user and --role are required")
	}
	authz, ok := a.Catalog.Materialize(*role, *user)
	if !ok {
		return fmt.Errorf("issue: unknown role %q (known: %v)", *role, a.Catalog.Names())
	}
	if *grant {
		if err := a.GrantRole(ctx, *user, *role); err != nil {
			return fmt.Errorf("issue: %w", err)
		}
	}
	refresh, err := a.Sessions.CreateSession(ctx, *user, authz, 0, 0)
	if err != nil {
		return err
	}
	res := issued{RefreshToken: refresh}
	if *exchange {
		pair, err := a.Sessions.RefreshSession(ctx, refresh, 0, 0)
		if err != nil {
			return err
		}
		res = issued{
			RefreshToken:     pair.RefreshToken,
			AccessToken:      pair.AccessToken,
			AccessExpiresAt:  &pair.AccessExpiresAt,
			RefreshExpiresAt: &pair.RefreshExpiresAt,
		}
	}
	return printJSON(out, res)
}

func single(cmd string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("%s: expected exactly one token", cmd)
	}
	return args[0], nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
