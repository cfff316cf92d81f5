// Command guardctl runs administrative tasks against a shopguard deployment:
// schema migration, rate-limit inspection, role grants, family revocation
// and the refresh-token janitor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MrEthical07/shopguard"
	"github.com/MrEthical07/shopguard/internal/backends"
	"github.com/MrEthical07/shopguard/internal/housekeeping"
)

const usage = `usage: guardctl [-config file] <command> [flags]

commands:
  migrate
  ratelimit inspect|reset -action <action> -id <identifier>
  role show|grant|revoke -role <id or code> [-code <permission>]
  token revoke-family -family <family id>
  janitor
`

// opener builds a Core for cfg and returns a release func for its backends.
type opener func(ctx context.Context, cfg shopguard.Config, log *logrus.Logger) (*shopguard.Core, func(), error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, openBackends); err != nil {
		fmt.Fprintf(os.Stderr, "guardctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer, open opener) error {
	global := flag.NewFlagSet("guardctl", flag.ContinueOnError)
	global.SetOutput(out)
	configPath := global.String("config", os.Getenv("SHOPGUARD_CONFIG"), "path to YAML config")
	verbose := global.Bool("v", false, "debug logging")
	global.Usage = func() { fmt.Fprint(out, usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	cfg, err := shopguard.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stderr)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	core, release, err := open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer release()

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "migrate":
		return cmdMigrate(ctx, core, out)
	case "ratelimit":
		return cmdRateLimit(ctx, core, cmdArgs, out)
	case "role":
		return cmdRole(ctx, core, cmdArgs, out)
	case "token":
		return cmdToken(ctx, core, cmdArgs, out)
	case "janitor":
		return cmdJanitor(ctx, core, log)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openBackends(ctx context.Context, cfg shopguard.Config, log *logrus.Logger) (*shopguard.Core, func(), error) {
	db, err := backends.OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	rdb, err := backends.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	core, err := shopguard.New().
		WithConfig(cfg).
		WithDB(db).
		WithRedis(rdb).
		WithLogger(log).
		WithAuditSink(shopguard.NewLogrusSink(log)).
		Build()
	if err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, nil, err
	}
	return core, func() {
		core.Close()
		_ = rdb.Close()
		_ = db.Close()
	}, nil
}

func cmdMigrate(ctx context.Context, core *shopguard.Core, out io.Writer) error {
	if err := core.Migrate(ctx); err != nil {
		return err
	}
	v, err := core.Store().SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema at version %d\n", v)
	return nil
}

func cmdRateLimit(ctx context.Context, core *shopguard.Core, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("ratelimit: expected inspect or reset")
	}
	fs := flag.NewFlagSet("ratelimit", flag.ContinueOnError)
	fs.SetOutput(out)
	action := fs.String("action", "", "throttled action (login, otp_resend, registration)")
	id := fs.String("id", "", "identifier the window is keyed on")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *action == "" || *id == "" {
		return errors.New("ratelimit: -action and -id are required")
	}
	policy, ok := core.Config().RateLimit.Policy(*action)
	if !ok {
		return fmt.Errorf("ratelimit: unknown action %q", *action)
	}

	switch args[0] {
	case "inspect":
		u, err := core.Limiter().Inspect(ctx, *id, *action, policy.MaxRequests, policy.Window)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "action=%s id=%s count=%d limit=%d remaining=%d retry_after=%s\n",
			*action, *id, u.Count, u.Limit, u.Remaining, u.RetryAfter.Round(time.Second))
		return nil
	case "reset":
		if err := core.Limiter().Reset(ctx, *id, *action); err != nil {
			return err
		}
		fmt.Fprintf(out, "reset %s window for %s\n", *action, *id)
		return nil
	default:
		return fmt.Errorf("ratelimit: unknown subcommand %q", args[0])
	}
}

func cmdRole(ctx context.Context, core *shopguard.Core, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("role: expected show, grant or revoke")
	}
	fs := flag.NewFlagSet("role", flag.ContinueOnError)
	fs.SetOutput(out)
	roleRef := fs.String("role", "", "role id or code")
	code := fs.String("code", "", "permission code")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *roleRef == "" {
		return errors.New("role: -role is required")
	}
	role, err := core.Roles().Lookup(ctx, *roleRef)
	if err != nil {
		return err
	}

	switch args[0] {
	case "show":
		r, codes, err := core.Roles().Grants(ctx, role.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "role %s (%s) version %d system=%t\n", r.Code, r.ID, r.Version, r.IsSystem)
		for _, c := range codes {
			fmt.Fprintf(out, "  %s\n", c)
		}
		return nil
	case "grant", "revoke":
		if *code == "" {
			return fmt.Errorf("role %s: -code is required", args[0])
		}
		var version int64
		if args[0] == "grant" {
			version, err = core.Roles().Grant(ctx, role.ID, *code)
		} else {
			version, err = core.Roles().Revoke(ctx, role.ID, *code)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "role %s now at version %d\n", role.Code, version)
		return nil
	default:
		return fmt.Errorf("role: unknown subcommand %q", args[0])
	}
}

func cmdToken(ctx context.Context, core *shopguard.Core, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] != "revoke-family" {
		return errors.New("token: expected revoke-family")
	}
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	family := fs.String("family", "", "refresh token family id")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *family == "" {
		return errors.New("token: -family is required")
	}
	n, err := core.Tokens().RevokeFamily(ctx, *family)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "revoked %d tokens in family %s\n", n, *family)
	return nil
}

func cmdJanitor(ctx context.Context, core *shopguard.Core, log *logrus.Logger) error {
	j, err := housekeeping.New(core.Store(), core.Config().Housekeeping, housekeeping.WithLogger(log))
	if err != nil {
		return err
	}
	if _, err := j.RunOnce(ctx); err != nil {
		return err
	}
	if err := j.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return j.Stop(stopCtx)
}
