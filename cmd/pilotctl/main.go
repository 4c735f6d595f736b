// Command pilotctl administers a taskpilot database: schema, principals,
// permission grants, tasks and the audit log.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/logging"
	"taskpilot/pkg/audit"
	"taskpilot/pkg/permission"
	"taskpilot/pkg/principal"
	"taskpilot/pkg/task"
)

const source = "pilotctl"

// env holds the stores every subcommand works against.
type env struct {
	pool       *pgxpool.Pool
	tasks      *task.PgStore
	principals *principal.PgStore
	grants     *permission.PgStore
	events     *audit.PgStore
	checker    *permission.Checker
	recorder   *audit.Recorder
	log        *slog.Logger
}

var (
	configPath string
	jsonOutput bool
	app        *env
)

var rootCmd = &cobra.Command{
	Use:           "pilotctl",
	Short:         "Administer a taskpilot database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		e, err := open(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		app = e
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if app != nil {
			app.pool.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (database.url may also come from TASKPILOT_DATABASE_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of tables")
}

func open(ctx context.Context, path string) (*env, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is not set")
	}
	log := logging.New(cfg.Logging.Level, "text", os.Stderr)

	pool, err := db.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	e := &env{
		pool:       pool,
		tasks:      task.NewPgStore(pool),
		principals: principal.NewPgStore(pool),
		grants:     permission.NewPgStore(pool),
		events:     audit.NewPgStore(pool),
		log:        log,
	}
	e.checker = permission.NewChecker(e.principals, e.grants, log)
	e.recorder = audit.NewRecorder(e.events, log)
	return e, nil
}

// resolvePrincipal accepts either a principal ID or a name.
func (e *env) resolvePrincipal(ctx context.Context, ref string) (*principal.Principal, error) {
	if p, err := e.principals.Get(ctx, ref); err == nil {
		return p, nil
	}
	p, err := e.principals.ByName(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("principal %q: %w", ref, err)
	}
	return p, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "pilotctl: %v\n", err)
		os.Exit(1)
	}
}
