// portalctl runs maintenance operations directly against the portal's record store:
// reconciling assignment edges, auditing them, and bootstrapping the first admin account.
// It only makes sense with the Redis store enabled, since the memory store lives inside
// the portal process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"airwave/internal/core/ports"
	"airwave/internal/core/services"
	backupinfra "airwave/internal/infrastructure/backup"
	repositories "airwave/internal/infrastructure/repositories"
	"airwave/pkg/config"
	"airwave/pkg/logger"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "reconcile":
		return runReconcile(os.Args[2:])
	case "audit":
		return runAudit(os.Args[2:])
	case "create-admin":
		return runCreateAdmin(os.Args[2:])
	case "backup":
		return runBackup(os.Args[2:])
	case "backups":
		return runListBackups(os.Args[2:])
	case "restore":
		return runRestore(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: portalctl <subcommand> [flags]

Subcommands:
  reconcile     Add missing user-side assignment edges for every stream
  audit         Report assignment edges that disagree between streams and users
  create-admin  Create an admin account
  backup        Snapshot every user and stream into backup storage
  backups       List stored snapshots
  restore       Write a snapshot back into the record store

Run 'portalctl <subcommand> --help' for subcommand flags.
`)
}

// env is what every subcommand needs: the loaded configuration and an open store.
type env struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	factory *repositories.RepositoryFactory
}

func (e *env) Close() {
	if err := e.factory.Close(); err != nil {
		e.log.Warnw("failed to close repositories", "error", err)
	}
	_ = e.log.Sync()
}

func openEnv(ctx context.Context, configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	zapLogger, err := logger.New(cfg.Logging.Level, "console")
	if err != nil {
		return nil, err
	}
	log := zapLogger.Sugar()

	factory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	if !factory.UsingRedis() {
		factory.Close()
		return nil, errors.New("portalctl needs the Redis store; set redis.enabled or AIRWAVE_REDIS_ADDRESS")
	}
	return &env{cfg: cfg, log: log, factory: factory}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newFlagSet(name string) (*pflag.FlagSet, *string) {
	flags := pflag.NewFlagSet("portalctl "+name, pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration file")
	return flags, configPath
}

func runReconcile(args []string) error {
	flags, configPath := newFlagSet("reconcile")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, err := openEnv(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := assignmentsFor(e).Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d user documents could not be updated", len(report.Failed))
	}
	return nil
}

func runAudit(args []string) error {
	flags, configPath := newFlagSet("audit")
	failOnDrift := flags.Bool("fail-on-drift", false, "exit non-zero when any mismatch is found")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, err := openEnv(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := assignmentsFor(e).Audit(ctx)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if *failOnDrift && !report.Consistent() {
		return fmt.Errorf("assignment drift: %d missing on user, %d stale on user, %d dangling on stream",
			len(report.MissingOnUser), len(report.StaleOnUser), len(report.DanglingOnStream))
	}
	return nil
}

func runCreateAdmin(args []string) error {
	flags, configPath := newFlagSet("create-admin")
	email := flags.String("email", "", "admin email address (required)")
	password := flags.String("password", "", "admin password; read from AIRWAVE_ADMIN_PASSWORD when empty")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *password == "" {
		*password = os.Getenv("AIRWAVE_ADMIN_PASSWORD")
	}
	if *email == "" || *password == "" {
		return errors.New("--email and --password are required")
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, err := openEnv(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	directory := services.NewDirectoryService(
		e.factory.StreamRepository(), e.factory.UserRepository(), e.log, e.cfg.Auth.BcryptCost,
	)
	user, err := directory.CreateAdmin(ctx, *email, *password)
	if err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	user.PasswordHash = ""
	return printJSON(user)
}

func assignmentsFor(e *env) ports.AssignmentService {
	return services.NewAssignmentService(
		e.factory.StreamRepository(),
		e.factory.UserRepository(),
		e.factory.Locker(),
		services.NewMetricsService(),
		e.log,
		e.cfg.Assignment.MaxParallelWrites,
		e.cfg.Assignment.WriteRetries,
	)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runBackup(args []string) error {
	flags, configPath := newFlagSet("backup")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, err := openEnv(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	backups, err := backupinfra.NewService(ctx, e.cfg)
	if err != nil {
		return err
	}
	scheduler := backupinfra.NewScheduler(backups, e.factory.UserRepository(), e.factory.StreamRepository(),
		backupinfra.Config{Retain: e.cfg.Backup.Retain}, e.log)
	name, err := scheduler.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return printJSON(map[string]string{"backup": name})
}

func runListBackups(args []string) error {
	flags, configPath := newFlagSet("backups")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	backups, err := backupinfra.NewService(ctx, cfg)
	if err != nil {
		return err
	}
	entries, err := backups.List(ctx)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

func runRestore(args []string) error {
	flags, configPath := newFlagSet("restore")
	name := flags.String("name", "", "snapshot to restore; the newest one when empty")
	before := flags.String("before", "", "restore the newest snapshot taken at or before this RFC 3339 time")
	overwrite := flags.Bool("overwrite", false, "replace documents that already exist")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *name != "" && *before != "" {
		return errors.New("--name and --before are mutually exclusive")
	}

	ctx, cancel := signalContext()
	defer cancel()
	e, err := openEnv(ctx, *configPath)
	if err != nil {
		return err
	}
	defer e.Close()

	backups, err := backupinfra.NewService(ctx, e.cfg)
	if err != nil {
		return err
	}
	restorer := backupinfra.NewRestorer(backups, e.factory.UserRepository(), e.factory.StreamRepository(), e.log)
	opts := backupinfra.RestoreOptions{OverwriteExisting: *overwrite}

	var report *backupinfra.RestoreReport
	switch {
	case *before != "":
		t, perr := time.Parse(time.RFC3339, *before)
		if perr != nil {
			return fmt.Errorf("--before: %w", perr)
		}
		report, err = restorer.RestoreLatestBefore(ctx, t, opts)
	case *name != "":
		report, err = restorer.Restore(ctx, *name, opts)
	default:
		latest, lerr := backups.Latest(ctx)
		if lerr != nil {
			return lerr
		}
		report, err = restorer.Restore(ctx, latest.Name, opts)
	}
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if report.ReconcileAdvised {
		e.log.Warn("some documents were skipped or failed; run 'portalctl reconcile' to repair assignment edges")
	}
	return nil
}
