// Command noil runs the log correlation pipeline: tail configured
// sources, correlate records into fibers, and persist both to
// storage. It dispatches to one of three subcommands rather than
// picking a role from which config sections happen to be populated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/aiguy110/noil/internal/collector"
	"github.com/aiguy110/noil/internal/config"
	"github.com/aiguy110/noil/internal/parent"
	"github.com/aiguy110/noil/internal/reprocess"
	"github.com/aiguy110/noil/internal/repository"
	"github.com/aiguy110/noil/internal/runtimeEnv"
	"github.com/aiguy110/noil/internal/standalone"
	"github.com/aiguy110/noil/pkg/log"
	"github.com/google/gops/agent"
	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "run":
		runCmd(args)
	case "reprocess":
		reprocessCmd(args)
	case "init-db":
		initDBCmd(args)
	case "-h", "-help", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

// loadEnvAndConfig loads ./.env overrides (tolerating its absence) and
// the pipeline config document at path.
func loadEnvAndConfig(path string) (*config.Config, error) {
	if err := godotenv.Load("./.env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return config.LoadAndValidate(path)
}

// openStorage connects to cfg's sqlite database the way a long-running
// noil process does: through the instrumented, version-checked
// singleton connection rather than a bare sqlx.Open. checkDBVersion
// logs a warning and exits if the on-disk schema version differs from
// what this binary expects, pointing the operator at "noil init-db"
// when the schema is older.
func openStorage(cfg *config.Config) repository.Storage {
	repository.Connect("sqlite3", cfg.Storage.Path)
	return repository.NewSQLiteStorageFromDB(repository.GetConnection().DB)
}

func runCmd(args []string) {
	f := parseRunFlags(args)

	log.SetLogLevel(f.logLevel)
	log.SetLogDateTime(f.logDate)

	if f.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	cfg, err := loadEnvAndConfig(f.configPath)
	if err != nil {
		log.Fatalf("loading config: %s", err.Error())
	}
	cfg.ConfigVersion = f.configVersion

	storage := openStorage(cfg)

	var runner interface{ Run(context.Context) error }
	switch f.mode {
	case "standalone":
		runner, err = standalone.NewRunner(cfg, cfg.ConfigVersion, storage)
	case "collector":
		runner, err = collector.NewRunner(cfg, cfg.ConfigVersion, storage)
	case "parent":
		runner, err = parent.NewRunner(cfg, cfg.ConfigVersion, storage)
	default:
		log.Fatalf("unknown -mode %q: must be standalone, collector, or parent", f.mode)
	}
	if err != nil {
		log.Fatalf("building %s runner: %s", f.mode, err.Error())
	}

	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(25)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	runErrCh := make(chan error, 1)
	go func() {
		defer wg.Done()
		runErrCh <- runner.Run(ctx)
	}()

	wg.Add(1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer wg.Done()
		<-sigs
		log.Info("received shutdown signal, draining in-flight records")
		runtimeEnv.SystemdNotifiy(false, "shutting down")
		cancel()
	}()

	runtimeEnv.SystemdNotifiy(true, "running")
	wg.Wait()

	if err := <-runErrCh; err != nil {
		log.Fatalf("%s run exited with error: %s", f.mode, err.Error())
	}
	log.Info("graceful shutdown complete")
}

func reprocessCmd(args []string) {
	f := parseReprocessFlags(args)
	log.SetLogLevel(f.logLevel)

	cfg, err := loadEnvAndConfig(f.configPath)
	if err != nil {
		log.Fatalf("loading config: %s", err.Error())
	}
	cfg.ConfigVersion = f.configVersion

	storage := openStorage(cfg)

	var timeRange *reprocess.TimeRange
	if f.start != "" || f.end != "" {
		timeRange = &reprocess.TimeRange{}
		if f.start != "" {
			timeRange.Start, err = time.Parse(time.RFC3339, f.start)
			if err != nil {
				log.Fatalf("parsing -start: %s", err.Error())
			}
		}
		if f.end != "" {
			timeRange.End, err = time.Parse(time.RFC3339, f.end)
			if err != nil {
				log.Fatalf("parsing -end: %s", err.Error())
			}
		}
	}

	state := reprocess.NewState("cli-reprocess", cfg.ConfigVersion, timeRange, f.clear)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("received shutdown signal, cancelling reprocessing job")
		state.Cancel()
		cancel()
	}()

	if err := reprocess.Run(ctx, storage, cfg, cfg.ConfigVersion, timeRange, f.clear, state); err != nil {
		log.Fatalf("reprocessing failed: %s", err.Error())
	}

	snap := state.Snapshot()
	log.Infof("reprocessing complete: %d logs processed, %d fibers created, %d memberships written",
		snap.Progress.LogsProcessed, snap.Progress.FibersCreated, snap.Progress.MembershipsWritten)
}

func initDBCmd(args []string) {
	f := parseInitDBFlags(args)

	cfg, err := loadEnvAndConfig(f.configPath)
	if err != nil {
		log.Fatalf("loading config: %s", err.Error())
	}

	repository.MigrateDB("sqlite3", cfg.Storage.Path)
	log.Infof("database at %s initialized/migrated to the supported schema version", cfg.Storage.Path)
}
