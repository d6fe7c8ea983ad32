// Command tm is the task-manager agent: it serves the wire protocol's
// push-tasks/pull-results/heartbeat/terminate verbs against a bounded
// worker pool running a computation module.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskrun/spits/pkg/config"
	"github.com/taskrun/spits/pkg/log"
	"github.com/taskrun/spits/pkg/module"
	"github.com/taskrun/spits/pkg/registry"
	"github.com/taskrun/spits/pkg/taskpool"
	"github.com/taskrun/spits/pkg/tmserver"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:                "tm [--key=value ...] <module-path> [module-args...]",
	Short:              "spits task-manager agent",
	Version:            Version,
	DisableFlagParsing: true,
	RunE:               runTM,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("tm version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
}

func runTM(cmd *cobra.Command, argv []string) error {
	cfg, rest, err := config.LoadTM(argv)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("tm: missing module path")
	}

	level := log.InfoLevel
	if cfg.Verbose {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: true})

	mod, err := module.Load(rest[0])
	if err != nil {
		log.Fatal(fmt.Sprintf("tm: module load failed: %v", err))
	}

	pool := taskpool.New(mod, cfg.MaxThreads, cfg.Overfill)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	pool.Start(ctx)

	self := registry.Endpoint{
		Name:    fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.BindPort),
		Address: cfg.BindAddr,
		Port:    cfg.BindPort,
	}
	announcer := registry.NewAnnouncer(".", cfg.Announce, self)
	if err := announcer.Announce(); err != nil {
		log.Errorf("tm: announce failed", err)
	}
	defer announcer.Retract()

	srv := tmserver.New(&cfg, pool)
	if err := srv.Serve(ctx); err != nil {
		log.Fatal(fmt.Sprintf("tm: serve failed: %v", err))
	}
	return nil
}
