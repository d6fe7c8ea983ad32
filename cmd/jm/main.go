// Command jm is the job-manager agent: it drives a computation module's
// run-generation loop, dispatching tasks to task managers over the wire
// protocol and committing their results.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskrun/spits/pkg/config"
	"github.com/taskrun/spits/pkg/heartbeat"
	"github.com/taskrun/spits/pkg/log"
	"github.com/taskrun/spits/pkg/module"
	"github.com/taskrun/spits/pkg/orchestrator"
)

var (
	// Version information (set via ldflags during build)
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
	Use:     "jm [--key=value ...] <module-path> [module-args...]",
	Short:   "spits job-manager agent",
	Version: Version,
	// Flag parsing is delegated to pkg/config, which stops at the first
	// non-flag token (the module path) rather than cobra's own parser.
	DisableFlagParsing: true,
	RunE:               runJM,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("jm version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
}

func runJM(cmd *cobra.Command, argv []string) error {
	cfg, rest, err := config.LoadJM(argv)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return fmt.Errorf("jm: missing module path")
	}

	log.Init(log.Config{Level: levelFor(cfg.Verbose), JSONOutput: true})

	mod, err := module.Load(rest[0])
	if err != nil {
		log.Fatal(fmt.Sprintf("jm: module load failed: %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hb := heartbeat.New(&cfg, ".")
	go hb.Run()

	orc := orchestrator.New(&cfg, mod, ".")
	status, result, err := orc.RunCallback(ctx, rest[1:], nil)
	hb.Finished.Store(true)
	if err != nil {
		log.Errorf("jm: run failed", err)
		return nil
	}
	log.Logger.Info().Int("status", status).Int("result_len", len(result)).Msg("job finished")

	if cfg.KillTMs {
		orc.KillTMs(ctx)
	}
	return nil
}

func levelFor(verbose bool) log.Level {
	if verbose {
		return log.DebugLevel
	}
	return log.InfoLevel
}
