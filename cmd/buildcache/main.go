package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vyvo/compute/buildcache/pkg/config"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "buildcache",
		Short:         "build result cache and artifact reuse engine",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	debug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentFlags().String("store_driver", "", "build store `driver` (memory, sqlite, postgres)")
	rootCommand.PersistentFlags().String("database_url", "", "postgres connection `dsn`")
	rootCommand.PersistentFlags().String("sqlite_path", "", "`path` to the sqlite database")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if *debug {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	}

	rootCommand.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newRunCommand(),
		newFinishBuildsCommand(),
		newArtifactPathCommand(),
		newRetryCommandCommand(),
		newFetchArtifactCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCommand.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Fatalf("buildcache: %v", err)
	}
}

// loadConfig merges flags that were set on the command line over the
// file and environment configuration. Unset flags keep their defaults.
func loadConfig(cmd *cobra.Command) (config.OrchestratorConfig, error) {
	changed := pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		changed.AddFlag(f)
	})
	return config.LoadOrchestrator(changed)
}
