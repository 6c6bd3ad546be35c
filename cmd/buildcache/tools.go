package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vyvo/compute/buildcache/pkg/artifact"
	"github.com/vyvo/compute/buildcache/pkg/buildstore"
	"github.com/vyvo/compute/buildcache/pkg/process"
	"github.com/vyvo/compute/buildcache/pkg/remote"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "create or upgrade the build store schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			// The sqlite pool migrates on first use.
			if _, _, err := store.GetBuild(cmd.Context(), 0); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.StoreDriver)
			return nil
		},
	}
}

func newFinishBuildsCommand() *cobra.Command {
	var merged []int64
	var number int
	c := &cobra.Command{
		Use:   "finish-builds BUILD_ID [...]",
		Short: "mark builds finished and propagate to merged requests",
		Args:  cobra.MinimumNArgs(1),
	}
	c.Flags().Int64SliceVar(&merged, "merged", nil, "request `id`s of the merged group, reference first")
	c.Flags().IntVar(&number, "number", 0, "build `number` shared by the merged group")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		if err := store.FinishBuilds(cmd.Context(), ids); err != nil {
			return err
		}
		if len(merged) > 1 {
			n, err := store.FinishedMergedBuilds(cmd.Context(), merged, number)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "propagated finish time to %d merged builds\n", n)
		}
		return nil
	}
	return c
}

func newArtifactPathCommand() *cobra.Command {
	var directory, submitted string
	c := &cobra.Command{
		Use:   "artifact-path BUILDER REQUEST_ID",
		Short: "print the artifact path of a build request",
		Args:  cobra.ExactArgs(2),
	}
	c.Flags().StringVar(&directory, "directory", "", "artifact sub`directory`")
	c.Flags().StringVar(&submitted, "submitted", "", "submission `time` (RFC 3339 or unix seconds)")
	_ = c.MarkFlagRequired("submitted")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("request id: %w", err)
		}
		at, err := parseTime(submitted)
		if err != nil {
			return err
		}
		ref := buildstore.RequestRef{ID: id, SubmittedAt: at}
		fmt.Fprintln(cmd.OutOrStdout(), artifact.Location(process.SafeTranslate(args[0]), ref, directory))
		return nil
	}
	return c
}

func newRetryCommandCommand() *cobra.Command {
	var family string
	var attempts int
	var delay time.Duration
	c := &cobra.Command{
		Use:   "retry-command COMMAND",
		Short: "print COMMAND wrapped in the transfer retry loop",
		Args:  cobra.MinimumNArgs(1),
	}
	c.Flags().StringVar(&family, "os", "posix", "worker shell `family` (posix, windows-cmd, windows-powershell)")
	c.Flags().IntVar(&attempts, "attempts", artifact.DefaultRetry.Attempts, "`n`umber of attempts")
	c.Flags().DurationVar(&delay, "delay", artifact.DefaultRetry.Delay, "`delay` after a failed attempt")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		p := artifact.RetryPolicy{Attempts: attempts, Delay: delay}
		fmt.Fprintln(cmd.OutOrStdout(), p.Wrap(remote.ParseOSFamily(family), strings.Join(args, " ")))
		return nil
	}
	return c
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseTime(value string) (time.Time, error) {
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t.UTC(), nil
}
