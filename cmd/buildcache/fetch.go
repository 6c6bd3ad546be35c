package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vyvo/compute/buildcache/pkg/client"
)

func newFetchArtifactCommand() *cobra.Command {
	var serverURL, apiKey, builder, directory, output string
	c := &cobra.Command{
		Use:   "fetch-artifact REQUEST_ID [NAME]",
		Short: "download an artifact of a build request through a buildcache server",
		Long:  "Without NAME, fetch-artifact lists the request's artifact directory.",
		Args:  cobra.RangeArgs(1, 2),
	}
	c.Flags().StringVar(&serverURL, "server", "http://localhost:8086", "buildcache server `url`")
	c.Flags().StringVar(&apiKey, "api-key", os.Getenv("BUILDCACHE_API_KEY"), "API `key` for the server")
	c.Flags().StringVar(&builder, "builder", "", "producing builder `name`; defaults to the request's builder")
	c.Flags().StringVar(&directory, "directory", "", "artifact sub`directory`")
	c.Flags().StringVarP(&output, "output", "o", "", "write to `file` instead of stdout")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("request id: %w", err)
		}
		cl := client.NewClient(serverURL, apiKey)
		if len(args) == 1 {
			listing, err := cl.ListArtifacts(cmd.Context(), id, builder, directory)
			if err != nil {
				return err
			}
			for _, name := range listing.Names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		}
		loc, err := cl.GetArtifactPath(cmd.Context(), id, builder, directory)
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		n, err := cl.FetchArtifact(cmd.Context(), path.Join(loc.Path, args[1]), w)
		if err != nil {
			return err
		}
		if output != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", n, output)
		}
		return nil
	}
	return c
}
