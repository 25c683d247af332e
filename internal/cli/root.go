// Package cli implements torrentctl, the host-side command line for the
// lifecycle operations: download, delete, size and registry listing.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// options are the flags shared by every command.
type options struct {
	root       string
	registry   string
	listenPort int
	jsonOutput bool
}

// NewRootCmd builds the torrentctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "torrentctl",
		Short: "Download, size and delete single-file torrents under a seeding root",
		Long: `torrentctl runs the host-facing lifecycle operations against the same
root directory and registry a seeding-service instance uses. Finished
downloads are recorded in the registry and picked up by the next sweep.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.root, "root", envOr("SEEDKEEPER_ROOT", "."), "root directory holding config/ and download/")
	flags.StringVar(&opts.registry, "registry", os.Getenv("SEEDKEEPER_REGISTRY"), "registry database path")
	flags.IntVar(&opts.listenPort, "listen-port", 0, "peer listen port for downloads (0 picks a free port)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(
		newDownloadCmd(opts),
		newDeleteCmd(opts),
		newSizeCmd(opts),
		newItemsCmd(opts),
	)
	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "torrentctl: "+err.Error())
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// output prints v as indented JSON when --json is set, otherwise calls text.
func (o *options) output(w io.Writer, v any, text func(io.Writer)) error {
	if !o.jsonOutput {
		text(w)
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
