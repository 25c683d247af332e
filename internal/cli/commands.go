package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"seedkeeper/internal/job"
	"seedkeeper/internal/registry"
)

func newDownloadCmd(opts *options) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "download DESCRIPTOR NAME",
		Short: "Download a single-file torrent into ROOT/download/NAME",
		Long: `Download blocks until the content is complete. When --registry is set
the finished item is recorded as Ready so the seeding service starts
seeding it on its next sweep.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := opts.openWorkspace(cmd.Context(), opts.registry != "")
			if err != nil {
				return err
			}
			defer ws.Close()

			record, err := ws.service.Download(cmd.Context(), job.DownloadRequest{
				Descriptor: args[0],
				Name:       args[1],
				Verify:     verify,
			})
			if err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout(), record, func(w io.Writer) {
				fmt.Fprintf(w, "Downloaded %s (%d bytes)\n", record.Identifier, record.ByteLength)
				fmt.Fprintf(w, "  descriptor: %s\n", record.DescriptorPath)
			})
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "re-check existing content before downloading")
	return cmd
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID DESCRIPTOR",
		Short: "Remove an item's content, resume state and descriptor copy",
		Long: `Delete is idempotent: missing files are skipped and an unreadable
descriptor means nothing was downloaded. When --registry is set the
registry row is removed too.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			withRegistry := opts.registry != ""
			ws, err := opts.openWorkspace(cmd.Context(), withRegistry)
			if err != nil {
				return err
			}
			defer ws.Close()

			if err := ws.service.Delete(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			if withRegistry {
				if err := ws.reg.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
			}
			result := map[string]string{"deleted": args[0]}
			return opts.output(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted %s\n", args[0])
			})
		},
	}
}

func newSizeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "size DESCRIPTOR",
		Short: "Print the byte length of a descriptor's single file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := opts.openWorkspace(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer ws.Close()

			length, err := ws.service.QueryDescriptorSize(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout(), map[string]int64{"length": length}, func(w io.Writer) {
				fmt.Fprintln(w, length)
			})
		},
	}
}

func newItemsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "items",
		Short: "List registry items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := opts.openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer reg.Close()

			items, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}
			if items == nil {
				items = []registry.Item{}
			}
			return opts.output(cmd.OutOrStdout(), items, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tSEEDING\tSIZE\tUPDATED")
				for _, item := range items {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\n",
						item.ID, item.Status, item.Seeding, item.Size, item.UpdatedAt.Format(time.RFC3339))
				}
				tw.Flush()
			})
		},
	}
}
