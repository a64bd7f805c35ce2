package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rzbill/courier/internal/runtime"
)

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [transport...]",
		Short: "Print the number of messages waiting on each transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				names = a.cfg.TransportNames()
			}
			return a.withRuntime(cmd, func(rt *runtime.Runtime) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TRANSPORT\tCOUNT")
				for _, name := range names {
					conn, err := rt.Connection(name)
					if err != nil {
						return err
					}
					n, err := conn.MessageCount(cmd.Context())
					if err != nil {
						fmt.Fprintf(w, "%s\t%s\n", name, err)
						continue
					}
					fmt.Fprintf(w, "%s\t%d\n", name, n)
				}
				return w.Flush()
			})
		},
	}
}
