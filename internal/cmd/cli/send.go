package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/courier/internal/runtime"
	"github.com/rzbill/courier/internal/transport"
)

func newSendCommand(a *app) *cobra.Command {
	var (
		headers  map[string]string
		delay    time.Duration
		priority int
	)
	cmd := &cobra.Command{
		Use:   "send <transport> <body>",
		Short: "Send a raw message and print its transport id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []transport.SendOption
			if delay > 0 {
				opts = append(opts, transport.WithDelay(delay))
			}
			if cmd.Flags().Changed("priority") {
				if priority < 0 {
					return fmt.Errorf("--priority must not be negative")
				}
				opts = append(opts, transport.WithPriority(uint32(priority)))
			}
			return a.withRuntime(cmd, func(rt *runtime.Runtime) error {
				conn, err := rt.Connection(args[0])
				if err != nil {
					return err
				}
				h := make(map[string]string, len(headers)+1)
				for k, v := range headers {
					h[k] = v
				}
				h[transport.TypeHeader] = transport.RawMessageType
				id, err := conn.Send(cmd.Context(), args[1], h, opts...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "Header key=value (repeatable)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay before the message becomes available")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority, lower first (beanstalkd and pebble transports)")
	return cmd
}
