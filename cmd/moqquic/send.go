package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSendCmd(opts *rootOptions) *cobra.Command {
	var (
		t       target
		message string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to an echo server and print the reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tr, err := opts.transport()
			if err != nil {
				return err
			}
			tr.Init()
			defer tr.Cleanup()

			stopMetrics := opts.serveMetrics()
			defer stopMetrics()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			reply, err := exchange(ctx, tr, t, []byte(message))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&t.host, "host", "127.0.0.1", "server host")
	flags.Uint16Var(&t.port, "port", 4433, "server port")
	flags.StringVar(&t.path, "webtransport-path", "", "use WebTransport at this path")
	flags.StringVarP(&message, "message", "m", "hello", "message to send")
	flags.DurationVar(&timeout, "timeout", 5*time.Second, "overall timeout")

	return cmd
}
