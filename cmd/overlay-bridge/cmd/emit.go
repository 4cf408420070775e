package cmd

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"overlay-bridge/internal/proto/bizhawk"
)

// newEmitCmd sends a message the way a BizHawk Lua script does, for testing overlays
// without the emulator.
func newEmitCmd() *cobra.Command {
	var addr string
	c := &cobra.Command{
		Use:   "emit <text...>",
		Short: "Send a BizHawk-framed message to a running bridge",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := net.Dialer{Timeout: 5 * time.Second}
			nc, err := d.DialContext(cmd.Context(), "tcp", addr)
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer nc.Close()

			frame := bizhawk.EncodeFrame(strings.Join(args, " "))
			_ = nc.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if _, err := nc.Write(frame); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d bytes to %s\n", len(frame), addr)
			return nil
		},
	}
	c.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "bridge BizHawk listener address")
	return c
}
