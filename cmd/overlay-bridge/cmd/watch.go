package cmd

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var url string
	c := &cobra.Command{
		Use:   "watch",
		Short: "Print every event the bridge broadcasts, one JSON object per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch(cmd.Context(), url, func(line []byte) {
				fmt.Fprintln(cmd.OutOrStdout(), string(line))
			})
		},
	}
	c.Flags().StringVar(&url, "url", "ws://127.0.0.1:7177/ws", "bridge websocket url")
	return c
}

// watch reads gateway messages until ctx is done or the bridge closes the connection.
func watch(ctx context.Context, url string, emit func([]byte)) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		emit(msg)
	}
}
