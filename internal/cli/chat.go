package cli

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/amira/toolbridge/pkg/conversation"
	"github.com/amira/toolbridge/pkg/gateway"
	"github.com/amira/toolbridge/pkg/stream"
)

var (
	chatServer       string
	chatConversation string
	chatAgent        string
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send one message to a running bridge",
	Long: `Send one message to a running bridge over WebSocket and print the
progress events followed by the final response. Pass --conversation to
continue an earlier conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatServer, "server", "localhost:10020", "bridge host:port")
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "conversation ID to continue")
	chatCmd.Flags().StringVar(&chatAgent, "agent", "", "agent profile to use")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	wsURL := url.URL{Scheme: "ws", Host: chatServer, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", chatServer, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(gateway.TurnRequest{
		ConversationID: chatConversation,
		Message:        strings.Join(args, " "),
		AgentID:        chatAgent,
	}); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	out := cmd.OutOrStdout()
	for {
		var ev stream.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}

		if !ev.Final {
			fmt.Fprintln(out, ev.Content)
			continue
		}

		if ev.Response != nil {
			if ev.Response.Status != conversation.StatusCompleted {
				fmt.Fprintf(out, "[%s] ", ev.Response.Status)
			}
			fmt.Fprintln(out, ev.Response.Message)
		}
		if ev.ConversationID != "" {
			fmt.Fprintf(out, "\n(continue with --conversation %s)\n", ev.ConversationID)
		}
		return nil
	}
}
