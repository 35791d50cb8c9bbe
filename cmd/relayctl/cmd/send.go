package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/abickford/relay_hook/internal/a2a"
	"github.com/abickford/relay_hook/internal/endpoint"
)

// sendOptions collects the flag values that shape a send request.
type sendOptions struct {
	TargetURL     string
	TargetName    string
	Role          string
	NonBlocking   bool
	ContextID     string
	CallbackURL   string
	CallbackToken string
	MetadataJSON  string
}

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send a task to a target agent through the proxy",
	Long: `Send a message to a target agent through the proxy.

By default the call blocks until the task reaches a terminal state and the
final result is printed. With --non-blocking the proxy hands the task off
to the target's callback path and returns a submitted snapshot right away;
follow it with "relayctl task get".

Examples:
  relayctl send "summarize the quarterly report"
  relayctl send --non-blocking "reindex the archive"
  relayctl send --target-url http://localhost:8090 "hello"
  relayctl send --target-url http://worker:8090 --role crunch "crunch it"
  relayctl send --stream "narrate your steps"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := args[0]

		stream, _ := cmd.Flags().GetBool("stream")
		opts := sendOptions{}
		opts.TargetURL, _ = cmd.Flags().GetString("target-url")
		opts.TargetName, _ = cmd.Flags().GetString("target-name")
		opts.Role, _ = cmd.Flags().GetString("role")
		opts.NonBlocking, _ = cmd.Flags().GetBool("non-blocking")
		opts.ContextID, _ = cmd.Flags().GetString("context-id")
		opts.CallbackURL, _ = cmd.Flags().GetString("callback-url")
		opts.CallbackToken, _ = cmd.Flags().GetString("callback-token")
		opts.MetadataJSON, _ = cmd.Flags().GetString("metadata")

		req, err := buildSendRequest(text, opts)
		if err != nil {
			return err
		}

		client := getClient()

		if stream {
			return streamSend(client, req)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		task, err := client.SendMessage(ctx, rpcEndpoint(), *req)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}

		if outputJSON {
			printOutput(task)
		} else {
			printTask(task)
			if !task.Status.State.IsTerminal() {
				fmt.Printf("\nThe task is still running. Follow it with:\n")
				fmt.Printf("  relayctl task get %s\n", task.ID)
			}
		}

		return nil
	},
}

// streamSend opens a message/stream call and prints events as they arrive.
func streamSend(client a2a.Client, req *a2a.SendMessageRequest) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := client.StreamMessage(ctx, rpcEndpoint(), *req)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}

	for ev := range events {
		if ev.Err != nil {
			return fmt.Errorf("stream failed: %w", ev.Err)
		}
		switch {
		case ev.StatusUpdate != nil:
			if outputJSON {
				printOutput(ev.StatusUpdate)
				continue
			}
			su := ev.StatusUpdate
			line := fmt.Sprintf("[%s] %s", su.Status.State, su.TaskID)
			if txt := messageText(su.Status.Message); txt != "" {
				line += ": " + txt
			}
			fmt.Println(line)
		case ev.ArtifactUpdate != nil:
			if outputJSON {
				printOutput(ev.ArtifactUpdate)
				continue
			}
			for _, p := range ev.ArtifactUpdate.Artifact.Parts {
				if p.Text != "" {
					fmt.Printf("[artifact] %s\n", p.Text)
				}
			}
		case ev.Task != nil:
			if outputJSON {
				printOutput(ev.Task)
				continue
			}
			printTask(ev.Task)
		}
	}

	return nil
}

// buildSendRequest assembles the wire request from the command line.
func buildSendRequest(text string, opts sendOptions) (*a2a.SendMessageRequest, error) {
	metadata, err := buildSelectionMetadata(opts)
	if err != nil {
		return nil, err
	}

	req := &a2a.SendMessageRequest{
		Message: a2a.Message{
			MessageID: uuid.NewString(),
			ContextID: opts.ContextID,
			Role:      a2a.RoleUser,
			Parts:     []a2a.Part{a2a.TextPart(text)},
			Metadata:  metadata,
		},
		Configuration: &a2a.SendMessageConfig{Blocking: !opts.NonBlocking},
	}

	if opts.CallbackURL != "" {
		req.Configuration.PushNotificationConfig = &a2a.PushNotificationConfig{
			URL:   opts.CallbackURL,
			Token: opts.CallbackToken,
		}
	}

	return req, nil
}

// buildSelectionMetadata assembles the agent-selection metadata. An explicit
// --metadata blob wins over the individual target flags.
func buildSelectionMetadata(opts sendOptions) (json.RawMessage, error) {
	if opts.MetadataJSON != "" {
		md, err := parseMetadata(opts.MetadataJSON)
		if err != nil {
			return nil, fmt.Errorf("invalid metadata JSON: %w", err)
		}
		return md, nil
	}

	if opts.TargetURL == "" && opts.Role == "" {
		return nil, nil
	}

	sel := endpoint.Selection{AgentRole: opts.Role}
	if opts.TargetURL != "" {
		sel.Agents = []endpoint.Candidate{{
			URL:  opts.TargetURL,
			Name: opts.TargetName,
			Role: opts.Role,
		}}
	}

	return json.Marshal(sel)
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().String("target-url", "", "target agent base URL (overrides the proxy default)")
	sendCmd.Flags().String("target-name", "", "display name for the target agent")
	sendCmd.Flags().String("role", "", "required agent role for candidate selection")
	sendCmd.Flags().Bool("non-blocking", false, "return immediately and deliver the outcome via callback")
	sendCmd.Flags().Bool("stream", false, "stream status updates over SSE instead of waiting for the final task")
	sendCmd.Flags().String("context-id", "", "conversation context to attach the task to")
	sendCmd.Flags().String("callback-url", "", "push notification URL for the terminal outcome")
	sendCmd.Flags().String("callback-token", "", "token the receiver echoes on callback deliveries")
	sendCmd.Flags().String("metadata", "", "raw JSON message metadata (overrides target flags)")
}
