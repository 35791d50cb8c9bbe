package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/abickford/relay_hook/internal/a2a"
)

// quickCmd represents a set of quick/easy commands for common operations
var quickCmd = &cobra.Command{
	Use:   "quick",
	Short: "Quick operations for common tasks",
	Long:  `Quick operations that combine multiple steps for common workflows.`,
}

// quickTestCmd sends a blocking test task and shows the recorded events
var quickTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Quick test: send a blocking task end to end",
	Long: `Send a test message through the proxy, wait for the terminal state,
and show the lifecycle events the proxy recorded along the way.

Example:
  relayctl quick test --target-url http://localhost:8090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		targetURL, _ := cmd.Flags().GetString("target-url")

		req, err := buildSendRequest("test message from relayctl quick test", sendOptions{
			TargetURL: targetURL,
		})
		if err != nil {
			return err
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		fmt.Println("Sending test task...")
		task, err := client.SendMessage(ctx, rpcEndpoint(), *req)
		if err != nil {
			return fmt.Errorf("failed to send test task: %w", err)
		}

		fmt.Printf("✅ Task %s finished in state %s\n", task.ID, task.Status.State)

		// Re-fetch for the full event trail
		snapshot, err := client.GetTask(ctx, rpcEndpoint(), a2a.GetTaskRequest{ID: task.ID})
		if err != nil {
			return fmt.Errorf("failed to fetch task snapshot: %w", err)
		}

		if outputJSON {
			printOutput(snapshot)
			return nil
		}

		md := decodeTaskMetadata(snapshot)
		fmt.Printf("\n📊 Recorded events (%d):\n", len(md.Events))
		for i, ev := range md.Events {
			line := fmt.Sprintf("  %d. %s", i+1, ev.Kind)
			if ev.Stage != "" {
				line += " | " + ev.Stage
			}
			if ev.TotalSteps > 0 {
				line += fmt.Sprintf(" | step %d/%d", ev.Step, ev.TotalSteps)
			}
			fmt.Println(line)
		}

		return nil
	},
}

// quickAsyncCmd sends a non-blocking task and polls until it settles
var quickAsyncCmd = &cobra.Command{
	Use:   "async",
	Short: "Quick test: send a non-blocking task and wait for its callback",
	Long: `Send a test message in non-blocking mode, then poll the proxy until
the target's callback lands and the task reaches a terminal state.

This exercises the full handoff: accept, durable registration, callback
delivery to the receiver, and the recorded terminal event.

Example:
  relayctl quick async --target-url http://localhost:8090 --wait 60s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		targetURL, _ := cmd.Flags().GetString("target-url")
		wait, _ := cmd.Flags().GetDuration("wait")

		req, err := buildSendRequest("test message from relayctl quick async", sendOptions{
			TargetURL:   targetURL,
			NonBlocking: true,
		})
		if err != nil {
			return err
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		fmt.Println("Sending non-blocking task...")
		task, err := client.SendMessage(ctx, rpcEndpoint(), *req)
		if err != nil {
			return fmt.Errorf("failed to send task: %w", err)
		}

		md := decodeTaskMetadata(task)
		fmt.Printf("✅ Task %s accepted (state: %s)\n", task.ID, task.Status.State)
		if md.TodolistID != "" {
			fmt.Printf("   Todolist ID: %s\n", md.TodolistID)
		}

		if task.Status.State.IsTerminal() {
			// The proxy downgraded to synchronous delivery, nothing to poll.
			printTask(task)
			return nil
		}

		fmt.Printf("Waiting up to %s for the callback...\n", wait)

		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			time.Sleep(time.Second)

			pollCtx, pollCancel := context.WithTimeout(context.Background(), timeout)
			snapshot, err := client.GetTask(pollCtx, rpcEndpoint(), a2a.GetTaskRequest{ID: task.ID})
			pollCancel()
			if err != nil {
				fmt.Printf("  poll failed: %v\n", err)
				continue
			}

			if snapshot.Status.State.IsTerminal() {
				fmt.Printf("\n✅ Callback landed, task settled in state %s\n\n", snapshot.Status.State)
				if outputJSON {
					printOutput(snapshot)
				} else {
					printTask(snapshot)
				}
				return nil
			}

			fmt.Printf("  still %s...\n", snapshot.Status.State)
		}

		fmt.Printf("\n⚠️  No terminal state after %s. The task may still settle; check later with:\n", wait)
		fmt.Printf("  relayctl task get %s\n", task.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(quickCmd)
	quickCmd.AddCommand(quickTestCmd)
	quickCmd.AddCommand(quickAsyncCmd)

	quickTestCmd.Flags().String("target-url", "", "target agent base URL (overrides the proxy default)")

	quickAsyncCmd.Flags().String("target-url", "", "target agent base URL (overrides the proxy default)")
	quickAsyncCmd.Flags().Duration("wait", 30*time.Second, "how long to poll for the terminal state")
}
