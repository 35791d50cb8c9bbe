package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abickford/relay_hook/internal/a2a"
)

// taskCmd represents the task command
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and cancel proxied tasks",
	Long:  `Fetch task snapshots, list recorded lifecycle events, and cancel work in flight.`,
}

// taskGetCmd represents the task get command
var taskGetCmd = &cobra.Command{
	Use:   "get [task-id]",
	Short: "Get the current snapshot of a task",
	Long: `Fetch the task snapshot the proxy reconstructs from its recorded events.

Example:
  relayctl task get 7c9e6679-7425-40de-944b-e07fc1f90ae7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		task, err := client.GetTask(ctx, rpcEndpoint(), a2a.GetTaskRequest{ID: taskID})
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}

		if outputJSON {
			printOutput(task)
		} else {
			printTask(task)
		}

		return nil
	},
}

// taskEventsCmd represents the task events command
var taskEventsCmd = &cobra.Command{
	Use:   "events [task-id]",
	Short: "List the recorded lifecycle events for a task",
	Long: `List every event the proxy has recorded for a task, in append order.

Example:
  relayctl task events 7c9e6679-7425-40de-944b-e07fc1f90ae7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		task, err := client.GetTask(ctx, rpcEndpoint(), a2a.GetTaskRequest{ID: taskID})
		if err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}

		md := decodeTaskMetadata(task)

		if outputJSON {
			printOutput(md.Events)
			return nil
		}

		fmt.Printf("Events for task %s", taskID)
		if md.TodolistID != "" {
			fmt.Printf(" (todolist %s)", md.TodolistID)
		}
		fmt.Println(":")

		if len(md.Events) == 0 {
			fmt.Println("  No events recorded")
			return nil
		}

		for i, ev := range md.Events {
			fmt.Printf("\n  Event %d:\n", i+1)
			fmt.Printf("    Kind: %s\n", ev.Kind)
			if ev.Stage != "" {
				fmt.Printf("    Stage: %s\n", ev.Stage)
			}
			if ev.TotalSteps > 0 {
				fmt.Printf("    Step: %d/%d\n", ev.Step, ev.TotalSteps)
			}
			if len(ev.Payload) > 0 {
				fmt.Printf("    Payload: %s\n", string(ev.Payload))
			}
			if !ev.CreatedAt.IsZero() {
				fmt.Printf("    Recorded: %s\n", ev.CreatedAt.Format("2006-01-02 15:04:05"))
			}
		}

		return nil
	},
}

// taskCancelCmd represents the task cancel command
var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a running task",
	Long: `Ask the target agent to stop a task the proxy handed off.

Cancellation is best effort: an outcome already in flight on the callback
path still lands and wins over the cancel.

Example:
  relayctl task cancel 7c9e6679-7425-40de-944b-e07fc1f90ae7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		task, err := client.CancelTask(ctx, rpcEndpoint(), a2a.CancelTaskRequest{ID: taskID})
		if err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}

		if outputJSON {
			printOutput(task)
		} else {
			fmt.Printf("Cancel requested for task %s\n", taskID)
			printTask(task)
			if !task.Status.State.IsTerminal() {
				fmt.Printf("\nThe canceled state arrives through the callback path. Check with:\n")
				fmt.Printf("  relayctl task get %s\n", taskID)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskEventsCmd)
	taskCmd.AddCommand(taskCancelCmd)
}
