package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the Relay Hook proxy",
	Long:  `Fetch the proxy's agent card to verify the service is running and accessible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		card, err := client.Discover(ctx, normalizeServer(serverAddr))
		if err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}

		if outputJSON {
			printOutput(card)
		} else {
			fmt.Printf("Pong! %s is running (version %s)\n", card.Name, card.Version)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
