package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// cardCmd represents the card command
var cardCmd = &cobra.Command{
	Use:   "card [base-url]",
	Short: "Fetch an agent card",
	Long: `Fetch the agent card published at a base URL's well-known path.

Without an argument the proxy's own card is fetched. Pass a target agent's
base URL to inspect what the proxy would discover before forwarding.

Examples:
  relayctl card
  relayctl card http://localhost:8090`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := normalizeServer(serverAddr)
		if len(args) == 1 {
			base = normalizeServer(args[0])
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		card, err := client.Discover(ctx, base)
		if err != nil {
			return fmt.Errorf("failed to fetch agent card: %w", err)
		}

		if outputJSON {
			printOutput(card)
			return nil
		}

		fmt.Printf("Agent: %s\n", card.Name)
		if card.Description != "" {
			fmt.Printf("  Description: %s\n", card.Description)
		}
		fmt.Printf("  URL: %s\n", card.URL)
		fmt.Printf("  Version: %s\n", card.Version)
		fmt.Printf("  Streaming: %v\n", card.Capabilities.Streaming)
		fmt.Printf("  Push notifications: %v\n", card.Capabilities.PushNotifications)

		if len(card.Skills) > 0 {
			fmt.Println("  Skills:")
			for _, skill := range card.Skills {
				line := fmt.Sprintf("    %s (%s)", skill.Name, skill.ID)
				if len(skill.Tags) > 0 {
					line += " [" + strings.Join(skill.Tags, ", ") + "]"
				}
				fmt.Println(line)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(cardCmd)
}
