package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Relay Hook services",
	Long: `Check the health of the proxy, and optionally the webhook receiver.

The receiver runs as its own process so that callbacks survive proxy
restarts; check both when debugging a stuck task.

Examples:
  relayctl health
  relayctl health --receiver http://localhost:8082`,
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverAddr, _ := cmd.Flags().GetString("receiver")

		resp, err := makeHTTPRequest("GET", "/healthz")
		if err != nil {
			fmt.Printf("✗ Proxy is unreachable: %v\n", err)
		} else {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				fmt.Println("✓ Proxy is healthy")
			} else {
				fmt.Printf("✗ Proxy is unhealthy (HTTP %d)\n", resp.StatusCode)
			}
		}

		if receiverAddr == "" {
			return nil
		}

		client := &http.Client{Timeout: 5 * time.Second}
		recResp, err := client.Get(normalizeServer(receiverAddr) + "/healthz")
		if err != nil {
			fmt.Printf("✗ Receiver is unreachable: %v\n", err)
			return nil
		}
		defer recResp.Body.Close()

		if recResp.StatusCode == 200 {
			fmt.Println("✓ Receiver is healthy")
		} else {
			fmt.Printf("✗ Receiver is unhealthy (HTTP %d)\n", recResp.StatusCode)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().String("receiver", "", "also check the webhook receiver at this base URL")
}
