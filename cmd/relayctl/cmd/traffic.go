package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// TrafficConfig holds the configuration for traffic generation
type TrafficConfig struct {
	Duration      int     `json:"duration"`
	Volume        int     `json:"volume"`
	CallerID      string  `json:"caller_id"`
	TargetURL     string  `json:"target_url"`
	ServerHost    string  `json:"server_host"`
	JWKSHost      string  `json:"jwks_host"`
	Mode          string  `json:"mode"`
	AsyncRate     float64 `json:"async_rate"`     // Percentage of requests sent non-blocking (0-100)
	Burst         bool    `json:"burst"`          // Whether to generate burst traffic after normal traffic
	BurstVolume   int     `json:"burst_volume"`   // Requests per second during burst
	BurstDuration int     `json:"burst_duration"` // Duration of burst in seconds
}

// TrafficSummary holds the summary of generated traffic
type TrafficSummary struct {
	TotalRequests   int           `json:"total_requests"`
	SuccessRequests int           `json:"success_requests"` // Submissions the proxy accepted
	FailedRequests  int           `json:"failed_requests"`  // Submissions that errored on the wire
	BlockingReqs    int           `json:"blocking_requests"`
	AsyncReqs       int           `json:"async_requests"`
	FailedOutcomes  int           `json:"failed_outcomes"` // Tasks that came back failed or rejected
	NormalRequests  int           `json:"normal_requests"`
	BurstRequests   int           `json:"burst_requests"`
	TotalDuration   time.Duration `json:"total_duration"`
	NormalDuration  time.Duration `json:"normal_duration"`
	BurstDuration   time.Duration `json:"burst_duration"`
	NormalRPS       float64       `json:"normal_rps"`
	BurstRPS        float64       `json:"burst_rps"`
	OverallRPS      float64       `json:"overall_rps"`
	Mode            string        `json:"mode"`
	HadBurst        bool          `json:"had_burst"`
}

// trafficCmd represents the traffic command
var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Generate test traffic for Relay Hook",
	Long: `Generate test traffic to demonstrate Relay Hook functionality.
This command provides an interactive interface to configure and generate
proxied task traffic for testing observability, performance, and functionality.

Supports two modes:
- good: A mix of blocking and non-blocking sends against a reachable target
- bad:  Non-blocking sends aimed at an unreachable target, so every task
        records a transport failure and exercises the failure paths`,
}

// generateCmd represents the generate subcommand
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate test traffic interactively",
	Long: `Start an interactive session to configure and generate test traffic.
You'll be prompted for parameters like duration, volume, caller ID, etc.

Choose between two traffic modes:
- good: Mixed blocking/non-blocking traffic (default: 120s, 10 req/s, 50% async)
- bad:  Transport failure traffic (default: 30s, 5 req/s) for testing failure handling

After confirmation, the command will generate the specified traffic pattern.`,
	RunE: runGenerateTraffic,
}

func init() {
	rootCmd.AddCommand(trafficCmd)
	trafficCmd.AddCommand(generateCmd)
}

// runGenerateTraffic handles the interactive traffic generation
func runGenerateTraffic(cmd *cobra.Command, args []string) error {
	printHeader("Relay Hook Traffic Generator")

	// Step 1: Collect parameters interactively
	config, err := collectTrafficParameters()
	if err != nil {
		return fmt.Errorf("failed to collect parameters: %w", err)
	}

	// Step 2: Show parameters and get confirmation
	if !confirmParameters(config) {
		printInfo("Traffic generation cancelled")
		return nil
	}

	// Step 3: Get JWT token
	token, err := getJWTToken(config.JWKSHost, config.CallerID)
	if err != nil {
		printInfo(fmt.Sprintf("No token from %s (%v), continuing unauthenticated", config.JWKSHost, err))
		token = ""
	} else {
		printSuccess("Got JWT token")
	}

	// Step 4: Generate traffic
	summary, err := generateTrafficWithProgress(config, token)
	if err != nil {
		return fmt.Errorf("failed to generate traffic: %w", err)
	}
	summary.Mode = config.Mode

	// Step 5: Show summary
	printTrafficSummary(summary)

	return nil
}

// collectTrafficParameters interactively collects traffic generation parameters
func collectTrafficParameters() (*TrafficConfig, error) {
	reader := bufio.NewReader(os.Stdin)

	printStep("Configuring traffic generation parameters...")
	fmt.Println()

	// Traffic mode selection first
	fmt.Printf("Traffic mode (good/bad) [default: good]: ")
	mode := "good"
	if input, _ := reader.ReadString('\n'); strings.TrimSpace(input) != "" {
		input = strings.ToLower(strings.TrimSpace(input))
		if input == "bad" || input == "fail" {
			mode = "bad"
		}
	}

	// Set defaults based on traffic mode
	var config *TrafficConfig
	if mode == "bad" {
		config = &TrafficConfig{
			Duration:   30,
			Volume:     5,
			CallerID:   "relayctl_badtraffic",
			TargetURL:  "http://localhost:9", // Nothing listens there
			ServerHost: serverAddr,
			JWKSHost:   "localhost:8084",
			Mode:       "bad",
		}
	} else {
		config = &TrafficConfig{
			Duration:      120,
			Volume:        10,
			CallerID:      "relayctl_traffic",
			TargetURL:     "", // Use the proxy's default target
			ServerHost:    serverAddr,
			JWKSHost:      "localhost:8084",
			Mode:          "good",
			AsyncRate:     50.0,
			Burst:         false,
			BurstVolume:   25,
			BurstDuration: 30,
		}
	}

	// Traffic duration
	fmt.Printf("Traffic duration in seconds [default: %d]: ", config.Duration)
	if input, _ := reader.ReadString('\n'); strings.TrimSpace(input) != "" {
		if duration, err := strconv.Atoi(strings.TrimSpace(input)); err == nil && duration > 0 {
			config.Duration = duration
		}
	}

	// Traffic volume
	fmt.Printf("Traffic volume (requests per second) [default: %d]: ", config.Volume)
	if input, _ := reader.ReadString('\n'); strings.TrimSpace(input) != "" {
		if volume, err := strconv.Atoi(strings.TrimSpace(input)); err == nil && volume > 0 {
			config.Volume = volume
		}
	}

	// Caller ID
	fmt.Printf("Caller ID [default: %s]: ", config.CallerID)
	if input, _ := reader.ReadString('\n'); strings.TrimSpace(input) != "" {
		config.CallerID = strings.TrimSpace(input)
	}

	// Target URL
	targetDefault := config.TargetURL
	if targetDefault == "" {
		targetDefault = "proxy default"
	}
	fmt.Printf("Target agent URL [default: %s]: ", targetDefault)
	if input, _ := reader.ReadString('\n'); strings.TrimSpace(input) != "" {
		config.TargetURL = strings.TrimSpace(input)
	}

	// Server host
	fmt.Printf("Proxy URL [default: %s]: ", config.ServerHost)
	if input, _ := reader.ReadString('\n'); strings.TrimSpace(input) != "" {
		config.ServerHost = strings.TrimSpace(input)
	}

	// JWKS host
	fmt.Printf("JWKS host [default: %s]: ", config.JWKSHost)
	if input, _ := reader.ReadString('\n'); strings.TrimSpace(input) != "" {
		config.JWKSHost = strings.TrimSpace(input)
	}

	// Async rate (only for good traffic mode)
	if config.Mode == "good" {
		fmt.Printf("Non-blocking percentage (0-100) [default: %.1f]: ", config.AsyncRate)
		if input, _ := reader.ReadString('\n'); strings.TrimSpace(input) != "" {
			if asyncRate, err := strconv.ParseFloat(strings.TrimSpace(input), 64); err == nil && asyncRate >= 0 && asyncRate <= 100 {
				config.AsyncRate = asyncRate
			}
		}

		// Burst traffic options
		fmt.Printf("Enable burst traffic after normal traffic? (y/N) [default: N]: ")
		if input, _ := reader.ReadString('\n'); strings.ToLower(strings.TrimSpace(input)) == "y" || strings.ToLower(strings.TrimSpace(input)) == "yes" {
			config.Burst = true

			fmt.Printf("Burst volume (requests per second) [default: %d]: ", config.BurstVolume)
			if input, _ := reader.ReadString('\n'); strings.TrimSpace(input) != "" {
				if burstVolume, err := strconv.Atoi(strings.TrimSpace(input)); err == nil && burstVolume > 0 {
					config.BurstVolume = burstVolume
				}
			}

			fmt.Printf("Burst duration in seconds [default: %d]: ", config.BurstDuration)
			if input, _ := reader.ReadString('\n'); strings.TrimSpace(input) != "" {
				if burstDuration, err := strconv.Atoi(strings.TrimSpace(input)); err == nil && burstDuration > 0 {
					config.BurstDuration = burstDuration
				}
			}
		}
	}

	return config, nil
}

// confirmParameters displays the configuration and asks for confirmation
func confirmParameters(config *TrafficConfig) bool {
	fmt.Println()
	printStep("Configuration Summary:")

	if config.Mode == "bad" {
		fmt.Printf("  Mode:         %s traffic (transport failures)\n", config.Mode)
	} else {
		fmt.Printf("  Mode:         %s traffic (mixed blocking/async)\n", config.Mode)
	}

	fmt.Printf("  Duration:     %d seconds\n", config.Duration)
	fmt.Printf("  Volume:       %d requests/second\n", config.Volume)
	fmt.Printf("  Caller ID:    %s\n", config.CallerID)
	if config.TargetURL != "" {
		fmt.Printf("  Target URL:   %s\n", config.TargetURL)
	} else {
		fmt.Printf("  Target URL:   proxy default\n")
	}
	fmt.Printf("  Proxy URL:    %s\n", config.ServerHost)
	fmt.Printf("  JWKS Host:    %s\n", config.JWKSHost)
	if config.Mode == "good" {
		fmt.Printf("  Async Rate:   %.1f%%\n", config.AsyncRate)
		if config.Burst {
			fmt.Printf("  Burst:        Yes (%d req/s for %ds after normal traffic)\n", config.BurstVolume, config.BurstDuration)
		} else {
			fmt.Printf("  Burst:        No\n")
		}
	}
	fmt.Println()

	normalRequests := config.Duration * config.Volume
	burstRequests := 0
	if config.Burst {
		burstRequests = config.BurstDuration * config.BurstVolume
	}
	totalRequests := normalRequests + burstRequests
	fmt.Printf("This will generate approximately %d total requests", normalRequests)
	if config.Burst {
		fmt.Printf(" + %d burst requests = %d total", burstRequests, totalRequests)
	}
	fmt.Printf(".\n")

	if config.Mode == "bad" {
		fmt.Printf("\n⚠️  Failure Traffic: every task targets an unreachable agent, so each one\n")
		fmt.Printf("   records a failed event with a transport reason. Watch the proxy's\n")
		fmt.Printf("   /metrics endpoint and the notifier's queue to see the failure paths.\n")
	} else {
		expectedAsync := int(float64(totalRequests) * (config.AsyncRate / 100))
		expectedBlocking := totalRequests - expectedAsync
		fmt.Printf("\n✅ Mixed Traffic: ~%d blocking sends (%.1f%%), ~%d non-blocking (%.1f%%)\n",
			expectedBlocking, 100-config.AsyncRate, expectedAsync, config.AsyncRate)
		fmt.Printf("   Blocking calls hold the connection until the terminal state, so the\n")
		fmt.Printf("   achieved rate depends on the target's latency.\n")
	}
	fmt.Println()

	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Continue with traffic generation? (y/N): ")
	response, _ := reader.ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))

	return response == "y" || response == "yes"
}

// getJWTToken obtains a JWT token from the JWKS server
func getJWTToken(jwksHost, callerID string) (string, error) {
	printStep("Getting JWT token...")

	client := &http.Client{Timeout: 10 * time.Second}

	payload := map[string]string{"caller_id": callerID}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	url := fmt.Sprintf("http://%s/token", jwksHost)
	req, err := http.NewRequest("POST", url, strings.NewReader(string(payloadBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to get token from %s: %w", jwksHost, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.Token == "" {
		return "", fmt.Errorf("received empty token")
	}

	return tokenResp.Token, nil
}

// generateTrafficWithProgress generates traffic and shows progress updates
func generateTrafficWithProgress(config *TrafficConfig, token string) (*TrafficSummary, error) {
	trafficDesc := fmt.Sprintf("%d RPS for %d seconds", config.Volume, config.Duration)
	if config.Burst {
		trafficDesc += fmt.Sprintf(" + BURST %d RPS for %d seconds", config.BurstVolume, config.BurstDuration)
	}
	printStep(fmt.Sprintf("Generating traffic (%s)...", trafficDesc))

	// Phase 1: Normal traffic
	fmt.Printf("Phase 1: Normal Traffic (%d RPS for %d seconds)\n", config.Volume, config.Duration)
	normalSummary, err := generateTrafficPhase(config, token, config.Volume, config.Duration, "normal")
	if err != nil {
		return nil, fmt.Errorf("normal traffic phase failed: %w", err)
	}

	// Phase 2: Burst traffic (if enabled)
	var burstSummary *TrafficSummary
	if config.Burst {
		fmt.Printf("\nPhase 2: Burst Traffic (%d RPS for %d seconds)\n", config.BurstVolume, config.BurstDuration)
		burstSummary, err = generateTrafficPhase(config, token, config.BurstVolume, config.BurstDuration, "burst")
		if err != nil {
			return nil, fmt.Errorf("burst traffic phase failed: %w", err)
		}
	}

	return combineTrafficSummaries(normalSummary, burstSummary, config.Burst), nil
}

// generateTrafficPhase generates traffic for a single phase (normal or burst)
func generateTrafficPhase(config *TrafficConfig, token string, volume, duration int, phase string) (*TrafficSummary, error) {
	// Temporarily point the global client state at this run's settings
	originalToken := jwtToken
	originalServer := serverAddr
	jwtToken = token
	serverAddr = config.ServerHost
	defer func() {
		jwtToken = originalToken
		serverAddr = originalServer
	}()

	client := getClient()

	startTime := time.Now()
	endTime := startTime.Add(time.Duration(duration) * time.Second)

	requestCount := 0
	successCount := 0
	blockingRequests := 0
	asyncRequests := 0
	failedOutcomes := 0

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// Rate limiting: sleep time between requests
	sleepDuration := time.Second / time.Duration(volume)

	fmt.Printf("Progress: ")

	for time.Now().Before(endTime) {
		// Bad mode is always non-blocking; good mode rolls the dice
		nonBlocking := true
		if config.Mode == "good" {
			nonBlocking = rng.Float64()*100 < config.AsyncRate
		}

		text := fmt.Sprintf("traffic test request %d (%s phase)", requestCount, phase)
		req, err := buildSendRequest(text, sendOptions{
			TargetURL:   config.TargetURL,
			NonBlocking: nonBlocking,
		})
		if err != nil {
			return nil, err
		}

		if nonBlocking {
			asyncRequests++
		} else {
			blockingRequests++
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		task, err := client.SendMessage(ctx, rpcEndpoint(), *req)
		cancel()
		if err == nil {
			successCount++
			if task.Status.State == "failed" || task.Status.State == "rejected" {
				failedOutcomes++
			}
		}

		requestCount++

		// Progress indicator
		if requestCount%10 == 0 {
			fmt.Print(".")
		}
		if requestCount%(volume*10) == 0 {
			elapsed := time.Since(startTime)
			remaining := time.Duration(duration)*time.Second - elapsed
			fmt.Printf(" [%d reqs, %ds remaining]\n          ", requestCount, int(remaining.Seconds()))
		}

		// Rate limiting
		time.Sleep(sleepDuration)
	}

	actualDuration := time.Since(startTime)
	fmt.Println() // New line after progress

	summary := &TrafficSummary{
		TotalRequests:   requestCount,
		SuccessRequests: successCount,
		FailedRequests:  requestCount - successCount,
		BlockingReqs:    blockingRequests,
		AsyncReqs:       asyncRequests,
		FailedOutcomes:  failedOutcomes,
		TotalDuration:   actualDuration,
		OverallRPS:      float64(requestCount) / actualDuration.Seconds(),
	}

	if phase == "normal" {
		summary.NormalRequests = requestCount
		summary.NormalDuration = actualDuration
		summary.NormalRPS = float64(requestCount) / actualDuration.Seconds()
	} else if phase == "burst" {
		summary.BurstRequests = requestCount
		summary.BurstDuration = actualDuration
		summary.BurstRPS = float64(requestCount) / actualDuration.Seconds()
	}

	return summary, nil
}

// combineTrafficSummaries combines normal and burst traffic summaries
func combineTrafficSummaries(normal, burst *TrafficSummary, hadBurst bool) *TrafficSummary {
	combined := &TrafficSummary{
		TotalRequests:   normal.TotalRequests,
		SuccessRequests: normal.SuccessRequests,
		FailedRequests:  normal.FailedRequests,
		BlockingReqs:    normal.BlockingReqs,
		AsyncReqs:       normal.AsyncReqs,
		FailedOutcomes:  normal.FailedOutcomes,
		NormalRequests:  normal.NormalRequests,
		NormalDuration:  normal.NormalDuration,
		NormalRPS:       normal.NormalRPS,
		TotalDuration:   normal.TotalDuration,
		HadBurst:        hadBurst,
	}

	if hadBurst && burst != nil {
		combined.TotalRequests += burst.TotalRequests
		combined.SuccessRequests += burst.SuccessRequests
		combined.FailedRequests += burst.FailedRequests
		combined.BlockingReqs += burst.BlockingReqs
		combined.AsyncReqs += burst.AsyncReqs
		combined.FailedOutcomes += burst.FailedOutcomes
		combined.BurstRequests = burst.BurstRequests
		combined.BurstDuration = burst.BurstDuration
		combined.BurstRPS = burst.BurstRPS
		combined.TotalDuration = normal.TotalDuration + burst.TotalDuration
	}

	if combined.TotalDuration.Seconds() > 0 {
		combined.OverallRPS = float64(combined.TotalRequests) / combined.TotalDuration.Seconds()
	}

	return combined
}

// printTrafficSummary prints the final traffic generation summary
func printTrafficSummary(summary *TrafficSummary) {
	if summary.Mode == "bad" {
		printHeader("Failure Traffic Generation Complete!")
	} else if summary.HadBurst {
		printHeader("Mixed Traffic + Burst Generation Complete!")
	} else {
		printHeader("Traffic Generation Complete!")
	}

	fmt.Printf("Total Requests:    %d\n", summary.TotalRequests)
	fmt.Printf("Submitted:         %d (%.2f%%) - Accepted by the proxy\n",
		summary.SuccessRequests, percent(summary.SuccessRequests, summary.TotalRequests))
	fmt.Printf("Submit Errors:     %d (%.2f%%) - Failed on the wire\n",
		summary.FailedRequests, percent(summary.FailedRequests, summary.TotalRequests))
	fmt.Printf("Blocking:          %d | Non-blocking: %d\n", summary.BlockingReqs, summary.AsyncReqs)

	if summary.Mode == "bad" {
		fmt.Println()
		fmt.Printf("⚠️  Note: submitted tasks targeted an unreachable agent, so each records\n")
		fmt.Printf("   a failed event with a transport reason (%d observed in responses).\n", summary.FailedOutcomes)
	} else if summary.FailedOutcomes > 0 {
		fmt.Printf("Failed Outcomes:   %d tasks came back failed or rejected\n", summary.FailedOutcomes)
	}

	if summary.HadBurst {
		fmt.Printf("Normal Phase:      %d requests in %.1fs (%.2f RPS)\n", summary.NormalRequests, summary.NormalDuration.Seconds(), summary.NormalRPS)
		fmt.Printf("Burst Phase:       %d requests in %.1fs (%.2f RPS)\n", summary.BurstRequests, summary.BurstDuration.Seconds(), summary.BurstRPS)
		fmt.Printf("Total Duration:    %.2f seconds\n", summary.TotalDuration.Seconds())
		fmt.Printf("Overall RPS:       %.2f requests/second\n", summary.OverallRPS)
	} else {
		fmt.Printf("Duration:          %.2f seconds\n", summary.TotalDuration.Seconds())
		fmt.Printf("Actual RPS:        %.2f requests/second\n", summary.OverallRPS)
	}

	fmt.Println()

	if summary.Mode == "bad" {
		printInfo("Failure Traffic Next Steps:")
		fmt.Println("1. Check the proxy's /metrics for the failed outcome counters")
		fmt.Println("2. Inspect a failed task with: relayctl task events <task-id>")
		fmt.Println("3. Watch the notifier deliver failed outcomes to registered callbacks")
		fmt.Println("4. Check NSQ Admin (http://localhost:4171) for notification queue depth")
	} else {
		printInfo("Traffic Next Steps:")
		fmt.Println("1. Check the proxy's /metrics for forward latency and outcome counters")
		fmt.Println("2. Non-blocking tasks settle via webhook; sample one with relayctl task get")
		fmt.Println("3. Check the receiver's /metrics for callback disposition counts")
		if summary.HadBurst {
			fmt.Printf("4. Compare burst RPS (%.2f) against normal (%.2f) in your dashboards\n", summary.BurstRPS, summary.NormalRPS)
		}
	}

	fmt.Println()
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// Helper functions for colored output
func printHeader(msg string) {
	fmt.Printf("\n\033[0;35m%s\033[0m\n", msg)
	fmt.Println("==============================================")
}

func printStep(msg string) {
	fmt.Printf("\033[0;34m==> %s\033[0m\n", msg)
}

func printSuccess(msg string) {
	fmt.Printf("\033[0;32m✓ %s\033[0m\n", msg)
}

func printInfo(msg string) {
	fmt.Printf("\033[0;36mℹ %s\033[0m\n", msg)
}
