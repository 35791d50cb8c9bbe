package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/abickford/relay_hook/internal/a2a"
	"github.com/abickford/relay_hook/internal/eventstore"
)

var (
	cfgFile    string
	serverAddr string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
	jwtToken   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Relay Hook CLI - Interact with the Relay Hook forwarding proxy",
	Long: `Relay Hook CLI (relayctl) is a command line tool for interacting with
the Relay Hook task forwarding proxy.

You can use it to send tasks to target agents, follow their progress,
inspect recorded lifecycle events, and cancel work in flight.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.relayctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "proxy base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "JWT token for authentication (overrides JWT_TOKEN env var)")

	// Bind flags to viper
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".relayctl")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	if !rootCmd.PersistentFlags().Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverAddr = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !rootCmd.PersistentFlags().Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	if !rootCmd.PersistentFlags().Changed("token") {
		if t := viper.GetString("token"); t != "" {
			jwtToken = t
		} else if t := os.Getenv("JWT_TOKEN"); t != "" {
			jwtToken = t
		}
	}
}

// normalizeServer turns a bare host:port into a full http base URL and
// strips any trailing slash.
func normalizeServer(addr string) string {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// rpcEndpoint is the proxy's JSON-RPC submission URL.
func rpcEndpoint() string {
	return normalizeServer(serverAddr) + "/"
}

// bearerTransport injects the Authorization header on every request,
// including the SSE stream the client opens for message/stream.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}

// getClient returns a wire client pointed at the configured proxy.
func getClient() a2a.Client {
	hc := &http.Client{Timeout: timeout}
	if jwtToken != "" {
		hc.Transport = &bearerTransport{token: jwtToken, base: http.DefaultTransport}
	}
	return a2a.NewHTTPClient(a2a.WithHTTPClient(hc))
}

// makeHTTPRequest makes a plain HTTP request against the configured server,
// used for paths outside the JSON-RPC surface like /healthz.
func makeHTTPRequest(method, path string) (*http.Response, error) {
	client := &http.Client{Timeout: timeout}

	url := normalizeServer(serverAddr) + path
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	}

	return client.Do(req)
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printOutput prints the response in the requested format
func printOutput(v interface{}) {
	if outputJSON {
		var jsonData []byte
		var err error

		if prettyJSON {
			// Compact JSON if we're going to format with jq
			jsonData, err = json.Marshal(v)
		} else {
			jsonData, err = json.MarshalIndent(v, "", "  ")
		}

		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
			return
		}

		if prettyJSON {
			formatted, jqErr := formatWithJQ(jsonData)
			if jqErr != nil {
				// Fall back to standard pretty printing if jq fails
				fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
				jsonData, _ = json.MarshalIndent(v, "", "  ")
				fmt.Println(string(jsonData))
			} else {
				// Print jq-formatted output (already includes newline)
				fmt.Print(formatted)
			}
		} else {
			fmt.Println(string(jsonData))
		}
	} else {
		// Human-readable format
		fmt.Printf("%+v\n", v)
	}
}

// parseMetadata validates a raw metadata string as a JSON object.
func parseMetadata(jsonStr string) (json.RawMessage, error) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return json.RawMessage(jsonStr), nil
}

// messageText pulls the first text part out of a message, if any.
func messageText(m *a2a.Message) string {
	if m == nil {
		return ""
	}
	for _, p := range m.Parts {
		if p.Text != "" {
			return p.Text
		}
	}
	return ""
}

// taskMetadata is the envelope the proxy attaches to task snapshots.
type taskMetadata struct {
	TodolistID string             `json:"todolist_id"`
	Events     []eventstore.Event `json:"events"`
}

func decodeTaskMetadata(t *a2a.Task) taskMetadata {
	var md taskMetadata
	if t != nil && len(t.Metadata) > 0 {
		_ = json.Unmarshal(t.Metadata, &md)
	}
	return md
}

// printTask renders a task snapshot for humans.
func printTask(t *a2a.Task) {
	fmt.Printf("Task: %s\n", t.ID)
	fmt.Printf("  State: %s\n", t.Status.State)
	if txt := messageText(t.Status.Message); txt != "" {
		fmt.Printf("  Status: %s\n", txt)
	}
	if md := decodeTaskMetadata(t); md.TodolistID != "" {
		fmt.Printf("  Todolist ID: %s\n", md.TodolistID)
	}
	for _, art := range t.Artifacts {
		if art.Name != "" {
			fmt.Printf("  Artifact %s (%s):\n", art.ArtifactID, art.Name)
		} else {
			fmt.Printf("  Artifact %s:\n", art.ArtifactID)
		}
		for _, p := range art.Parts {
			if p.Text != "" {
				fmt.Printf("    %s\n", p.Text)
			} else if len(p.Data) > 0 {
				fmt.Printf("    %s\n", string(p.Data))
			}
		}
	}
}
