package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr        string // e.g. nsqd:4150
	LookupHTTPAddr     string // e.g. http://nsqlookupd:4161
	NotificationsTopic string // NSQ topic for caller notifications
	DLQTopic           string // Dead letter queue topic
	NotifierChannel    string // NSQ channel name for notifier workers
	TokenHeader        string // HTTP header carrying the caller's notification token
}

type Proxy struct {
	HTTPPort             string        // A2A surface listen port
	PublicBaseURL        string        // Base URL the webhook receiver is reachable at
	CardURL              string        // URL the proxy's own agent card advertises
	DefaultTargetURL     string        // Fallback target agent when context names none
	DefaultTargetName    string        // Display name for the fallback target
	BlockingEventTimeout time.Duration // Max wait per event on a blocking stream
	SubmitTimeout        time.Duration // Round-trip bound for non-blocking submission
	EventStore           string        // postgres | memory
}

type Receiver struct {
	HTTPPort string // Webhook listener port
}

type Notifier struct {
	MaxAttempts     int             // Maximum notification delivery attempts
	BackoffSchedule []time.Duration // Retry backoff durations
	JitterPercent   float64         // Backoff jitter percentage (0.0-1.0)
	PublishDLQ      bool            // Whether to publish dead notifications to the DLQ topic
	Concurrency     int             // NSQ consumer concurrency
	HTTPPort        string          // Notifier HTTP metrics port
	HTTPTimeout     time.Duration   // Per-delivery HTTP timeout
}

type Auth struct {
	Enabled       bool   // JWT auth on the proxy submission surface
	PublicKeyPath string // PEM-encoded RSA public key
	JWKSURL       string // JWKS endpoint, used when no key file is given
	Issuer        string
	Audience      string
}

type FakeAgent struct {
	Port           string        // Server listen port
	Name           string        // Agent card display name
	ProgressSteps  int           // Working updates emitted before the terminal state
	StepDelay      time.Duration // Simulated work per step
	FailFirstN     int           // Number of submissions to fail initially
	CallbackRepeat int           // Times each callback is posted (duplicate delivery testing)
	Push           bool          // Advertise push notification support
	Streaming      bool          // Advertise streaming support
	ReadTimeout    time.Duration // HTTP read timeout
	WriteTimeout   time.Duration // HTTP write timeout
	IdleTimeout    time.Duration // HTTP idle timeout
}

type FakeCallback struct {
	Port       string // Server listen port
	FailFirstN int    // Number of deliveries to reject initially
	Token      string // Expected notification token; empty disables the check
}

type Config struct {
	AppName      string
	DB           DB
	NSQ          NSQ
	Proxy        Proxy
	Receiver     Receiver
	Notifier     Notifier
	Auth         Auth
	FakeAgent    FakeAgent
	FakeCallback FakeCallback
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute, 4 * time.Minute, 10 * time.Minute}
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "relayhook"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "relayhook"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:        getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:     getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			NotificationsTopic: getenv("NSQ_NOTIFICATIONS_TOPIC", "notifications"),
			DLQTopic:           getenv("NSQ_DLQ_TOPIC", "notifications_dlq"),
			NotifierChannel:    getenv("NSQ_NOTIFIER_CHANNEL", "notifiers"),
			TokenHeader:        getenv("NOTIFICATION_TOKEN_HEADER", "X-A2A-Notification-Token"),
		},
		Proxy: Proxy{
			HTTPPort:             getenv("PROXY_HTTP_PORT", ":8080"),
			PublicBaseURL:        getenv("PUBLIC_BASE_URL", "http://localhost:8082"),
			CardURL:              getenv("PROXY_CARD_URL", "http://localhost:8080"),
			DefaultTargetURL:     getenv("DEFAULT_TARGET_URL", ""),
			DefaultTargetName:    getenv("DEFAULT_TARGET_NAME", "default"),
			BlockingEventTimeout: getenvDuration("BLOCKING_EVENT_TIMEOUT", 60*time.Second),
			SubmitTimeout:        getenvDuration("SUBMIT_TIMEOUT", 10*time.Second),
			EventStore:           getenv("EVENT_STORE", "postgres"),
		},
		Receiver: Receiver{
			HTTPPort: getenv("RECEIVER_HTTP_PORT", ":8082"),
		},
		Notifier: Notifier{
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 6),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", false),
			Concurrency:     getenvInt("NOTIFIER_CONCURRENCY", 4),
			HTTPPort:        ":" + getenv("NOTIFIER_HTTP_PORT", "8083"),
			HTTPTimeout:     getenvDuration("NOTIFIER_HTTP_TIMEOUT", 15*time.Second),
		},
		Auth: Auth{
			Enabled:       getenvBool("PROXY_AUTH_ENABLED", false),
			PublicKeyPath: getenv("AUTH_PUBLIC_KEY_PATH", ""),
			JWKSURL:       getenv("AUTH_JWKS_URL", ""),
			Issuer:        getenv("AUTH_ISSUER", "relayhook-dev"),
			Audience:      getenv("AUTH_AUDIENCE", "relayhook-api"),
		},
		FakeAgent: FakeAgent{
			Port:           getenv("FAKE_AGENT_PORT", ":8090"),
			Name:           getenv("FAKE_AGENT_NAME", "Fake Target Agent"),
			ProgressSteps:  getenvInt("FAKE_AGENT_STEPS", 2),
			StepDelay:      getenvDuration("FAKE_AGENT_STEP_DELAY", 100*time.Millisecond),
			FailFirstN:     getenvInt("FAIL_FIRST_N", 0),
			CallbackRepeat: getenvInt("FAKE_AGENT_CALLBACK_REPEAT", 1),
			Push:           getenvBool("FAKE_AGENT_PUSH", true),
			Streaming:      getenvBool("FAKE_AGENT_STREAMING", true),
			ReadTimeout:    getenvDuration("FAKE_AGENT_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getenvDuration("FAKE_AGENT_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:    getenvDuration("FAKE_AGENT_IDLE_TIMEOUT", 60*time.Second),
		},
		FakeCallback: FakeCallback{
			Port:       getenv("FAKE_CALLBACK_PORT", ":8081"),
			FailFirstN: getenvInt("FAKE_CALLBACK_FAIL_FIRST_N", 0),
			Token:      getenv("FAKE_CALLBACK_TOKEN", ""),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
