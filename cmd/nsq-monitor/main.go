package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// watchedTopics names the notification queue topology to monitor.
type watchedTopics struct {
	notifications string
	dlq           string
	channel       string
}

var (
	// Notifications waiting for the notifier workers. This gauge lives in a
	// standalone sidecar so it stays visible while the notifier itself is down,
	// which is exactly when the backlog grows.
	notificationBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relayhook_notification_backlog",
		Help: "Number of notifications waiting in the notifier channel",
	})

	// Dead letter depth is tracked at the topic level because nothing
	// consumes the DLQ in normal operation.
	dlqDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relayhook_dlq_depth",
		Help: "Number of notifications parked in the dead letter topic",
	})

	// Channel-specific metrics
	channelDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayhook_nsq_channel_depth",
		Help: "Depth of NSQ channels by topic and channel",
	}, []string{"topic", "channel"})

	channelInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayhook_nsq_channel_inflight",
		Help: "In-flight messages for NSQ channels by topic and channel",
	}, []string{"topic", "channel"})
)

func init() {
	prometheus.MustRegister(notificationBacklog)
	prometheus.MustRegister(dlqDepth)
	prometheus.MustRegister(channelDepth)
	prometheus.MustRegister(channelInflight)
}

func main() {
	nsqdHost := getEnv("NSQD_HOST", "nsqd:4151")
	port := getEnv("PORT", "8085")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)

	watched := watchedTopics{
		notifications: getEnv("NSQ_NOTIFICATIONS_TOPIC", "notifications"),
		dlq:           getEnv("NSQ_DLQ_TOPIC", "notifications_dlq"),
		channel:       getEnv("NSQ_NOTIFIER_CHANNEL", "notifiers"),
	}

	log.Printf("NSQ Monitor starting on port %s", port)
	log.Printf("Monitoring NSQ at %s every %d seconds (topics: %s, %s)", nsqdHost, interval, watched.notifications, watched.dlq)

	// Start metrics collection in background
	go collectMetrics(nsqdHost, watched, time.Duration(interval)*time.Second)

	// Expose metrics endpoint
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	log.Fatal(http.ListenAndServe(":"+port, nil))
}

func collectMetrics(nsqdHost string, watched watchedTopics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := updateMetrics(nsqdHost, watched); err != nil {
			log.Printf("Error updating metrics: %v", err)
		}
	}
}

func updateMetrics(nsqdHost string, watched watchedTopics) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHost))
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	// Update metrics
	for _, topic := range stats.Topics {
		switch topic.TopicName {
		case watched.notifications:
			for _, channel := range topic.Channels {
				if channel.ChannelName == watched.channel {
					notificationBacklog.Set(float64(channel.Depth))
				}
				channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
				channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
			}
		case watched.dlq:
			dlqDepth.Set(float64(topic.Depth))
			for _, channel := range topic.Channels {
				channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
				channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
			}
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
