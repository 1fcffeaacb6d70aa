package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/taskhook/internal/logging"
	"github.com/austindbirch/taskhook/internal/metrics"
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

// Monitor polls nsqd /stats and exports channel depth for the relayed topics.
type Monitor struct {
	nsqdHTTPAddr string
	topics       map[string]bool
	channel      string
	interval     time.Duration
	client       *http.Client
	logger       *logging.Logger
}

func NewMonitor(nsqdHTTPAddr string, topics []string, channel string, interval time.Duration, logger *logging.Logger) *Monitor {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	if !strings.HasPrefix(nsqdHTTPAddr, "http://") && !strings.HasPrefix(nsqdHTTPAddr, "https://") {
		nsqdHTTPAddr = "http://" + nsqdHTTPAddr
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		nsqdHTTPAddr: strings.TrimSuffix(nsqdHTTPAddr, "/"),
		topics:       set,
		channel:      channel,
		interval:     interval,
		client:       &http.Client{Timeout: 5 * time.Second},
		logger:       logger,
	}
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.poll(ctx); err != nil {
				m.logger.Plain().WithError(err).Error("Failed to update NSQ backlog metrics")
			}
		}
	}
}

func (m *Monitor) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.nsqdHTTPAddr+"/stats?format=json", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if !m.topics[topic.TopicName] {
			continue
		}
		for _, channel := range topic.Channels {
			if m.channel != "" && channel.ChannelName != m.channel {
				continue
			}
			metrics.UpdateNSQTopicDepth(topic.TopicName, channel.ChannelName, float64(channel.Depth))
		}
	}
	return nil
}
