package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Mattermost incoming-webhook defaults.
const (
	mattermostUsername = "detectk"
	mattermostIcon     = ":warning:"
	mattermostTimeout  = 10 * time.Second
)

// MattermostConfig configures a Mattermost incoming webhook.
type MattermostConfig struct {
	URL      string `mapstructure:"webhook_url" yaml:"webhook_url"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
	Username string `mapstructure:"username" yaml:"username"`
}

// mattermostPayload is the incoming-webhook wire format.
type mattermostPayload struct {
	Text      string `json:"text"`
	Username  string `json:"username"`
	IconEmoji string `json:"icon_emoji"`
	Channel   string `json:"channel,omitempty"`
}

// MattermostChannel posts the alert text to a Mattermost incoming webhook.
type MattermostChannel struct {
	cfg    MattermostConfig
	client *http.Client
	log    *zap.Logger
}

// NewMattermostChannel validates the config and builds the channel.
func NewMattermostChannel(cfg MattermostConfig, log *zap.Logger) (*MattermostChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: webhook_url is required", ErrBadChannel)
	}
	if cfg.Username == "" {
		cfg.Username = mattermostUsername
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MattermostChannel{
		cfg:    cfg,
		client: &http.Client{Timeout: mattermostTimeout},
		log:    log,
	}, nil
}

func (c *MattermostChannel) Name() string { return "mattermost" }

func (c *MattermostChannel) Send(ctx context.Context, msg Message) bool {
	body, err := json.Marshal(mattermostPayload{
		Text:      msg.Text,
		Username:  c.cfg.Username,
		IconEmoji: mattermostIcon,
		Channel:   c.cfg.Channel,
	})
	if err != nil {
		c.log.Error("marshal mattermost payload", zap.Error(err))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		c.log.Error("build mattermost request", zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("mattermost delivery failed", zap.String("metric", msg.MetricName), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("mattermost delivery rejected",
			zap.String("metric", msg.MetricName),
			zap.Int("status", resp.StatusCode),
		)
		return false
	}
	return true
}
