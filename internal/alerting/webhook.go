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

// defaultWebhookTimeout bounds one delivery attempt.
const defaultWebhookTimeout = 10 * time.Second

// WebhookConfig configures a generic JSON webhook channel.
type WebhookConfig struct {
	URL     string            `mapstructure:"webhook_url" yaml:"webhook_url"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
}

// WebhookChannel POSTs the alert as JSON to an arbitrary endpoint.
type WebhookChannel struct {
	cfg    WebhookConfig
	client *http.Client
	log    *zap.Logger
}

// NewWebhookChannel validates the config and builds the channel.
func NewWebhookChannel(cfg WebhookConfig, log *zap.Logger) (*WebhookChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: webhook_url is required", ErrBadChannel)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookChannel{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}, nil
}

func (c *WebhookChannel) Name() string { return "webhook" }

// Send delivers the full message as a JSON body. Any 2xx response counts as
// delivered.
func (c *WebhookChannel) Send(ctx context.Context, msg Message) bool {
	body, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal webhook payload", zap.Error(err))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		c.log.Error("build webhook request", zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("webhook delivery failed", zap.String("metric", msg.MetricName), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("webhook delivery rejected",
			zap.String("metric", msg.MetricName),
			zap.Int("status", resp.StatusCode),
		)
		return false
	}
	return true
}
