package task

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/detectk/detectd/internal/alerting"
	"github.com/detectk/detectd/internal/config"
	"github.com/detectk/detectd/internal/detector"
	"github.com/detectk/detectd/internal/loader"
	"github.com/detectk/detectd/internal/query"
	"github.com/detectk/detectd/internal/source"
	"github.com/detectk/detectd/internal/store"
)

// BuildMetric assembles a runnable metric from its validated config, the
// available source clients, and the engine store.
func BuildMetric(cfg *config.MetricConfig, clients map[string]source.Client, st store.Store, log *zap.Logger) (*Metric, error) {
	client, ok := clients[cfg.Source]
	if !ok {
		return nil, fmt.Errorf("metric %q: unknown source profile %q", cfg.Name, cfg.Source)
	}

	tmpl, err := query.New(cfg.Query)
	if err != nil {
		return nil, fmt.Errorf("metric %q: %w", cfg.Name, err)
	}

	ld := loader.New(loader.Config{
		MetricName:         cfg.Name,
		Interval:           cfg.ParsedInterval,
		SeasonalityColumns: cfg.Seasonality,
		QueryContext:       cfg.QueryContext,
		Lookback:           cfg.Lookback,
		FillGaps:           cfg.FillGaps,
	}, tmpl, client, st, log)

	detectors, err := cfg.BuildDetectors()
	if err != nil {
		return nil, fmt.Errorf("metric %q: %w", cfg.Name, err)
	}

	orchestrator, err := buildOrchestrator(cfg, st, log)
	if err != nil {
		return nil, err
	}

	return &Metric{
		Config:        cfg,
		Loader:        ld,
		Detectors:     detectors,
		Orchestrator:  orchestrator,
		HistoryWindow: historySpan(cfg),
	}, nil
}

// historySpan sizes the detect step's history read so the largest rolling
// window is full: the biggest detector window times the metric interval.
func historySpan(cfg *config.MetricConfig) time.Duration {
	maxWindow := 1
	for _, dc := range cfg.Detectors {
		w := 0
		switch dc.Type {
		case "mad":
			w = detector.DefaultMADParams().WindowSize
		case "zscore":
			w = detector.DefaultZScoreParams().WindowSize
		case "iqr":
			w = detector.DefaultIQRParams().WindowSize
		}
		if v, ok := dc.Params["window_size"]; ok {
			switch n := v.(type) {
			case int:
				w = n
			case int64:
				w = int(n)
			case float64:
				w = int(n)
			}
		}
		if w > maxWindow {
			maxWindow = w
		}
	}
	return time.Duration(maxWindow) * cfg.ParsedInterval.Duration()
}

func buildOrchestrator(cfg *config.MetricConfig, st store.Store, log *zap.Logger) (*alerting.Orchestrator, error) {
	var channels []alerting.Channel
	for _, cc := range cfg.Alert.Channels {
		switch cc.Type {
		case "webhook":
			ch, err := alerting.NewWebhookChannel(alerting.WebhookConfig{
				URL:     cc.WebhookURL,
				Headers: cc.Headers,
				Timeout: cc.Timeout,
			}, log)
			if err != nil {
				return nil, fmt.Errorf("metric %q: %w", cfg.Name, err)
			}
			channels = append(channels, ch)
		case "mattermost":
			ch, err := alerting.NewMattermostChannel(alerting.MattermostConfig{
				URL:      cc.WebhookURL,
				Channel:  cc.Channel,
				Username: cc.Username,
			}, log)
			if err != nil {
				return nil, fmt.Errorf("metric %q: %w", cfg.Name, err)
			}
			channels = append(channels, ch)
		default:
			return nil, fmt.Errorf("metric %q: unknown channel type %q", cfg.Name, cc.Type)
		}
	}

	var loc *time.Location
	if cfg.Alert.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Alert.Timezone)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", cfg.Name, err)
		}
	}
	formatter, err := alerting.NewFormatter(cfg.Alert.Template, loc)
	if err != nil {
		return nil, fmt.Errorf("metric %q: %w", cfg.Name, err)
	}

	cond := alerting.Conditions{
		MinDetectors: cfg.Alert.MinDetectors,
		Direction:    cfg.Alert.Direction,
		Consecutive:  cfg.Alert.ConsecutiveAnomalies,
		NoDataAlert:  cfg.Alert.NoDataAlert,
	}
	return alerting.NewOrchestrator(st, channels, cond, formatter, cfg.Alert.Cooldown, log), nil
}
