package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/target/portal-auth/config"
	"github.com/target/portal-auth/internal/observability/notify/pagerduty"
	"github.com/target/portal-auth/internal/observability/notify/slack"
	"github.com/target/portal-auth/internal/service/failurenotifier"
)

// BuildFailureNotifier wires the enabled incident sinks. With no sink enabled the
// returned service is a no-op.
func BuildFailureNotifier(cfg config.NotificationsConfig, logger *slog.Logger) (*failurenotifier.Service, error) {
	var sinks []failurenotifier.SinkRegistration

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL: cfg.Slack.WebhookURL,
			Channel:    cfg.Slack.Channel,
			Username:   cfg.Slack.Username,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("slack notifier: %w", err)
		}
		sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Endpoint:   cfg.PagerDuty.Endpoint,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("pagerduty notifier: %w", err)
		}
		sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
	}

	if logger != nil && len(sinks) > 0 {
		names := make([]string, 0, len(sinks))
		for _, s := range sinks {
			names = append(names, s.Name)
		}
		logger.Info("incident notifications enabled", "sinks", names)
	}
	return failurenotifier.NewService(failurenotifier.Options{Logger: logger, Sinks: sinks}), nil
}
