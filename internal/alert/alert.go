// Package alert delivers pool capacity alerts to operators.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/cidrd/internal/metrics"
)

// Sender delivers a single alert.
type Sender interface {
	Alert(ctx context.Context, subject, message string) error
}

// Options selects and tunes the sender built by New.
type Options struct {
	// Destination is an SNS topic ARN, an http(s) webhook URL, or empty for
	// log-only alerts.
	Destination string

	// Webhook delivery settings, ignored for other destinations. Zero values
	// select the WebhookSender defaults.
	WebhookSecret string
	Timeout       time.Duration
	Retries       int
}

// New picks a sender from the shape of opts.Destination. sess is only needed
// for SNS destinations.
func New(opts Options, sess *session.Session, logger *zap.Logger) (Sender, error) {
	destination := opts.Destination
	switch {
	case destination == "":
		return NewLogSender(logger), nil
	case strings.HasPrefix(destination, "arn:"):
		if sess == nil {
			return nil, fmt.Errorf("alert destination %s requires an aws session", destination)
		}
		return NewSNSSender(sns.New(sess), destination, logger), nil
	case strings.HasPrefix(destination, "http://"), strings.HasPrefix(destination, "https://"):
		return NewWebhookSender(WebhookConfig{
			URL:     destination,
			Timeout: opts.Timeout,
			Retries: opts.Retries,
			Secret:  opts.WebhookSecret,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported alert destination %q", destination)
	}
}

// LogSender writes alerts to the log only.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-only sender
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Alert(_ context.Context, subject, message string) error {
	s.logger.Warn("capacity alert", zap.String("subject", subject), zap.String("message", message))
	recordResult("log", nil)
	return nil
}

func recordResult(sender string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.CapacityAlerts.WithLabelValues(sender, result).Inc()
}
