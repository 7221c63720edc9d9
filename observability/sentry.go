package observability

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/hannes/yaak-deid/config"
)

// Reporter forwards errors to Sentry. The zero value and a Reporter built
// without a DSN are no-ops.
type Reporter struct {
	enabled bool
}

// NewReporter initialises the Sentry client when a DSN is configured.
func NewReporter(cfg config.SentryConfig, release string) (*Reporter, error) {
	if cfg.DSN == "" {
		return &Reporter{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     release,
		SampleRate:  cfg.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise sentry: %w", err)
	}
	return &Reporter{enabled: true}, nil
}

// Enabled reports whether errors are forwarded.
func (r *Reporter) Enabled() bool {
	return r != nil && r.enabled
}

// Capture reports err with the given tags. Tags must never carry PII.
func (r *Reporter) Capture(err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent.
func (r *Reporter) Flush(timeout time.Duration) {
	if r.Enabled() {
		sentry.Flush(timeout)
	}
}
