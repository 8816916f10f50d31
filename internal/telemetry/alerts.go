package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry enables failure reporting when a DSN is configured. The returned
// function flushes buffered events and must be called on shutdown.
func InitSentry(dsn, env string) (func(), error) {
	if dsn == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env,
	}); err != nil {
		return func() {}, err
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// ReportFailure sends a terminal job failure to Sentry with its identifying tags.
// It is a no-op when Sentry was not initialised.
func ReportFailure(err error, tags map[string]string) {
	if err == nil || sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}
