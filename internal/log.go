package internal

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
)

var _logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Formatter:       format(),
})

// format uses pretty output on TTYs and logfmt otherwise.
func format() log.Formatter {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return log.TextFormatter
	}
	return log.LogfmtFormatter
}

// SetLogLevel adjusts the process-wide log level.
func SetLogLevel(l log.Level) {
	_logger.SetLevel(l)
}

// Log returns a logger scoped to the current request, if there is one.
// Background tasks should stash their own identifier on the context so their
// records remain greppable.
func Log(ctx context.Context) *log.Logger {
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok && id != "" {
		return _logger.With("requestID", id)
	}
	return _logger
}
