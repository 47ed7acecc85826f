package notifier

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerTransport writes notifications to the structured log. Danger maps to
// warn and critical to error.
type LoggerTransport struct {
	logger zerolog.Logger
}

func NewLoggerTransport(logger zerolog.Logger) *LoggerTransport {
	return &LoggerTransport{logger: logger.With().Str("component", "alerts").Logger()}
}

func (t *LoggerTransport) Name() string { return "logger" }

func (t *LoggerTransport) Send(_ context.Context, rec Record) error {
	var ev *zerolog.Event
	switch rec.Level {
	case LevelCritical:
		ev = t.logger.Error()
	case LevelDanger:
		ev = t.logger.Warn()
	default:
		ev = t.logger.Info()
	}
	ev.Str("alert_level", string(rec.Level)).
		Str("bot_type", string(rec.BotType)).
		Str("address", rec.Address).
		Str("title", rec.Title).
		Msg(rec.Description)
	return nil
}
