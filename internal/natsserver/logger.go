package natsserver

import "github.com/rs/zerolog"

// natsLogger adapts zerolog to the nats server.Logger interface.
type natsLogger struct {
	logger zerolog.Logger
}

func newNATSLogger(l zerolog.Logger) *natsLogger {
	return &natsLogger{logger: l.With().Str("component", "nats").Logger()}
}

func (n *natsLogger) Noticef(format string, v ...any) { n.logger.Info().Msgf(format, v...) }
func (n *natsLogger) Warnf(format string, v ...any)   { n.logger.Warn().Msgf(format, v...) }
func (n *natsLogger) Fatalf(format string, v ...any)  { n.logger.Fatal().Msgf(format, v...) }
func (n *natsLogger) Errorf(format string, v ...any)  { n.logger.Error().Msgf(format, v...) }
func (n *natsLogger) Debugf(format string, v ...any)  { n.logger.Debug().Msgf(format, v...) }
func (n *natsLogger) Tracef(format string, v ...any)  { n.logger.Trace().Msgf(format, v...) }
