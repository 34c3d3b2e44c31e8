package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger tags the process logger with app and node so lines from
// several nodes on one host can be told apart. Call it after the logging
// profile is configured.
func InitLogger(app, node string) zerolog.Logger {
	logger := log.Logger.With().Str("app", app).Str("node", node).Logger()
	log.Logger = logger
	return logger
}
