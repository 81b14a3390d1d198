package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HTTPLogger returns the request logger for an admin surface, tagged with app.
func HTTPLogger(app string) zerolog.Logger {
	return log.Logger.With().Str("app", app).Logger()
}
