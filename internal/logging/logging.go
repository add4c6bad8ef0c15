// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the global logger. APP_ENV=dev switches to console output;
// every other environment gets JSON lines. All lines carry the component.
func Setup(component, env, level string) zerolog.Logger {
	l := New(os.Stdout, component, env)
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = l
	return l
}

func New(out io.Writer, component, env string) zerolog.Logger {
	if strings.ToLower(env) == "dev" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Str("component", component).Logger()
}
