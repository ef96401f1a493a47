// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup points the global logger at w and sets the global level. Format is
// "console" for human readable output or "json". An unknown level falls back
// to info; verbose forces debug.
func Setup(w io.Writer, level, format string, verbose bool) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch format {
	case "", "console":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
	case "json":
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
