package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restore(t *testing.T) {
	logger, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = logger
		zerolog.SetGlobalLevel(level)
	})
}

func TestSetupJSON(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	require.NoError(t, Setup(&buf, "warn", "json", false))

	log.Info().Msg("hidden")
	log.Warn().Str("port", "COM3").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "COM3", entry["port"])
	assert.Equal(t, "warn", entry["level"])
}

func TestSetupConsole(t *testing.T) {
	restore(t)
	var buf bytes.Buffer
	require.NoError(t, Setup(&buf, "", "console", false))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	log.Debug().Msg("hidden")
	log.Info().Msg("uploading")
	assert.Contains(t, buf.String(), "uploading")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestSetupLevels(t *testing.T) {
	restore(t)
	var buf bytes.Buffer

	require.NoError(t, Setup(&buf, "error", "json", true))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel(), "verbose wins")

	require.NoError(t, Setup(&buf, "loud", "json", false))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	assert.Error(t, Setup(&buf, "info", "xml", false))
}
