package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "api", "prod")
	l.Info().Str("hub_id", "hub-1").Msg("hub registered")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "api", line["component"])
	assert.Equal(t, "hub-1", line["hub_id"])
	assert.Equal(t, "hub registered", line["message"])
	assert.Contains(t, line, "time")
}

func TestNew_DevConsole(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "ingestor", "DEV")
	l.Warn().Msg("broker unreachable")

	assert.Contains(t, buf.String(), "broker unreachable")
	assert.Contains(t, buf.String(), "component=")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestSetup_Level(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Setup("api", "prod", "warn")
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	Setup("api", "prod", "loud")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
