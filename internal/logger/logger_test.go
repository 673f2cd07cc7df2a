package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New("development", &buf), "cache")

	log.Debug().Str("key", "home-exams-8").Msg("cache miss")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "cache", line["component"])
	assert.Equal(t, "home-exams-8", line["key"])
	assert.Equal(t, "cache miss", line["message"])
	assert.Contains(t, line, "time")
}

func TestNew_ProductionDropsDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New("production", &buf)

	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
