package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{
			name:   "default config",
			config: nil,
		},
		{
			name: "custom json config",
			config: &Config{
				Level:  "debug",
				Format: "json",
			},
		},
		{
			name: "console config",
			config: &Config{
				Level:  "info",
				Format: "console",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.config)
			assert.NotNil(t, logger)
		})
	}
}

func TestLogger_JSONOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(&Config{Level: "debug", Format: "json", Output: buf})

	logger.Info("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestLogger_WithDesignator(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(&Config{Level: "debug", Format: "json", Output: buf})

	logger.WithDesignator("acuranzo/lead").Warn("queue draining")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "acuranzo/lead", entry["queue"])
	assert.Equal(t, "queue draining", entry["message"])
}

func TestLogger_ErrorWith(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(&Config{Level: "debug", Format: "json", Output: buf})

	logger.ErrorWith("migration failed", errors.New("boom"), map[string]any{
		"migration": 7,
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "boom", entry["error"])
	assert.EqualValues(t, 7, entry["migration"])
}

func TestLogger_FieldChaining(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(&Config{Level: "debug", Format: "json", Output: buf})

	child := logger.With().Str("database", "main").Int("workers", 3).Logger()
	child.Debug("spawned")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "main", entry["database"])
	assert.EqualValues(t, 3, entry["workers"])
}
