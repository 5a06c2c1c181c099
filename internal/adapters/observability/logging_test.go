package observability

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "production", "warn")
	assert.Equal(t, zerolog.WarnLevel, l.GetLevel())

	l.Info().Msg("dropped")
	l.Warn().Str("reference", "abc123").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "campus-listings", line["service"])
	assert.Equal(t, "production", line["env"])

	assert.Equal(t, zerolog.InfoLevel, newLogger(io.Discard, "dev", "").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, newLogger(io.Discard, "dev", "loud").GetLevel())
	assert.True(t, IsDev(" Development "))
	assert.False(t, IsDev("staging"))
}
