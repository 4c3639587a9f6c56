package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONAndAutoWriteJSON(t *testing.T) {
	for _, format := range []string{"json", "auto"} {
		var buf bytes.Buffer
		log := New(&buf, "info", format)
		log.Info().Str("session_id", "abc").Msg("Section submitted")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line), format)
		assert.Equal(t, "abc", line["session_id"])
		assert.Equal(t, "Section submitted", line["message"])
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "loud", "json")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
