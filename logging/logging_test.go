package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup("debug", "json", buf)
	defer Setup("info", "text", nil)

	logger := New("reader")
	logger.Debug().Int64("batch_id", 7).Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "reader", entry["component"])
	require.Equal(t, "hello", entry["message"])
	require.EqualValues(t, 7, entry["batch_id"])
}

func TestSetup_Level(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup("warn", "json", buf)
	defer Setup("info", "text", nil)

	logger := New("test")
	logger.Info().Msg("dropped")
	require.Equal(t, 0, buf.Len())
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestFromContext_RequestID(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup("info", "json", buf)
	defer Setup("info", "text", nil)

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	logger := FromContext(ctx)
	logger.Info().Msg("x")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "req-1", entry["request_id"])
}
