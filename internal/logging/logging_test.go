package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestNew_NoSinkWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LogConfig{Level: "warn"}, &buf)

	logger.Info().Msg("dropped")
	positionLogger := WithPosition(logger, "01HX", "alice", "INFY")
	positionLogger.Warn().Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "01HX", entry["position_id"])
	assert.Equal(t, "alice", entry["owner"])
	assert.Equal(t, "INFY", entry["symbol"])
}

func TestNew_ConsoleLabelsLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LogConfig{Level: "debug", Console: true}, &buf)

	logger.Debug().Msg("tick")
	logger.Error().Msg("boom")

	out := buf.String()
	assert.Contains(t, out, "DBG")
	assert.Contains(t, out, "ERR")
	assert.Contains(t, out, "boom")
}

func TestNew_FileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "trader.log")
	var console bytes.Buffer
	logger := newLogger(LogConfig{Level: "info", File: true, FilePath: path, MaxSize: 1}, &console)

	LogExit(WithOrderID(logger, "ORD-1"), "ORD-1", "stop_loss", 95, 94.5)
	LogRecovery(WithOwner(logger, "bob"), "bob", "refresh", errors.New("token expired"))
	LogAPICall(logger, "POST", "/rest/secure/angelbroking/order/v1/placeOrder", time.Millisecond, nil)

	assert.Empty(t, console.String())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2, "api calls log at debug")

	var exit, recovery map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &exit))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &recovery))

	assert.Equal(t, "exit", exit["event"])
	assert.Equal(t, 94.5, exit["fill_price"])
	assert.Equal(t, "warn", recovery["level"])
	assert.Equal(t, false, recovery["ok"])
	assert.Equal(t, "token expired", recovery["error"])
}
