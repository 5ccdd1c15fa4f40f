package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &m), l)
		out = append(out, m)
	}
	return out
}

func TestLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelInfo)

	Debug("hidden")
	Info("venue scraped", "venue", "The Venue", "count", 3)
	Warn("skipping", "index", 1, 42, "dropped-key")
	Error("publish failed", errors.New("boom"), "title", "Jazz Night")

	got := lines(t, &buf)
	require.Len(t, got, 3)

	assert.Equal(t, "info", got[0]["level"])
	assert.Equal(t, "venue scraped", got[0]["message"])
	assert.Equal(t, "The Venue", got[0]["venue"])
	assert.Equal(t, float64(3), got[0]["count"])
	assert.NotEmpty(t, got[0]["time"])

	assert.Equal(t, "warn", got[1]["level"])
	assert.Equal(t, float64(1), got[1]["index"])

	assert.Equal(t, "error", got[2]["level"])
	assert.Equal(t, "boom", got[2]["err"])
	assert.Equal(t, "Jazz Night", got[2]["title"])
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	Info("quiet")
	Warn("loud")

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "loud", got[0]["message"])
}

func TestSetupWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "scraper.log")
	require.NoError(t, Setup(Options{File: path, Level: LevelDebug}))

	Debug("to file", "run", "abc")
	require.NoError(t, Close())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"message":"to file"`)
	assert.Contains(t, string(body), `"run":"abc"`)

	assert.NoError(t, Close())
}
