package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/rollcall/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restore(t *testing.T) {
	level, out, formatter := log.GetLevel(), log.StandardLogger().Out, log.StandardLogger().Formatter
	t.Cleanup(func() {
		log.SetLevel(level)
		log.SetOutput(out)
		log.SetFormatter(formatter)
	})
}

func TestInit_LevelAndFile(t *testing.T) {
	restore(t)
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "rollcall.log")

	closer := initWith(config.LogConfig{Level: "debug", File: path}, &console)
	log.WithField("frame", 7).Info("hello")
	require.NoError(t, closer.Close())

	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.Contains(t, console.String(), "hello")
	assert.Contains(t, console.String(), "frame=7")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestInit_BadLevelFallsBack(t *testing.T) {
	restore(t)
	var console bytes.Buffer
	closer := initWith(config.LogConfig{Level: "chatty"}, &console)
	assert.NoError(t, closer.Close())
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}
