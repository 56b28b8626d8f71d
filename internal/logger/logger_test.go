package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrettyFormatterSortsFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, logrus.InfoLevel)
	log.SetFormatter(&PrettyFormatter{NoColor: true})

	log.WithFields(logrus.Fields{"port": 20001, "listener": "/x/chat"}).Info("Listener ready")

	line := buf.String()
	assert.Contains(t, line, "INFO  Listener ready listener=/x/chat port=20001")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, logrus.WarnLevel)

	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"INFO", logrus.InfoLevel},
		{"", logrus.InfoLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
	}

	for _, tt := range tests {
		lvl, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, lvl)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
