package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"":        InfoLevel,
		"DEBUG":   DebugLevel,
		" info ":  InfoLevel,
		"warning": WarnLevel,
		"warn":    WarnLevel,
		"error":   ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestZapLoggerWithFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLogger(zap.New(core)).With(Fields{"component": "dtls_server"})

	l.Info("session established", Fields{"peer": "127.0.0.1:5684"})
	l.Debug("dropped", nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "session established", entries[0].Message)
	assert.Equal(t, "dtls_server", ctx["component"])
	assert.Equal(t, "127.0.0.1:5684", ctx["peer"])
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
}

func TestPionLoggerFactory(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := PionLoggerFactory(NewZapLogger(zap.New(core)))

	pl := f.NewLogger("dtls")
	pl.Tracef("ignored %d", 1)
	pl.Warnf("discarded broken packet: %v", "bad mac")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "discarded broken packet: bad mac", entries[0].Message)
	assert.Equal(t, "dtls", entries[0].ContextMap()["pion_scope"])
}
