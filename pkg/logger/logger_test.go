package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	l, err := New("debug", "json")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	l, err = New("warn", "console")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))

	_, err = New("loud", "json")
	assert.Error(t, err)

	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestContextLoggerFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRequestID(WithUserID(context.Background(), "u1"), "req-1")
	cl.LogRequest(ctx, "GET", "/health", 200, 3)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "u1", fields["user_id"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "GET", fields["method"])
	assert.Equal(t, "req-1", RequestID(ctx))
}

func TestContextLoggerWithoutFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	cl.Sugar(context.Background()).Infow("hello", "k", "v")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "v", logs.All()[0].ContextMap()["k"])
}
