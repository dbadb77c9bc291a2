package lg

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBindFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := BindFlags(fs, "fleetctl")
	require.NoError(t, fs.Parse([]string{"--debug", "--log-format", "json"}))

	assert.Equal(t, &Config{ServiceName: "fleetctl", Debug: true, Format: "json"}, cfg)
	assert.NotNil(t, New(cfg))
}

func TestContextRoundTrip(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := FromZap(zap.New(core)).With(String("exec", "42"))

	ctx := Attach(context.Background(), logger)
	FromContext(ctx).Warn("slow host", Err(errors.New("timeout")))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "slow host", entry.Message)
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "42", entry.ContextMap()["exec"])
	assert.Equal(t, "timeout", entry.ContextMap()["error"])
}

func TestFromContextFallsBack(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	assert.NotNil(t, FromContext(nil)) //nolint:staticcheck
}

func TestFlatten(t *testing.T) {
	out := flatten(String("host", "pc1"), Int("port", 22))
	assert.Contains(t, out, "pc1")
	assert.Contains(t, out, "22")
	assert.Empty(t, flatten())
}
