package common

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupLogger_Level(t *testing.T) {
	ctx := context.Background()

	log := SetupLogger(&LoggingOpts{Service: "vault", Version: Version})
	assert.False(t, log.Enabled(ctx, slog.LevelDebug))
	assert.True(t, log.Enabled(ctx, slog.LevelInfo))

	log = SetupLogger(&LoggingOpts{Debug: true, JSON: true})
	assert.True(t, log.Enabled(ctx, slog.LevelDebug))
}
