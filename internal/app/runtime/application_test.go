package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core-sub006/pkg/config"
)

func TestApplicationWiresInMemoryWithoutDSN(t *testing.T) {
	cfg := config.New()
	cfg.Database.DSN = ""
	cfg.Database.Host = ""

	app, err := NewApplicationWithConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, app.Store)
	require.NotNil(t, app.Dispatcher)
	require.NotNil(t, app.Scheduler)
	require.NotNil(t, app.Queue)
	require.NotNil(t, app.Alerts)
	require.NotNil(t, app.Backfill)
	require.NotNil(t, app.API)

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(stopCtx))
}

func TestApplicationRejectsUnknownDriver(t *testing.T) {
	cfg := config.New()
	cfg.Database.Driver = "mysql"
	cfg.Database.DSN = "user@tcp(localhost)/spine"

	_, err := NewApplicationWithConfig(cfg)
	require.Error(t, err)
}
