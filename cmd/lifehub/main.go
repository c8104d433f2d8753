// Command lifehub runs the PocketBase server with per-user field encryption
// on the configured collections.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"

	"lifehub/internal/config"
	"lifehub/internal/platform"
	"lifehub/pbhooks"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := platform.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()
	if err := p.StartRenewer(ctx); err != nil {
		return err
	}

	app := pocketbase.New()

	hooks, err := pbhooks.New(p.Keys, nil, pbhooks.Options{
		Collections: collectionConfigs(cfg.Collections),
		Logger:      logger.With(slog.String("component", "pbhooks")),
	})
	if err != nil {
		return fmt.Errorf("configuring encryption hooks: %w", err)
	}
	hooks.Register(app)
	hooks.RegisterRoutes(app)

	app.OnBootstrap().BindFunc(func(e *core.BootstrapEvent) error {
		if err := e.Next(); err != nil {
			return err
		}
		return hooks.EnsureSchema(e.App)
	})

	app.RootCmd.AddCommand(
		newKeysCommand(p.Keys, func() dataKeyStore { return hooks.RecordDataKeys(app) }),
		newBackfillCommand(func(ctx context.Context, req pbhooks.BackfillRequest) (*pbhooks.BackfillResult, error) {
			return hooks.Backfill(ctx, app, req)
		}),
	)

	return app.Start()
}

func collectionConfigs(cols []config.Collection) []pbhooks.CollectionConfig {
	out := make([]pbhooks.CollectionConfig, 0, len(cols))
	for _, c := range cols {
		out = append(out, pbhooks.CollectionConfig{
			Collection: c.Name,
			OwnerField: c.OwnerField,
			Fields:     c.Fields,
		})
	}
	return out
}
