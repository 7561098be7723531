package cmd

import (
	"context"
	"fmt"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/core/store"
)

func openStore(ctx context.Context) (store.Store, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return store.Open(ctx, cfg.Store)
}
