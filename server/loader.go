package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mdobak/go-xerrors"
	"github.com/san-kum/stroke-risk/server/config"
	"github.com/san-kum/stroke-risk/server/handlers"
	"github.com/san-kum/stroke-risk/server/ml"
	"github.com/san-kum/stroke-risk/server/registry"
	"go.uber.org/zap"
)

// newModelLoader returns the loader used at startup and by the admin reload
// endpoint, so both always read the same source.
func newModelLoader(cfg config.ModelConfig, store *registry.Store, logger *zap.Logger) handlers.ModelLoader {
	return func(ctx context.Context) (*ml.Bundle, error) {
		switch {
		case cfg.Source == config.SourceRegistry:
			if store == nil {
				return nil, fmt.Errorf("model registry is not open")
			}
			bundle, err := store.LoadBundle(ctx, cfg.RegistryVersion)
			if err != nil {
				return nil, xerrors.New(err)
			}
			return bundle, nil

		case cfg.Backend == config.BackendRemote:
			metadata, err := os.ReadFile(cfg.MetadataPath)
			if err != nil {
				return nil, xerrors.New(fmt.Errorf("failed to read model metadata: %w", err))
			}
			client, err := ml.NewClient(cfg.RemoteURL, &ml.ClientConfig{
				Timeout:             cfg.Timeout,
				MaxRetries:          cfg.MaxRetries,
				RetryDelay:          cfg.RetryDelay,
				HealthCheckInterval: cfg.HealthCheckInterval,
			}, logger)
			if err != nil {
				return nil, xerrors.New(err)
			}
			bundle, err := ml.NewRemoteBundle(client, metadata, cfg.RemoteURL)
			if err != nil {
				client.Close()
				return nil, err
			}
			return bundle, nil

		default:
			return ml.LoadBundleFromFiles(cfg.ArtifactPath, cfg.MetadataPath)
		}
	}
}
