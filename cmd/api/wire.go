//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/nodelab/cmd/api/api"
	"github.com/onkernel/nodelab/cmd/api/config"
	"github.com/onkernel/nodelab/lib/images"
	"github.com/onkernel/nodelab/lib/lifecycle"
	"github.com/onkernel/nodelab/lib/otel"
	"github.com/onkernel/nodelab/lib/providers"
)

// application struct to hold initialized components
type application struct {
	Ctx          context.Context
	Logger       *slog.Logger
	Config       *config.Config
	Otel         *otel.Provider
	ImageManager images.Manager
	NodeManager  lifecycle.Manager
	ApiService   *api.ApiService
}

// initializeApp is the injector function
func initializeApp() (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideConfig,
		providers.ProvideOtel,
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvidePaths,
		providers.ProvideDB,
		providers.ProvideImageManager,
		providers.ProvideNodeRegistry,
		providers.ProvideOverlayStore,
		providers.ProvidePortPool,
		providers.ProvideSupervisor,
		providers.ProvideGateway,
		providers.ProvideNodeManager,
		api.New,
		wire.Struct(new(application), "*"),
	))
}
