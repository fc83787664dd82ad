package oapi

import (
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/omniforge/orch/pkg/identity"
	"github.com/rs/cors"
)

type Api struct {
	Api    huma.API
	Router *chi.Mux
}

type Options struct {
	// Verifier authenticates bearer tokens. Without one every request is
	// anonymous, which is what the openapi generator wants.
	Verifier    identity.Verifier
	CORSOrigins []string
	Logger      *slog.Logger
}

func NewApi(opts Options) *Api {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}).Handler)
	}

	if opts.Verifier != nil {
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		router.Use(identity.Middleware(opts.Verifier, logger))
	}

	config := huma.DefaultConfig("orch API", "1.0.0")

	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
			Description:  "HS256 token minted by `orch token`",
		},
	}

	api := humachi.New(router, config)

	return &Api{Api: api, Router: router}
}
