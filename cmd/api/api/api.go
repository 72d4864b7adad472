package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"

	"github.com/onkernel/nodelab/cmd/api/config"
	"github.com/onkernel/nodelab/lib/console"
	"github.com/onkernel/nodelab/lib/images"
	"github.com/onkernel/nodelab/lib/lifecycle"
	"github.com/onkernel/nodelab/lib/middleware"
)

// ApiService serves the nodelab HTTP API.
type ApiService struct {
	Config       *config.Config
	NodeManager  lifecycle.Manager
	ImageManager images.Manager
	Gateway      console.Gateway
}

// New creates a new ApiService
func New(
	config *config.Config,
	nodeManager lifecycle.Manager,
	imageManager images.Manager,
	gateway console.Gateway,
) *ApiService {
	return &ApiService{
		Config:       config,
		NodeManager:  nodeManager,
		ImageManager: imageManager,
		Gateway:      gateway,
	}
}

// Mount registers the API routes on r. Every request is validated against
// swagger. When a JWT secret is configured, all routes except /health
// require a bearer token.
func (s *ApiService) Mount(r chi.Router, swagger *openapi3.T) {
	validate := middleware.OapiValidator(swagger)

	r.Group(func(r chi.Router) {
		r.Use(validate)
		r.Get("/health", s.Health)
	})

	r.Group(func(r chi.Router) {
		if s.Config.JwtSecret != "" {
			r.Use(middleware.VerifyJWT(s.Config.JwtSecret))
		}
		r.Use(validate)

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.ListNodes)
			r.Post("/", s.CreateNode)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.GetNode)
				r.Post("/run", s.RunNode)
				r.Post("/stop", s.StopNode)
				r.Post("/wipe", s.WipeNode)
			})
		})

		r.Route("/images", func(r chi.Router) {
			r.Get("/", s.ListImages)
			r.Post("/", s.CreateImage)
			r.Get("/{id}", s.GetImage)
			r.Delete("/{id}", s.DeleteImage)
		})

		r.Post("/vnc", s.RegisterVNC)
	})
}

// Health reports that the service is up
func (s *ApiService) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", lifecycle.ErrInvalidRequest, err)
	}
	return nil
}
