package api

import (
	"net/http"

	"github.com/onkernel/nodelab/lib/console"
	"github.com/onkernel/nodelab/lib/logger"
)

// RegisterVNCRequest describes a VNC server that is not managed by nodelab.
type RegisterVNCRequest struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// defaultConnectionName names connections registered without a name.
const defaultConnectionName = "vnc-connection"

// VNCConnection is a published console connection.
type VNCConnection struct {
	ConnectionName string        `json:"connection_name"`
	ConnectionID   string        `json:"connection_id"`
	Links          console.Links `json:"links"`
}

// RegisterVNC publishes an existing VNC endpoint through the console gateway
func (s *ApiService) RegisterVNC(w http.ResponseWriter, r *http.Request) {
	var req RegisterVNCRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name == "" {
		req.Name = defaultConnectionName
	}

	id, err := s.Gateway.RegisterEndpoint(r.Context(), req.Name, req.Host, req.Port)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).InfoContext(r.Context(), "registered external vnc endpoint",
		"name", req.Name, "host", req.Host, "port", req.Port, "connection_id", id)

	writeJSON(w, http.StatusCreated, VNCConnection{
		ConnectionName: req.Name,
		ConnectionID:   id,
		Links:          s.Gateway.Links(req.Name),
	})
}
