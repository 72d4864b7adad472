package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onkernel/nodelab/lib/lifecycle"
)

// ListNodes lists all nodes
func (s *ApiService) ListNodes(w http.ResponseWriter, r *http.Request) {
	list, err := s.NodeManager.ListNodes(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []lifecycle.Node{}
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateNode creates a stopped node with a fresh overlay
func (s *ApiService) CreateNode(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	node, err := s.NodeManager.CreateNode(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// GetNode gets node details
func (s *ApiService) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.NodeManager.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// RunNode starts a node
func (s *ApiService) RunNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.NodeManager.RunNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// StopNode stops a node
func (s *ApiService) StopNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.NodeManager.StopNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// WipeNode deletes a stopped node and its overlay
func (s *ApiService) WipeNode(w http.ResponseWriter, r *http.Request) {
	if err := s.NodeManager.WipeNode(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
