package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onkernel/nodelab/lib/images"
)

// ListImages lists all images
func (s *ApiService) ListImages(w http.ResponseWriter, r *http.Request) {
	imgs, err := s.ImageManager.ListImages(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if imgs == nil {
		imgs = []images.Image{}
	}
	writeJSON(w, http.StatusOK, imgs)
}

// CreateImage registers an image file that already exists in the image directory.
// An overlay image sent without a path is registered as {name}.qcow2.
func (s *ApiService) CreateImage(w http.ResponseWriter, r *http.Request) {
	var req images.CreateImageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var (
		img *images.Image
		err error
	)
	if req.ParentID != nil && req.Path == "" {
		img, err = s.ImageManager.CreateOverlayImage(r.Context(), *req.ParentID, req.Name, req.Description)
	} else {
		img, err = s.ImageManager.CreateImage(r.Context(), req)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

// GetImage gets an image together with its ancestor chain
func (s *ApiService) GetImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.ImageManager.GetImageWithAncestors(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

// DeleteImage deletes an image
func (s *ApiService) DeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.ImageManager.DeleteImage(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
