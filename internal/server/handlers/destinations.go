package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/pushq/pkg/destination"
)

// DestinationsHandler exposes the destination registry read-only.
type DestinationsHandler struct {
	registry *destination.Registry
}

func NewDestinationsHandler(registry *destination.Registry) *DestinationsHandler {
	return &DestinationsHandler{registry: registry}
}

// Routes mounts the destination endpoints on r.
func (h *DestinationsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{name}", h.Get)
}

// DestinationList is the body of GET /destinations.
type DestinationList struct {
	Destinations []string `json:"destinations"`
}

// List serves GET /destinations.
func (h *DestinationsHandler) List(w http.ResponseWriter, r *http.Request) {
	names, err := h.registry.List()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, DestinationList{Destinations: names})
}

// Get serves GET /destinations/{name}.
func (h *DestinationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.registry.Resolve(chi.URLParam(r, "name"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
