// Package api serves read-only presence views from the local cache.
package api

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/edudashpro/presence/backend-go/internal/presence"
)

type Handler struct {
	cache    *presence.Cache
	resolver presence.Resolver
	clock    clockwork.Clock
}

func NewHandler(cache *presence.Cache, resolver presence.Resolver, clock clockwork.Clock) *Handler {
	return &Handler{cache: cache, resolver: resolver, clock: clock}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/presence", h.List).Methods("GET")
	r.HandleFunc("/presence/{userId}", h.Get).Methods("GET")
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	views := h.resolver.ViewAll(h.cache.Snapshot(), h.clock.Now())

	result := make([]presence.View, 0, len(views))
	for _, v := range views {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })

	writeJSON(w, http.StatusOK, result)
}

// Get resolves one user. Users with no row are reported offline rather than
// not found.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	var rec *presence.Record
	if cached, ok := h.cache.Get(userID); ok {
		rec = &cached
	}

	writeJSON(w, http.StatusOK, h.resolver.View(userID, rec, h.clock.Now()))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
